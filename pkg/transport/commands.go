package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ilscipio/aivory-monitor/agent-go/pkg/snapshot"
)

// Message types exchanged with the backend.
const (
	TypeRegister   = "register"
	TypeRegistered = "registered"
	TypeHeartbeat  = "heartbeat"
	TypeError      = "error"

	TypeBreakpointSet        = "breakpoint_set"
	TypeBreakpointRemove     = "breakpoint_remove"
	TypeBreakpointDeregister = "breakpoint_deregister"
	TypeSnapshotGet          = "snapshot_get"
	TypeSnapshotRemove       = "snapshot_remove"
	TypeDestroy              = "destroy"

	TypeBreakpointRegistered = "breakpoint_registered"
	TypeSnapshot             = "snapshot"
	TypeBreakpointHit        = "breakpoint_hit"
	TypeAck                  = "ack"
)

// Debugger is the part of the debugger the backend drives.
type Debugger interface {
	RegisterBreakpoint(ctx context.Context, sourceFile string, line int, cond string) (string, error)
	DeregisterBreakpoint(sourceFile string, line int, id string) error
	GetBreakpointSnapshot(id string) (*snapshot.Snapshot, bool)
	RemoveSnapshot(id string)
	RemoveBreakpoint(id string)
	Destroy()
}

// BreakpointCommand is the payload of breakpoint and snapshot commands.
type BreakpointCommand struct {
	RequestID string `json:"request_id,omitempty"`
	ID        string `json:"id,omitempty"`
	File      string `json:"file,omitempty"`
	Line      int    `json:"line,omitempty"`
	Condition string `json:"condition,omitempty"`
}

// BreakpointRegistered answers breakpoint_set.
type BreakpointRegistered struct {
	RequestID string `json:"request_id,omitempty"`
	ID        string `json:"id"`
	File      string `json:"file"`
	Line      int    `json:"line"`
}

// SnapshotReply answers snapshot_get.
type SnapshotReply struct {
	RequestID string             `json:"request_id,omitempty"`
	ID        string             `json:"id"`
	Found     bool               `json:"found"`
	Snapshot  *snapshot.Snapshot `json:"snapshot,omitempty"`
}

// Ack answers commands without a result.
type Ack struct {
	RequestID string `json:"request_id,omitempty"`
	Command   string `json:"command"`
}

// ErrorReply reports a failed command.
type ErrorReply struct {
	RequestID string `json:"request_id,omitempty"`
	Code      string `json:"code"`
	Message   string `json:"message"`
}

var errUnknownCommand = errors.New("unknown command")

// Dispatch runs one backend command against dbg and returns the reply type
// and payload. Failures are turned into an error reply.
func Dispatch(ctx context.Context, dbg Debugger, msgType string, raw json.RawMessage) (string, interface{}) {
	var cmd BreakpointCommand
	if len(raw) > 0 && string(raw) != "null" {
		if err := json.Unmarshal(raw, &cmd); err != nil {
			return TypeError, ErrorReply{Code: "bad_payload", Message: err.Error()}
		}
	}

	reply, err := dispatch(ctx, dbg, msgType, cmd)
	if err != nil {
		code := "command_failed"
		if errors.Is(err, errUnknownCommand) {
			code = "unknown_command"
		}
		return TypeError, ErrorReply{RequestID: cmd.RequestID, Code: code, Message: err.Error()}
	}
	return reply.typ, reply.payload
}

type reply struct {
	typ     string
	payload interface{}
}

func dispatch(ctx context.Context, dbg Debugger, msgType string, cmd BreakpointCommand) (reply, error) {
	ack := reply{typ: TypeAck, payload: Ack{RequestID: cmd.RequestID, Command: msgType}}

	switch msgType {
	case TypeBreakpointSet:
		id, err := dbg.RegisterBreakpoint(ctx, cmd.File, cmd.Line, cmd.Condition)
		if err != nil {
			return reply{}, err
		}
		return reply{typ: TypeBreakpointRegistered, payload: BreakpointRegistered{
			RequestID: cmd.RequestID,
			ID:        id,
			File:      cmd.File,
			Line:      cmd.Line,
		}}, nil

	case TypeBreakpointRemove:
		if cmd.ID == "" {
			return reply{}, fmt.Errorf("%s: missing id", msgType)
		}
		dbg.RemoveBreakpoint(cmd.ID)
		return ack, nil

	case TypeBreakpointDeregister:
		if err := dbg.DeregisterBreakpoint(cmd.File, cmd.Line, cmd.ID); err != nil {
			return reply{}, err
		}
		return ack, nil

	case TypeSnapshotGet:
		snap, ok := dbg.GetBreakpointSnapshot(cmd.ID)
		return reply{typ: TypeSnapshot, payload: SnapshotReply{
			RequestID: cmd.RequestID,
			ID:        cmd.ID,
			Found:     ok,
			Snapshot:  snap,
		}}, nil

	case TypeSnapshotRemove:
		dbg.RemoveSnapshot(cmd.ID)
		return ack, nil

	case TypeDestroy:
		dbg.Destroy()
		return ack, nil
	}
	return reply{}, fmt.Errorf("%w: %s", errUnknownCommand, msgType)
}
