package agent

import (
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/ilscipio/aivory-monitor/agent-go/pkg/debugger"
	"github.com/ilscipio/aivory-monitor/agent-go/pkg/instrument"
	"github.com/ilscipio/aivory-monitor/agent-go/pkg/transport"
	"github.com/uber-go/tally"
	promreporter "github.com/uber-go/tally/prometheus"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// ErrBreakpointsDisabled is returned for breakpoint requests when the agent
// runs with breakpoints turned off.
var ErrBreakpointsDisabled = errors.New("breakpoints are disabled on this agent")

// Agent is the main AIVory Monitor agent.
type Agent struct {
	config      *Config
	logger      *zap.Logger
	scope       tally.Scope
	scopeCloser io.Closer
	reporter    promreporter.Reporter
	debugger    *debugger.Debugger
	connection  *transport.Connection
	metrics     *http.Server
	started     bool
	mu          sync.RWMutex

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var (
	globalAgent *Agent
	globalOnce  sync.Once
)

// Init initializes and starts the global agent with the given options.
// Configuration errors are logged and leave the global agent unset.
func Init(options ...ConfigOption) *Agent {
	globalOnce.Do(func() {
		config := NewConfig(options...)

		a, err := New(config)
		if err != nil {
			zap.L().Error("AIVory Monitor agent not started", zap.Error(err))
			return
		}
		if err := a.Start(); err != nil {
			a.logger.Error("AIVory Monitor agent not started", zap.Error(err))
			return
		}
		globalAgent = a

		a.logger.Info("agent initialized",
			zap.String("version", transport.AgentVersion),
			zap.String("environment", config.Environment),
		)
	})

	return globalAgent
}

// GetAgent returns the global agent instance.
func GetAgent() *Agent {
	return globalAgent
}

// New builds an agent from config without starting it.
func New(config *Config) (*Agent, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	logger, err := newLogger(config)
	if err != nil {
		return nil, err
	}

	reporter := promreporter.NewReporter(promreporter.Options{})
	scope, closer := tally.NewRootScope(tally.ScopeOptions{
		Prefix:         "aivory_agent",
		Tags:           map[string]string{"environment": config.Environment},
		CachedReporter: reporter,
		Separator:      promreporter.DefaultSeparator,
	}, time.Second)

	reload := instrument.NewReloader(instrument.FileLoader, instrument.NewOverlaySink(config.OverlayDir))
	dbg := debugger.New(config.DebuggerConfig(), nil, reload,
		debugger.WithLogger(logger),
		debugger.WithStats(scope),
	)

	a := &Agent{
		config:      config,
		logger:      logger,
		scope:       scope,
		scopeCloser: closer,
		reporter:    reporter,
		debugger:    dbg,
	}

	var target transport.Debugger = dbg
	if !config.EnableBreakpoints {
		target = disabledDebugger{dbg}
	}
	a.connection = transport.NewConnection(config.BackendURL, config.APIKey, target,
		transport.WithLogger(logger.Named("transport")),
		transport.WithStats(scope.SubScope("transport")),
		transport.WithAgentInfo(transport.AgentInfo{
			AgentID:     config.AgentID,
			Hostname:    config.Hostname,
			Environment: config.Environment,
		}),
	)
	return a, nil
}

func newLogger(config *Config) (*zap.Logger, error) {
	var (
		logger *zap.Logger
		err    error
	)
	if config.Debug {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		return nil, err
	}
	return logger.Named("aivory").With(zap.String("agent_id", config.AgentID)), nil
}

// Start starts the agent.
func (a *Agent) Start() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.started {
		return nil
	}

	if a.config.EnableBreakpoints {
		if err := a.debugger.Start(); err != nil {
			return err
		}
		a.debugger.Runtime().OnHit(a.connection.PushSnapshot)
	}

	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel

	// Connect to backend
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.connection.Connect(ctx)
	}()

	if a.config.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", a.reporter.HTTPHandler())
		a.metrics = &http.Server{Addr: a.config.MetricsAddr, Handler: mux}
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			if err := a.metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.logger.Error("metrics endpoint failed", zap.Error(err))
			}
		}()
	}

	// Handle shutdown signals
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.handleSignals(ctx)
	}()

	a.started = true
	a.logger.Debug("agent started")
	return nil
}

// Stop stops the agent and waits for its goroutines.
func (a *Agent) Stop() error {
	a.mu.Lock()
	if !a.started {
		a.mu.Unlock()
		return nil
	}
	a.started = false
	a.mu.Unlock()

	a.cancel()
	a.connection.Disconnect()

	var err error
	if a.metrics != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err = multierr.Append(err, a.metrics.Shutdown(ctx))
		cancel()
	}
	a.wg.Wait()

	err = multierr.Combine(err, a.debugger.Close(), a.scopeCloser.Close())
	_ = a.logger.Sync()

	a.logger.Debug("agent stopped")
	return err
}

// Debugger returns the agent's debugger.
func (a *Agent) Debugger() *debugger.Debugger {
	return a.debugger
}

// Config returns the agent configuration.
func (a *Agent) Config() *Config {
	return a.config
}

func (a *Agent) handleSignals(ctx context.Context) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case <-ctx.Done():
	case <-sigChan:
		go a.Stop()
	}
}

// disabledDebugger serves reads but refuses to arm breakpoints.
type disabledDebugger struct {
	*debugger.Debugger
}

func (disabledDebugger) RegisterBreakpoint(context.Context, string, int, string) (string, error) {
	return "", ErrBreakpointsDisabled
}

// Package-level convenience functions

// Shutdown stops the global agent.
func Shutdown() error {
	if globalAgent != nil {
		return globalAgent.Stop()
	}
	return nil
}
