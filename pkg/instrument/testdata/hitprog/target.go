package main

// Lines tagged with an "at:" comment are where breakpoints are placed.

type ledger struct {
	entries []int
}

func (l *ledger) Len() int {
	if l == nil { // at:len
		return 0
	}
	return len(l.entries)
}

func sum(xs []int) int {
	total := 0
	for _, n := range xs {
		total += n // at:sum
	}
	return total
}

func grow(n int) int {
	doubled := n * 2 // at:grow
	return doubled
}

func square(id int) int {
	sq := id * id // at:square
	return sq
}
