package diagonal

import (
	"fmt"

	"github.com/arloliu/rqa/errs"
)

// State is the carryover of one diagonal between two tiles.
type State struct {
	// Start is the global row where the open run began.
	Start int
	// Length is the number of recurrent cells in the open run; 0 means the
	// diagonal left the previous tile with no run open.
	Length int
	// NextX is the global column at which the diagonal continues.
	NextX int

	pending bool
}

// Carryover holds the open-run state of every diagonal of an NX × NY matrix
// between the tile that writes it and the tile that continues the diagonal.
//
// Each diagonal follows a strict Put, Take, Put, Take... protocol; any other
// sequence is a tile ordering bug and yields errs.ErrCarryoverConsistency.
//
// Tiles of one wavefront touch disjoint diagonals, so concurrent Put and Take
// calls on different diagonals need no locking. Calls on the same diagonal
// must be ordered by the caller.
type Carryover struct {
	nx, ny int
	states []State
}

// NewCarryover creates an empty store for an nx × ny matrix.
func NewCarryover(nx, ny int) *Carryover {
	return &Carryover{nx: nx, ny: ny, states: make([]State, nx+ny-1)}
}

func (c *Carryover) slot(d int) (*State, error) {
	k := d + c.ny - 1
	if k < 0 || k >= len(c.states) {
		return nil, fmt.Errorf("%w: diagonal %d outside %dx%d matrix", errs.ErrCarryoverConsistency, d, c.nx, c.ny)
	}

	return &c.states[k], nil
}

// Put records the state of diagonal d as it leaves a tile. nextX is the
// global column of the diagonal's next cell.
func (c *Carryover) Put(d, nextX, start, length int) error {
	s, err := c.slot(d)
	if err != nil {
		return err
	}
	if s.pending {
		return fmt.Errorf("%w: diagonal %d written twice (pending continuation at x=%d)",
			errs.ErrCarryoverConsistency, d, s.NextX)
	}
	*s = State{Start: start, Length: length, NextX: nextX, pending: true}

	return nil
}

// Take consumes the state of diagonal d for the tile entering it at global
// column x.
func (c *Carryover) Take(d, x int) (State, error) {
	s, err := c.slot(d)
	if err != nil {
		return State{}, err
	}
	if !s.pending {
		return State{}, fmt.Errorf("%w: diagonal %d read at x=%d before being written",
			errs.ErrCarryoverConsistency, d, x)
	}
	if s.NextX != x {
		return State{}, fmt.Errorf("%w: diagonal %d continues at x=%d, read at x=%d",
			errs.ErrCarryoverConsistency, d, s.NextX, x)
	}
	out := *s
	out.pending = false
	*s = State{}

	return out, nil
}

// Peek returns the state of diagonal d without consuming it.
func (c *Carryover) Peek(d int) (State, bool) {
	s, err := c.slot(d)
	if err != nil || !s.pending {
		return State{}, false
	}
	out := *s
	out.pending = false

	return out, true
}

// Pending returns the number of diagonals written but not yet read. It is 0
// after a complete run.
func (c *Carryover) Pending() int {
	n := 0
	for i := range c.states {
		if c.states[i].pending {
			n++
		}
	}

	return n
}
