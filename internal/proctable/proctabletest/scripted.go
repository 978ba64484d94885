// Package proctabletest provides a process table whose contents follow a
// script keyed on a fake clock.
package proctabletest

import (
	"context"
	"sync"
	"time"

	"github.com/turtacn/Tandem/internal/clock"
	"github.com/turtacn/Tandem/internal/proctable"
)

// Entry is a process visible from From (inclusive) until Until (exclusive),
// both measured from the clock's creation. Until of zero means forever.
type Entry struct {
	Process proctable.Process
	From    time.Duration
	Until   time.Duration

	stopped bool
}

func (e Entry) visible(at time.Duration) bool {
	if e.stopped {
		return e.From <= at && at < e.Until
	}
	return e.From <= at && (e.Until == 0 || at < e.Until)
}

// Scripted implements proctable.Table.
type Scripted struct {
	mu      sync.Mutex
	clock   *clock.Fake
	entries []Entry
	lists   int
	err     error
}

func NewScripted(c *clock.Fake, entries ...Entry) *Scripted {
	return &Scripted{clock: c, entries: entries}
}

// Add appends an entry to the script.
func (s *Scripted) Add(e Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, e)
}

// Start makes a process visible from the current instant.
func (s *Scripted) Start(p proctable.Process) {
	s.Add(Entry{Process: p, From: s.clock.Elapsed()})
}

// Stop ends every visible entry with the given PID at the current instant.
func (s *Scripted) Stop(pid int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Elapsed()
	for i := range s.entries {
		e := &s.entries[i]
		if e.Process.PID == pid && e.visible(now) {
			e.Until = now
			e.stopped = true
		}
	}
}

// FailWith makes List return err until called again with nil.
func (s *Scripted) FailWith(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

// Lists is the number of List calls so far.
func (s *Scripted) Lists() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lists
}

func (s *Scripted) List(ctx context.Context) ([]proctable.Process, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lists++
	if s.err != nil {
		return nil, s.err
	}
	now := s.clock.Elapsed()
	var out []proctable.Process
	for _, e := range s.entries {
		if e.visible(now) {
			out = append(out, e.Process)
		}
	}
	return out, nil
}

func (s *Scripted) Alive(ctx context.Context, pid int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Elapsed()
	for _, e := range s.entries {
		if e.Process.PID == pid && e.visible(now) {
			return true, nil
		}
	}
	return false, nil
}

// Personal.AI order the ending
