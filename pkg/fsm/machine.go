package fsm

import (
	"fmt"
	"sync"
)

// Handler is executed after a transition has been applied. The machine is
// unlocked while it runs, so a handler may read Current or Fire again.
type Handler[E comparable] func(event E, args ...interface{}) error

// Transition records one applied state change.
type Transition[S, E comparable] struct {
	From  S
	To    S
	Event E
}

type StateMachine[S, E comparable] struct {
	mu          sync.RWMutex
	current     S
	transitions map[S]map[E]S
	callbacks   map[S]map[E]Handler[E]
	history     []Transition[S, E]
}

func New[S, E comparable](initial S) *StateMachine[S, E] {
	return &StateMachine[S, E]{
		current:     initial,
		transitions: make(map[S]map[E]S),
		callbacks:   make(map[S]map[E]Handler[E]),
	}
}

func (sm *StateMachine[S, E]) Current() S {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.current
}

func (sm *StateMachine[S, E]) AddTransition(from, to S, event E, callback Handler[E]) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if _, ok := sm.transitions[from]; !ok {
		sm.transitions[from] = make(map[E]S)
		sm.callbacks[from] = make(map[E]Handler[E])
	}
	sm.transitions[from][event] = to
	sm.callbacks[from][event] = callback
}

// Transitions returns a copy of the table as from -> event -> to.
func (sm *StateMachine[S, E]) Transitions() map[S]map[E]S {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	out := make(map[S]map[E]S, len(sm.transitions))
	for from, edges := range sm.transitions {
		out[from] = make(map[E]S, len(edges))
		for ev, to := range edges {
			out[from][ev] = to
		}
	}
	return out
}

// History returns the transitions applied so far, oldest first.
func (sm *StateMachine[S, E]) History() []Transition[S, E] {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return append([]Transition[S, E](nil), sm.history...)
}

// Fire triggers a state transition. It is thread-safe.
// The new state is committed before the callback runs; a callback error is
// returned to the caller but does not roll the state back.
func (sm *StateMachine[S, E]) Fire(event E, args ...interface{}) error {
	sm.mu.Lock()
	from := sm.current
	next, ok := sm.transitions[from][event]
	if !ok {
		sm.mu.Unlock()
		return fmt.Errorf("invalid transition from %v via %v", from, event)
	}
	handler := sm.callbacks[from][event]
	sm.current = next
	sm.history = append(sm.history, Transition[S, E]{From: from, To: next, Event: event})
	sm.mu.Unlock()

	if handler != nil {
		return handler(event, args...)
	}
	return nil
}

// Personal.AI order the ending
