// Package actions provides the reversible host-configuration action
// engine: single named actions and ordered lists with apply/arm/reverse
// semantics. The package is pure Go; OS side effects live behind the
// Runner interface and in Func closures supplied by callers.
package actions

import (
	"fmt"

	"win-tunsetup/internal/core"
)

// Action is a single reversible host-configuration operation. Reverse must
// tolerate nothing-to-undo: reversing an action that was never applied is
// not a fatal error.
type Action interface {
	Apply(log core.TextLog) error
	Reverse(log core.TextLog) error
	// String renders a human-readable description for diagnostics.
	String() string
}

// List is an ordered collection of actions. Insertion order is execution
// order for both Apply and Reverse: undo actions are independently
// self-contained (e.g. "delete this specific route"), not automatic
// inverses, so the planner orders them safely for forward execution.
type List struct {
	items []Action
	armed bool
}

// Add appends an action.
func (l *List) Add(a Action) { l.items = append(l.items, a) }

// Len returns the number of actions in the list.
func (l *List) Len() int { return len(l.items) }

// Armed reports whether Reverse will execute.
func (l *List) Armed() bool { return l.armed }

// Actions returns the members in execution order.
func (l *List) Actions() []Action { return l.items }

// Apply executes each action in insertion order. It stops at the first
// failure and propagates it; actions already applied are not rolled back
// here — the caller owns recovery policy.
func (l *List) Apply(log core.TextLog) error {
	for _, a := range l.items {
		if err := a.Apply(log); err != nil {
			return fmt.Errorf("apply %s: %w", a, err)
		}
	}
	return nil
}

// Arm gates Reverse. A list representing a half-attempted change set must
// not be torn down as if it were fully live, so the default is unarmed.
func (l *List) Arm(armed bool) { l.armed = armed }

// Reverse executes each action's reverse operation in insertion order.
// If the list is unarmed this is a no-op that keeps the members, which
// makes destroy-before-first-use calls safe without discarding an undo
// set that may still be armed later. Per-action failures are logged and
// skipped so a dangling route never blocks removal of a DNS override.
// After an armed reverse pass the list is empty and disarmed, so a
// second call is a no-op.
func (l *List) Reverse(log core.TextLog) {
	if !l.armed {
		return
	}
	for _, a := range l.items {
		if err := a.Reverse(log); err != nil {
			log.Printf("reverse %s failed: %v (continuing)", a, err)
		}
	}
	l.items = nil
	l.armed = false
}

// Func is an action backed by named closures. Either closure may be nil
// when the step has nothing to do in that direction.
type Func struct {
	Name string
	Do   func(log core.TextLog) error
	Undo func(log core.TextLog) error
}

func (f *Func) Apply(log core.TextLog) error {
	if f.Do == nil {
		return nil
	}
	log.Printf("%s", f.Name)
	return f.Do(log)
}

func (f *Func) Reverse(log core.TextLog) error {
	if f.Undo == nil {
		return nil
	}
	log.Printf("undo %s", f.Name)
	return f.Undo(log)
}

func (f *Func) String() string { return f.Name }
