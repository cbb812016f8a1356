// Package operation provides operation-in-progress handles: addressable,
// pollable state for long-running engine tasks like plugin installs and
// device synchronization.
package operation

import (
	"fmt"
	"strings"
	"sync"
)

// OIP states. An operation starts in progress and ends in exactly one
// of success or fail.
const (
	StateProgress = "progress"
	StateSuccess  = "success"
	StateFail     = "fail"
)

// OIP tracks one operation in progress. It is mutated only by the task
// driving the operation and polled by everyone else; all methods are
// safe for concurrent use.
type OIP struct {
	mu      sync.Mutex
	label   string
	state   string
	current int64
	end     int64
	subs    []*OIP
}

// New creates an OIP in the progress state with no counters.
func New(label string) *OIP {
	return &OIP{label: label, state: StateProgress, current: -1, end: -1}
}

// NewWithEnd creates an OIP whose progress counts up to end.
func NewWithEnd(label string, end int64) *OIP {
	return &OIP{label: label, state: StateProgress, current: 0, end: end}
}

// Label returns the operation label.
func (o *OIP) Label() string {
	return o.label
}

// State returns the current state.
func (o *OIP) State() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Current returns the progress counter, or -1 when unknown.
func (o *OIP) Current() int64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.current
}

// SetEnd sets the progress target.
func (o *OIP) SetEnd(end int64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.end = end
	if o.current < 0 {
		o.current = 0
	}
}

// Advance increases the progress counter. The counter never moves
// backwards.
func (o *OIP) Advance(delta int64) {
	if delta <= 0 {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.current < 0 {
		o.current = 0
	}
	o.current += delta
	if o.end >= 0 && o.current > o.end {
		o.current = o.end
	}
}

// Success moves the operation to its success state.
func (o *OIP) Success() {
	o.setState(StateSuccess)
}

// Fail moves the operation to its fail state.
func (o *OIP) Fail() {
	o.setState(StateFail)
}

func (o *OIP) setState(state string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state == StateProgress {
		o.state = state
	}
}

// AddSub appends a sub-operation. The sub list is append-only.
func (o *OIP) AddSub(sub *OIP) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.subs = append(o.subs, sub)
}

// Subs returns a snapshot of the sub-operations.
func (o *OIP) Subs() []*OIP {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]*OIP(nil), o.subs...)
}

// Format renders the operation tree in the wire format polled by REST
// clients:
//
//	[label|]state[;current[/end]](sub)(sub)...
//
// for example "download|progress;543/1024(file1|success)".
func (o *OIP) Format() string {
	o.mu.Lock()
	label, state, current, end := o.label, o.state, o.current, o.end
	subs := append([]*OIP(nil), o.subs...)
	o.mu.Unlock()

	var b strings.Builder
	if label != "" {
		b.WriteString(label)
		b.WriteByte('|')
	}
	b.WriteString(state)
	if current >= 0 {
		fmt.Fprintf(&b, ";%d", current)
		if end >= 0 {
			fmt.Fprintf(&b, "/%d", end)
		}
	}
	for _, sub := range subs {
		b.WriteByte('(')
		b.WriteString(sub.Format())
		b.WriteByte(')')
	}
	return b.String()
}
