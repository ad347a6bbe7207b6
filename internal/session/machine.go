// Package session implements the customer-display state machine of one till.
//
// A Machine is not safe for concurrent use; its owner serializes every call.
// Every transition stops the previous auto-reset timer before arming the next
// one, so at most one timer is ever pending and it always belongs to the
// current state.
package session

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/punchamoorthee/tillbridge/internal/clock"
	"github.com/punchamoorthee/tillbridge/internal/models"
)

type State string

const (
	StateIdle             State = "idle"
	StateRegistration     State = "registration"
	StateConfirmation     State = "confirmation"
	StateCustomerInfo     State = "customer_info"
	StatePurchaseComplete State = "purchase_complete"
	StateError            State = "error"
)

var ErrInvalidTransition = errors.New("invalid session transition")

// transitions lists, per state, what it may enter. Every state may also
// enter idle and error.
var transitions = map[State][]State{
	StateIdle:             {StateRegistration, StateCustomerInfo, StatePurchaseComplete},
	StateRegistration:     {StateRegistration, StateConfirmation},
	StateConfirmation:     {StateRegistration},
	StateCustomerInfo:     {StateRegistration, StateCustomerInfo, StatePurchaseComplete},
	StatePurchaseComplete: {StateRegistration, StateCustomerInfo, StatePurchaseComplete},
	StateError:            {StateRegistration, StateCustomerInfo, StatePurchaseComplete},
}

func canEnter(from, to State) bool {
	if to == StateIdle || to == StateError {
		return true
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Interactive reports whether the customer is mid-flow on the tablet. Displays
// that would interrupt such a state are deferred.
func (s State) Interactive() bool {
	return s == StateRegistration || s == StateConfirmation
}

// Timeouts are the default auto-reset durations per state.
type Timeouts struct {
	Registration     time.Duration
	Confirmation     time.Duration
	CustomerInfo     time.Duration
	PurchaseComplete time.Duration
	Error            time.Duration
}

var DefaultTimeouts = Timeouts{
	Registration:     120 * time.Second,
	Confirmation:     5 * time.Second,
	CustomerInfo:     10 * time.Second,
	PurchaseComplete: 8 * time.Second,
	Error:            3 * time.Second,
}

// For returns the default timeout of s; zero for idle.
func (t Timeouts) For(s State) time.Duration {
	switch s {
	case StateRegistration:
		return t.Registration
	case StateConfirmation:
		return t.Confirmation
	case StateCustomerInfo:
		return t.CustomerInfo
	case StatePurchaseComplete:
		return t.PurchaseComplete
	case StateError:
		return t.Error
	}
	return 0
}

// Transition describes one state change.
type Transition struct {
	SessionID string
	From      State
	To        State
	At        time.Time
	AutoReset time.Duration
	Context   map[string]any
}

// Snapshot is the current state as seen by a (re)connecting client.
type Snapshot struct {
	SessionID      string         `json:"session_id"`
	State          State          `json:"state"`
	EnteredAt      time.Time      `json:"entered_at"`
	Remaining      time.Duration  `json:"-"`
	PendingBarcode string         `json:"pending_customer_barcode,omitempty"`
	Context        map[string]any `json:"context,omitempty"`
	TimerArmed     bool           `json:"timer_armed"`
	Deferred       *State         `json:"deferred,omitempty"`
}

type deferred struct {
	to       State
	ctx      map[string]any
	override time.Duration
}

// Machine is the state of one session.
type Machine struct {
	id        string
	clock     clock.Clock
	timeouts  Timeouts
	onExpire  func(gen uint64)
	state     State
	enteredAt time.Time
	deadline  time.Time
	timer     clock.Timer
	gen       uint64
	barcode   string
	ctx       map[string]any
	parked    *deferred
}

// New creates a machine in idle. onExpire is called from the clock's timer
// goroutine with the generation the timer was armed for; the owner must route
// it back through its serialization boundary and call Expire.
func New(id string, clk clock.Clock, timeouts Timeouts, onExpire func(gen uint64)) *Machine {
	return &Machine{
		id:        id,
		clock:     clk,
		timeouts:  timeouts,
		onExpire:  onExpire,
		state:     StateIdle,
		enteredAt: clk.Now(),
	}
}

func (m *Machine) ID() string { return m.id }

func (m *Machine) State() State { return m.state }

// Enter moves to state to, cancelling the current timer first. override, when
// positive, replaces the state's default auto-reset duration.
func (m *Machine) Enter(to State, ctx map[string]any, override time.Duration) (Transition, error) {
	if !canEnter(m.state, to) {
		return Transition{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, m.state, to)
	}
	m.cancelTimer()

	from := m.state
	m.gen++
	m.state = to
	m.enteredAt = m.clock.Now()
	m.ctx = ctx
	m.deadline = time.Time{}

	var d time.Duration
	if to != StateIdle {
		d = m.timeouts.For(to)
		if override > 0 {
			d = override
		}
		if d > 0 {
			gen := m.gen
			m.deadline = m.enteredAt.Add(d)
			m.timer = m.clock.AfterFunc(d, func() { m.onExpire(gen) })
		}
	} else {
		m.barcode = ""
	}

	return Transition{
		SessionID: m.id,
		From:      from,
		To:        to,
		At:        m.enteredAt,
		AutoReset: d,
		Context:   ctx,
	}, nil
}

// Reset enters idle.
func (m *Machine) Reset() Transition {
	t, _ := m.Enter(StateIdle, nil, 0)
	return t
}

// Expire handles a timer firing. Timers from superseded generations are
// ignored; the current one resets to idle.
func (m *Machine) Expire(gen uint64) (Transition, bool) {
	if gen != m.gen || m.state == StateIdle {
		return Transition{}, false
	}
	m.timer = nil
	return m.Reset(), true
}

// Hold cancels the pending timer without changing state, for while a
// slow operation for the current state is in flight.
func (m *Machine) Hold() {
	m.cancelTimer()
	m.gen++
	m.deadline = time.Time{}
}

// Successor holds m and returns a fresh idle machine whose generations
// continue after m's, so nothing started under m matches the new session.
func (m *Machine) Successor(id string, onExpire func(gen uint64)) *Machine {
	m.Hold()
	n := New(id, m.clock, m.timeouts, onExpire)
	n.gen = m.gen
	return n
}

func (m *Machine) cancelTimer() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

// Generation identifies the current state entry. Operations started in one
// entry compare it on completion to detect that the session moved on.
func (m *Machine) Generation() uint64 { return m.gen }

// TimerArmed reports whether an auto-reset timer is pending.
func (m *Machine) TimerArmed() bool { return m.timer != nil }

func (m *Machine) SetPendingCustomer(barcode string) { m.barcode = barcode }

func (m *Machine) PendingCustomer() string { return m.barcode }

// Defer parks a display for when the current interactive flow ends. A parked
// purchase is never displaced by a customer_info display.
func (m *Machine) Defer(to State, ctx map[string]any, override time.Duration) {
	if m.parked != nil && m.parked.to == StatePurchaseComplete && to == StateCustomerInfo {
		return
	}
	m.parked = &deferred{to: to, ctx: ctx, override: override}
}

// ResumeDeferred enters the parked display if the machine is idle.
func (m *Machine) ResumeDeferred() (Transition, bool) {
	if m.parked == nil || m.state != StateIdle {
		return Transition{}, false
	}
	p := m.parked
	m.parked = nil
	t, err := m.Enter(p.to, p.ctx, p.override)
	if err != nil {
		return Transition{}, false
	}
	return t, true
}

// Snapshot describes the current state without touching timers.
func (m *Machine) Snapshot() Snapshot {
	s := Snapshot{
		SessionID:      m.id,
		State:          m.state,
		EnteredAt:      m.enteredAt,
		PendingBarcode: m.barcode,
		Context:        m.ctx,
		TimerArmed:     m.timer != nil,
	}
	if !m.deadline.IsZero() {
		if rem := m.deadline.Sub(m.clock.Now()); rem > 0 {
			s.Remaining = rem
		}
	}
	if m.parked != nil {
		st := m.parked.to
		s.Deferred = &st
	}
	return s
}

// DisplayAction is the tablet action that renders state s.
func DisplayAction(s State) models.Action {
	switch s {
	case StateRegistration:
		return models.ActionShowRegistrationForm
	case StateConfirmation:
		return models.ActionShowConfirmation
	case StateCustomerInfo:
		return models.ActionShowCustomerInfo
	case StatePurchaseComplete:
		return models.ActionShowPurchaseComplete
	case StateError:
		return models.ActionShowError
	}
	return models.ActionSetState
}

// countdownKey is the payload field carrying the countdown for s.
func countdownKey(s State) string {
	if s == StateRegistration {
		return "timeout"
	}
	return "auto_reset"
}

// Display renders a transition as the tablet message for its target state.
func (t Transition) Display() models.Message {
	return display(t.To, t.Context, t.AutoReset)
}

// Display renders the snapshot for a reconnecting tablet, with the countdown
// reduced to what is left.
func (s Snapshot) Display() models.Message {
	return display(s.State, s.Context, s.Remaining)
}

func display(s State, ctx map[string]any, countdown time.Duration) models.Message {
	if s == StateIdle {
		return models.NewMessage(models.ActionSetState, map[string]any{"state": string(StateIdle)})
	}
	payload := make(map[string]any, len(ctx)+1)
	for k, v := range ctx {
		payload[k] = v
	}
	payload[countdownKey(s)] = int(math.Ceil(countdown.Seconds()))
	return models.NewMessage(DisplayAction(s), payload)
}
