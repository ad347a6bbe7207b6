package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/punchamoorthee/tillbridge/internal/models"
	"github.com/punchamoorthee/tillbridge/internal/testutil"
)

// harness routes timer callbacks straight back into the machine, as the
// till's run loop would.
type harness struct {
	clock   *testutil.ManualClock
	machine *Machine
	expired []Transition
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{clock: testutil.NewManualClock(time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC))}
	h.machine = New("sess-1", h.clock, DefaultTimeouts, func(gen uint64) {
		if tr, ok := h.machine.Expire(gen); ok {
			h.expired = append(h.expired, tr)
		}
	})
	return h
}

func TestConfirmationAutoResetsWithinOneSecond(t *testing.T) {
	h := newHarness(t)
	_, err := h.machine.Enter(StateRegistration, nil, 0)
	require.NoError(t, err)
	tr, err := h.machine.Enter(StateConfirmation, map[string]any{"message": "Welcome"}, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, tr.AutoReset)
	assert.Equal(t, 1, h.clock.Pending())

	h.clock.Advance(4999 * time.Millisecond)
	assert.Equal(t, StateConfirmation, h.machine.State())

	h.clock.Advance(time.Millisecond)
	assert.Equal(t, StateIdle, h.machine.State())
	assert.Equal(t, 0, h.clock.Pending())
	assert.False(t, h.machine.TimerArmed())

	require.Len(t, h.expired, 1)
	assert.Equal(t, StateConfirmation, h.expired[0].From)
	assert.Equal(t, StateIdle, h.expired[0].To)
}

func TestEnterCancelsPreviousTimer(t *testing.T) {
	h := newHarness(t)
	_, err := h.machine.Enter(StateCustomerInfo, nil, 0)
	require.NoError(t, err)
	h.clock.Advance(9 * time.Second)

	_, err = h.machine.Enter(StatePurchaseComplete, nil, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, h.clock.Pending(), "only the current state's timer is armed")

	// The customer_info deadline passes without effect.
	h.clock.Advance(2 * time.Second)
	assert.Equal(t, StatePurchaseComplete, h.machine.State())

	h.clock.Advance(6 * time.Second)
	assert.Equal(t, StateIdle, h.machine.State())
	assert.Len(t, h.expired, 1)
}

func TestStaleGenerationIsIgnored(t *testing.T) {
	h := newHarness(t)
	_, err := h.machine.Enter(StateError, nil, 0)
	require.NoError(t, err)
	stale := h.machine.Generation()

	_, err = h.machine.Enter(StateCustomerInfo, nil, 0)
	require.NoError(t, err)

	_, ok := h.machine.Expire(stale)
	assert.False(t, ok)
	assert.Equal(t, StateCustomerInfo, h.machine.State())
}

func TestResetToIdleCancelsTimer(t *testing.T) {
	h := newHarness(t)
	_, err := h.machine.Enter(StateRegistration, nil, 0)
	require.NoError(t, err)

	tr := h.machine.Reset()
	assert.Equal(t, StateIdle, tr.To)
	assert.Equal(t, 0, h.clock.Pending())

	h.clock.Advance(10 * time.Minute)
	assert.Empty(t, h.expired)
}

func TestInvalidTransitions(t *testing.T) {
	h := newHarness(t)
	_, err := h.machine.Enter(StateConfirmation, nil, 0)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, StateIdle, h.machine.State())

	_, err = h.machine.Enter(StateRegistration, nil, 0)
	require.NoError(t, err)
	_, err = h.machine.Enter(StatePurchaseComplete, nil, 0)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, 1, h.clock.Pending(), "a rejected transition leaves the timer alone")
}

func TestHoldStopsTimerWithoutTransition(t *testing.T) {
	h := newHarness(t)
	_, err := h.machine.Enter(StateRegistration, nil, 0)
	require.NoError(t, err)
	before := h.machine.Generation()

	h.machine.Hold()
	assert.Equal(t, StateRegistration, h.machine.State())
	assert.Greater(t, h.machine.Generation(), before)
	assert.Equal(t, 0, h.clock.Pending())

	h.clock.Advance(time.Hour)
	assert.Equal(t, StateRegistration, h.machine.State())
}

func TestSnapshotDoesNotArmTimers(t *testing.T) {
	h := newHarness(t)
	_, err := h.machine.Enter(StatePurchaseComplete, map[string]any{"points_awarded": int64(45)}, 0)
	require.NoError(t, err)
	h.clock.Advance(3 * time.Second)

	first := h.machine.Snapshot()
	second := h.machine.Snapshot()
	assert.Equal(t, first, second)
	assert.Equal(t, 5*time.Second, first.Remaining)
	assert.True(t, first.TimerArmed)
	assert.Equal(t, 1, h.clock.Pending())

	msg := first.Display()
	assert.Equal(t, models.ActionShowPurchaseComplete, msg.Action)
	assert.Equal(t, 5, msg.Get("auto_reset"))
	assert.Equal(t, int64(45), msg.Get("points_awarded"))
}

func TestDisplayMessages(t *testing.T) {
	h := newHarness(t)
	tr, err := h.machine.Enter(StateRegistration, nil, 90*time.Second)
	require.NoError(t, err)
	assert.Equal(t, models.ActionShowRegistrationForm, tr.Display().Action)
	assert.Equal(t, 90, tr.Display().Get("timeout"))

	idle := h.machine.Reset().Display()
	assert.Equal(t, models.ActionSetState, idle.Action)
	assert.Equal(t, "idle", idle.Get("state"))
}

func TestDeferredDisplayResumesAtIdle(t *testing.T) {
	h := newHarness(t)
	_, err := h.machine.Enter(StateRegistration, nil, 0)
	require.NoError(t, err)

	h.machine.Defer(StatePurchaseComplete, map[string]any{"points_awarded": int64(10)}, 0)
	h.machine.Defer(StateCustomerInfo, map[string]any{"barcode": "X"}, 0)
	require.NotNil(t, h.machine.Snapshot().Deferred)
	assert.Equal(t, StatePurchaseComplete, *h.machine.Snapshot().Deferred, "a scan never displaces a parked purchase")

	_, ok := h.machine.ResumeDeferred()
	assert.False(t, ok, "nothing resumes while registering")

	h.machine.Reset()
	tr, ok := h.machine.ResumeDeferred()
	require.True(t, ok)
	assert.Equal(t, StatePurchaseComplete, tr.To)
	assert.Equal(t, int64(10), tr.Context["points_awarded"])
	assert.Nil(t, h.machine.Snapshot().Deferred)
	assert.Equal(t, 1, h.clock.Pending())
}

func TestPendingCustomerClearedOnIdle(t *testing.T) {
	h := newHarness(t)
	_, err := h.machine.Enter(StateCustomerInfo, nil, 0)
	require.NoError(t, err)
	h.machine.SetPendingCustomer("LOY1")
	assert.Equal(t, "LOY1", h.machine.Snapshot().PendingBarcode)

	h.clock.Advance(DefaultTimeouts.CustomerInfo)
	assert.Equal(t, StateIdle, h.machine.State())
	assert.Empty(t, h.machine.PendingCustomer())
}

func TestSuccessorNeverReusesGenerations(t *testing.T) {
	h := newHarness(t)
	_, err := h.machine.Enter(StatePurchaseComplete, nil, 0)
	require.NoError(t, err)
	old := h.machine.Generation()

	next := h.machine.Successor("sess-2", func(uint64) {})
	assert.Equal(t, 0, h.clock.Pending(), "the replaced machine's timer is stopped")
	assert.Equal(t, "sess-2", next.ID())
	assert.Equal(t, StateIdle, next.State())

	_, err = next.Enter(StateRegistration, nil, 0)
	require.NoError(t, err)
	assert.Greater(t, next.Generation(), old)

	_, ok := next.Expire(old)
	assert.False(t, ok)
	assert.Equal(t, StateRegistration, next.State())
}
