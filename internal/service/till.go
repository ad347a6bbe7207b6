package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/punchamoorthee/tillbridge/internal/clock"
	"github.com/punchamoorthee/tillbridge/internal/correlator"
	"github.com/punchamoorthee/tillbridge/internal/domain"
	"github.com/punchamoorthee/tillbridge/internal/models"
	"github.com/punchamoorthee/tillbridge/internal/points"
	"github.com/punchamoorthee/tillbridge/internal/receipt"
	"github.com/punchamoorthee/tillbridge/internal/session"
)

var (
	ErrUnknownAction    = errors.New("unknown action")
	ErrActionNotAllowed = errors.New("action not allowed for role")
	ErrBadPayload       = errors.New("bad payload")
	ErrNotRegistering   = errors.New("no registration in progress")
	ErrRegistrationBusy = errors.New("registration already being saved")
	ErrStopped          = errors.New("till stopped")
)

// Store is the customer/purchase persistence the till writes through.
type Store interface {
	CreateCustomer(ctx context.Context, form domain.CustomerForm) (*domain.Customer, error)
	GetCustomerByBarcode(ctx context.Context, barcode string) (*domain.Customer, error)
	RecordScan(ctx context.Context, scan domain.ScanEvent) error
	RecordPurchase(ctx context.Context, p domain.AwardedPurchase) (*domain.PurchaseResult, error)
}

// Broadcaster fans messages out to every connection of a role.
type Broadcaster interface {
	Broadcast(role models.Role, msg models.Message)
}

// Publisher forwards purchase outcomes to downstream consumers.
type Publisher interface {
	PublishPurchase(ctx context.Context, p domain.AwardedPurchase, c *domain.Customer) error
	PublishUnmatched(ctx context.Context, u domain.Unmatched) error
}

// Options configure a Till.
type Options struct {
	TillID        string
	MatchWindow   time.Duration
	Timeouts      session.Timeouts
	StoreTimeout  time.Duration
	RetryInterval time.Duration
	SweepInterval time.Duration
	InboxSize     int
}

func (o *Options) withDefaults() {
	if o.TillID == "" {
		o.TillID = "till-1"
	}
	if o.MatchWindow <= 0 {
		o.MatchWindow = correlator.DefaultWindow
	}
	if o.Timeouts == (session.Timeouts{}) {
		o.Timeouts = session.DefaultTimeouts
	}
	if o.StoreTimeout <= 0 {
		o.StoreTimeout = 5 * time.Second
	}
	if o.RetryInterval <= 0 {
		o.RetryInterval = 15 * time.Second
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = time.Second
	}
	if o.InboxSize <= 0 {
		o.InboxSize = 256
	}
}

// Till is the single serialization boundary for one session. Every mutation
// of the state machine, the correlator buffers and the retry queue runs on the
// goroutine executing Run, in the order it was posted.
type Till struct {
	opts   Options
	clock  clock.Clock
	log    *zap.Logger
	store  Store
	pub    Publisher
	out    Broadcaster
	parser *receipt.Parser
	points *points.Calculator

	machine *session.Machine
	matcher *correlator.Correlator
	retry   []domain.AwardedPurchase
	saving  bool
	routes  map[models.Action]route

	inbox    chan func()
	done     chan struct{}
	stopOnce sync.Once
	bg       sync.WaitGroup
}

// NewTill builds a till; call Run to start processing.
func NewTill(opts Options, clk clock.Clock, store Store, pub Publisher, out Broadcaster, calc *points.Calculator, log *zap.Logger) *Till {
	opts.withDefaults()
	t := &Till{
		opts:    opts,
		clock:   clk,
		log:     log.Named("till").With(zap.String("till_id", opts.TillID)),
		store:   store,
		pub:     pub,
		out:     out,
		parser:  receipt.NewParser(),
		points:  calc,
		matcher: correlator.New(opts.MatchWindow),
		inbox:   make(chan func(), opts.InboxSize),
		done:    make(chan struct{}),
	}
	t.machine = t.newMachine()
	t.routes = t.buildRoutes()
	return t
}

// newMachine replaces the current machine, if any. Its timers only act while
// it is still the till's machine.
func (t *Till) newMachine() *session.Machine {
	var m *session.Machine
	onExpire := func(gen uint64) {
		t.post(func() {
			if t.machine == m {
				t.expire(gen)
			}
		})
	}
	if t.machine == nil {
		m = session.New(uuid.NewString(), t.clock, t.opts.Timeouts, onExpire)
	} else {
		m = t.machine.Successor(uuid.NewString(), onExpire)
	}
	return m
}

// Run processes posted work until ctx is cancelled.
func (t *Till) Run(ctx context.Context) {
	sweep := time.NewTicker(t.opts.SweepInterval)
	defer sweep.Stop()
	retry := time.NewTicker(t.opts.RetryInterval)
	defer retry.Stop()
	defer t.stop()

	t.log.Info("till started", zap.String("session_id", t.machine.ID()))
	for {
		select {
		case <-ctx.Done():
			t.log.Info("till stopping", zap.Int("pending_store_writes", len(t.retry)))
			return
		case fn := <-t.inbox:
			fn()
		case <-sweep.C:
			t.sweep()
		case <-retry.C:
			t.retryPending()
		}
	}
}

func (t *Till) stop() {
	t.stopOnce.Do(func() {
		close(t.done)
		t.machine.Hold()
	})
}

// Wait blocks until background store operations have finished.
func (t *Till) Wait() { t.bg.Wait() }

// post queues fn for the run loop. It returns false once the till stopped.
func (t *Till) post(fn func()) bool {
	select {
	case <-t.done:
		return false
	default:
	}
	select {
	case t.inbox <- fn:
		return true
	case <-t.done:
		return false
	}
}

// call runs fn on the run loop and waits for it.
func (t *Till) call(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	if !t.post(func() { fn(); close(finished) }) {
		return ErrStopped
	}
	select {
	case <-finished:
		return nil
	case <-t.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// async runs op off the loop with the store timeout, then posts apply.
func (t *Till) async(op func(ctx context.Context) func()) {
	t.bg.Add(1)
	go func() {
		defer t.bg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), t.opts.StoreTimeout)
		apply := op(ctx)
		cancel()
		if apply != nil {
			t.post(apply)
		}
	}()
}

// SessionID returns the current session id.
func (t *Till) SessionID(ctx context.Context) (string, error) {
	var id string
	err := t.call(ctx, func() { id = t.machine.ID() })
	return id, err
}

// Scan feeds a barcode scan into the correlator.
func (t *Till) Scan(ctx context.Context, barcode string) error {
	if barcode == "" {
		return fmt.Errorf("%w: empty barcode", ErrBadPayload)
	}
	return t.call(ctx, func() {
		t.handleScan(domain.ScanEvent{Barcode: barcode, ObservedAt: t.clock.Now()})
	})
}

// IngestBlob parses a raw receipt and feeds it to the correlator. Blobs with
// no amount are dropped with a *receipt.ParseError.
func (t *Till) IngestBlob(ctx context.Context, blob string, arrivedAt time.Time) (domain.ReceiptRecord, error) {
	rec, err := t.parser.Parse(blob, arrivedAt)
	if err != nil {
		receiptsTotal.WithLabelValues("rejected").Inc()
		t.log.Warn("receipt dropped", zap.Error(err), zap.Int("bytes", len(blob)))
		return rec, err
	}
	receiptsTotal.WithLabelValues("parsed").Inc()
	return rec, t.SubmitReceipt(ctx, rec)
}

// SubmitReceipt feeds an already structured receipt into the correlator.
func (t *Till) SubmitReceipt(ctx context.Context, rec domain.ReceiptRecord) error {
	return t.call(ctx, func() { t.handleReceipt(rec) })
}

// SubmitReceiptData parses or converts client-submitted receipt data and feeds
// it into the correlator. Unparseable text yields a *receipt.ParseError.
func (t *Till) SubmitReceiptData(ctx context.Context, data models.ReceiptData) (domain.ReceiptRecord, error) {
	var (
		rec domain.ReceiptRecord
		err error
	)
	if cerr := t.call(ctx, func() {
		if rec, err = t.receiptFrom(data); err == nil {
			t.handleReceipt(rec)
		}
	}); cerr != nil {
		return rec, cerr
	}
	return rec, err
}

// RecordManualPurchase awards and stores a purchase keyed in for barcode,
// bypassing the correlator and the tablet. The scan is logged as matched.
func (t *Till) RecordManualPurchase(ctx context.Context, barcode string, data models.ReceiptData) (*domain.PurchaseResult, error) {
	if barcode == "" {
		return nil, fmt.Errorf("%w: empty barcode", ErrBadPayload)
	}
	var (
		ap  domain.AwardedPurchase
		err error
	)
	if cerr := t.call(ctx, func() {
		var rec domain.ReceiptRecord
		if rec, err = t.receiptFrom(data); err != nil {
			return
		}
		now := t.clock.Now()
		ap = domain.AwardedPurchase{
			MatchedPurchase: domain.MatchedPurchase{Scan: domain.ScanEvent{Barcode: barcode, ObservedAt: now}, Receipt: rec, MatchedAt: now},
			ID:              uuid.New(),
			Points:          t.points.Award(rec.Amount),
		}
	}); cerr != nil {
		return nil, cerr
	}
	if err != nil {
		return nil, err
	}

	sctx, cancel := context.WithTimeout(ctx, t.opts.StoreTimeout)
	defer cancel()
	if err := t.store.RecordScan(sctx, ap.Scan); err != nil {
		storeFailures.WithLabelValues("record_scan").Inc()
		t.log.Warn("scan not recorded", zap.String("barcode", barcode), zap.Error(err))
	}
	res, err := t.store.RecordPurchase(sctx, ap)
	if err != nil {
		if errors.Is(err, domain.ErrDuplicateReceipt) {
			duplicateReceipts.Inc()
		} else {
			storeFailures.WithLabelValues("record_purchase").Inc()
		}
		return nil, err
	}
	pointsAwardedTotal.Add(float64(ap.Points))
	t.log.Info("manual purchase recorded", zap.String("barcode", barcode), zap.Stringer("amount", ap.Receipt.Amount), zap.Int64("points", ap.Points))
	t.post(func() { t.persisted(ap, 0, res, nil) })
	return res, nil
}

// StartRegistration shows the registration form.
func (t *Till) StartRegistration(ctx context.Context, timeout time.Duration) error {
	var err error
	if cerr := t.call(ctx, func() { err = t.startRegistration(timeout) }); cerr != nil {
		return cerr
	}
	return err
}

// SubmitCustomerForm saves a registration and confirms it on the tablet.
func (t *Till) SubmitCustomerForm(ctx context.Context, form domain.CustomerForm) error {
	var err error
	if cerr := t.call(ctx, func() { err = t.submitForm(form) }); cerr != nil {
		return cerr
	}
	return err
}

// ResetToIdle returns the tablet to idle immediately.
func (t *Till) ResetToIdle(ctx context.Context) error {
	return t.call(ctx, func() { t.enter(session.StateIdle, nil, 0) })
}

// RetryPending re-attempts queued purchase writes now.
func (t *Till) RetryPending(ctx context.Context) (int, error) {
	var n int
	err := t.call(ctx, func() { n = t.retryPending() })
	return n, err
}

// NewSession discards the current session and starts a fresh idle one.
// Queued purchase writes survive; correlator buffers do not.
func (t *Till) NewSession(ctx context.Context) (string, error) {
	var id string
	err := t.call(ctx, func() {
		t.machine = t.newMachine()
		t.matcher.Reset()
		id = t.machine.ID()
		t.log.Info("session reset", zap.String("session_id", id))
		t.out.Broadcast(models.RoleTablet, t.machine.Snapshot().Display())
		t.out.Broadcast(models.RoleCashier, t.statusMessage())
	})
	return id, err
}

// Snapshot returns the messages a freshly attached client of role receives.
// It never triggers a transition or arms a timer.
func (t *Till) Snapshot(ctx context.Context, role models.Role) ([]models.Message, error) {
	var msgs []models.Message
	err := t.call(ctx, func() { msgs = t.snapshotFor(role) })
	return msgs, err
}

func (t *Till) snapshotFor(role models.Role) []models.Message {
	if role == models.RoleTablet {
		return []models.Message{t.machine.Snapshot().Display()}
	}
	return []models.Message{t.statusMessage()}
}

// Status is the till's state for the admin endpoint.
type Status struct {
	Session            session.Snapshot `json:"session"`
	AutoResetSeconds   int              `json:"auto_reset"`
	PendingScans       int              `json:"pending_scans"`
	PendingReceipts    int              `json:"pending_receipts"`
	PendingStoreWrites int              `json:"pending_store_writes"`
	MatchWindowSeconds int              `json:"match_window_seconds"`
}

func (t *Till) Status(ctx context.Context) (Status, error) {
	var s Status
	err := t.call(ctx, func() { s = t.status() })
	return s, err
}

func (t *Till) status() Status {
	snap := t.machine.Snapshot()
	scans, receipts := t.matcher.Pending()
	return Status{
		Session:            snap,
		AutoResetSeconds:   ceilSeconds(snap.Remaining),
		PendingScans:       scans,
		PendingReceipts:    receipts,
		PendingStoreWrites: len(t.retry),
		MatchWindowSeconds: int(t.matcher.Window() / time.Second),
	}
}

func (t *Till) statusMessage() models.Message {
	s := t.status()
	payload := map[string]any{
		"session_id":           s.Session.SessionID,
		"tablet_state":         string(s.Session.State),
		"entered_at":           s.Session.EnteredAt,
		"auto_reset":           s.AutoResetSeconds,
		"pending_scans":        s.PendingScans,
		"pending_receipts":     s.PendingReceipts,
		"pending_store_writes": s.PendingStoreWrites,
	}
	if s.Session.PendingBarcode != "" {
		payload["pending_customer_barcode"] = s.Session.PendingBarcode
	}
	if s.Session.Deferred != nil {
		payload["deferred_display"] = string(*s.Session.Deferred)
	}
	return models.NewMessage(models.ActionSessionStatus, payload)
}

// ---- run-loop handlers; everything below executes on the Run goroutine ----

func (t *Till) handleScan(s domain.ScanEvent) {
	scansTotal.Inc()
	t.async(func(ctx context.Context) func() {
		if err := t.store.RecordScan(ctx, s); err != nil {
			storeFailures.WithLabelValues("record_scan").Inc()
			t.log.Warn("scan not recorded", zap.String("barcode", s.Barcode), zap.Error(err))
		}
		return nil
	})

	match, expired := t.matcher.AddScan(s)
	t.reportUnmatched(expired)
	if match != nil {
		t.award(*match)
		return
	}

	t.log.Info("customer scanned, awaiting receipt", zap.String("barcode", s.Barcode))
	t.async(func(ctx context.Context) func() {
		c, err := t.store.GetCustomerByBarcode(ctx, s.Barcode)
		if err != nil && !errors.Is(err, domain.ErrCustomerNotFound) {
			storeFailures.WithLabelValues("lookup_customer").Inc()
			t.log.Warn("customer lookup failed", zap.String("barcode", s.Barcode), zap.Error(err))
		}
		return func() { t.showPendingCustomer(s, c) }
	})
}

// showPendingCustomer displays a scanned customer if the scan is still
// waiting for its receipt.
func (t *Till) showPendingCustomer(s domain.ScanEvent, c *domain.Customer) {
	stillPending := false
	for _, p := range t.matcher.PendingScans() {
		if p.Barcode == s.Barcode && p.ObservedAt.Equal(s.ObservedAt) {
			stillPending = true
			break
		}
	}
	if !stillPending {
		return
	}
	ctx := map[string]any{
		"barcode": s.Barcode,
		"message": "Customer scanned - processing...",
	}
	if c != nil {
		ctx["customer"] = c
		ctx["message"] = fmt.Sprintf("Welcome back, %s!", c.Name)
	}
	if t.show(session.StateCustomerInfo, ctx, 0) {
		t.machine.SetPendingCustomer(s.Barcode)
	}
}

func (t *Till) handleReceipt(rec domain.ReceiptRecord) {
	match, expired := t.matcher.AddReceipt(rec)
	t.reportUnmatched(expired)
	if match != nil {
		t.award(*match)
		return
	}
	t.log.Info("receipt awaiting customer scan", zap.String("receipt_id", rec.ReceiptID), zap.Stringer("amount", rec.Amount))
}

func (t *Till) sweep() {
	t.reportUnmatched(t.matcher.Sweep(t.clock.Now()))
}

func (t *Till) reportUnmatched(expired []domain.Unmatched) {
	for _, u := range expired {
		unmatchedTotal.WithLabelValues(string(u.Kind)).Inc()
		payload := map[string]any{"kind": string(u.Kind), "expired_at": u.ExpiredAt}
		switch u.Kind {
		case domain.UnmatchedScan:
			payload["barcode"] = u.Scan.Barcode
			payload["scanned_at"] = u.Scan.ObservedAt
			t.log.Info("scan expired unmatched", zap.String("barcode", u.Scan.Barcode))
		case domain.UnmatchedReceipt:
			payload["receipt_data"] = receiptData(*u.Receipt)
			t.log.Info("receipt expired unmatched", zap.String("receipt_id", u.Receipt.ReceiptID), zap.Stringer("amount", u.Receipt.Amount))
		}
		t.out.Broadcast(models.RoleCashier, models.NewMessage(models.ActionUnmatchedEvent, payload))
		t.async(func(ctx context.Context) func() {
			if err := t.pub.PublishUnmatched(ctx, u); err != nil {
				t.log.Warn("publish unmatched failed", zap.Error(err))
			}
			return nil
		})
	}
}

func (t *Till) award(m domain.MatchedPurchase) {
	ap := domain.AwardedPurchase{MatchedPurchase: m, ID: uuid.New(), Points: t.points.Award(m.Receipt.Amount)}
	matchesTotal.Inc()
	pointsAwardedTotal.Add(float64(ap.Points))
	t.log.Info("purchase matched",
		zap.String("barcode", m.Scan.Barcode),
		zap.String("receipt_id", m.Receipt.ReceiptID),
		zap.Stringer("amount", m.Receipt.Amount),
		zap.Int64("points", ap.Points),
	)

	ctx := map[string]any{
		"receipt_data":   receiptData(m.Receipt),
		"points_awarded": ap.Points,
		"barcode":        m.Scan.Barcode,
	}
	var gen uint64
	if t.show(session.StatePurchaseComplete, ctx, 0) {
		gen = t.machine.Generation()
	}
	t.persist(ap, gen)
}

// persist writes an awarded purchase. gen is the generation of the
// purchase_complete display it produced, zero if it produced none.
func (t *Till) persist(ap domain.AwardedPurchase, gen uint64) {
	t.async(func(ctx context.Context) func() {
		res, err := t.store.RecordPurchase(ctx, ap)
		return func() { t.persisted(ap, gen, res, err) }
	})
}

func (t *Till) persisted(ap domain.AwardedPurchase, gen uint64, res *domain.PurchaseResult, err error) {
	data := purchaseData(ap, t.clock.Now())
	switch {
	case err == nil:
		if res != nil && res.Customer != nil {
			data["customer"] = res.Customer
		}
		t.out.Broadcast(models.RoleCashier, models.NewMessage(models.ActionProcessPurchase, map[string]any{"purchase_data": data}))
		var c *domain.Customer
		if res != nil {
			c = res.Customer
		}
		t.async(func(ctx context.Context) func() {
			if err := t.pub.PublishPurchase(ctx, ap, c); err != nil {
				t.log.Warn("publish purchase failed", zap.Error(err))
			}
			return nil
		})
	case errors.Is(err, domain.ErrDuplicateReceipt):
		duplicateReceipts.Inc()
		t.log.Warn("duplicate receipt rejected", zap.String("receipt_id", ap.Receipt.ReceiptID))
		t.out.Broadcast(models.RoleCashier, models.NewMessage(models.ActionDuplicateReceipt, map[string]any{"purchase_data": data}))
		if gen != 0 && gen == t.machine.Generation() && t.machine.State() == session.StatePurchaseComplete {
			t.enter(session.StateError, map[string]any{"message": "This receipt has already been used."}, 0)
		}
	default:
		storeFailures.WithLabelValues("record_purchase").Inc()
		t.retry = append(t.retry, ap)
		t.log.Error("purchase write failed, queued for retry", zap.String("barcode", ap.Scan.Barcode), zap.Error(err))
		t.out.Broadcast(models.RoleCashier, models.NewMessage(models.ActionPurchaseFailed, map[string]any{
			"purchase_data": data,
			"error":         "store unavailable",
			"queued":        true,
			"pending":       len(t.retry),
		}))
	}
}

func (t *Till) retryPending() int {
	if len(t.retry) == 0 {
		return 0
	}
	queued := t.retry
	t.retry = nil
	for _, ap := range queued {
		t.persist(ap, 0)
	}
	t.log.Info("retrying purchase writes", zap.Int("count", len(queued)))
	return len(queued)
}

func (t *Till) startRegistration(timeout time.Duration) error {
	if t.saving {
		return ErrRegistrationBusy
	}
	ctx := map[string]any{
		"fields": []string{"name", "email", "phone"},
		"title":  "New Customer Registration",
	}
	if !t.enter(session.StateRegistration, ctx, timeout) {
		return fmt.Errorf("%w: cannot start registration from %s", session.ErrInvalidTransition, t.machine.State())
	}
	t.out.Broadcast(models.RoleCashier, models.NewMessage(models.ActionRegistrationStarted, map[string]any{
		"tablet_state": string(session.StateRegistration),
	}))
	return nil
}

func (t *Till) submitForm(form domain.CustomerForm) error {
	if t.machine.State() != session.StateRegistration {
		return ErrNotRegistering
	}
	if t.saving {
		return ErrRegistrationBusy
	}
	if form.Name == "" {
		t.enter(session.StateError, map[string]any{"message": "Please enter your name."}, 0)
		return nil
	}
	// The form timeout must not fire while the customer is being saved.
	t.machine.Hold()
	gen := t.machine.Generation()
	t.saving = true
	t.async(func(ctx context.Context) func() {
		c, err := t.store.CreateCustomer(ctx, form)
		return func() { t.registered(gen, form, c, err) }
	})
	return nil
}

func (t *Till) registered(gen uint64, form domain.CustomerForm, c *domain.Customer, err error) {
	t.saving = false
	current := gen == t.machine.Generation() && t.machine.State() == session.StateRegistration
	if err != nil {
		storeFailures.WithLabelValues("create_customer").Inc()
		t.log.Error("registration failed", zap.String("name", form.Name), zap.Error(err))
		t.out.Broadcast(models.RoleCashier, models.NewMessage(models.ActionProcessCustomerRegistration, map[string]any{
			"customer_data": form,
			"error":         err.Error(),
			"timestamp":     t.clock.Now(),
		}))
		if current {
			msg := "Registration failed. Please try again."
			if errors.Is(err, domain.ErrDuplicateCustomer) {
				msg = "That email is already registered."
			}
			t.enter(session.StateError, map[string]any{"message": msg}, 0)
		}
		return
	}

	t.log.Info("customer registered", zap.String("customer_id", c.ID.String()), zap.String("barcode", c.Barcode))
	t.out.Broadcast(models.RoleCashier, models.NewMessage(models.ActionProcessCustomerRegistration, map[string]any{
		"customer_data": form,
		"customer":      c,
		"timestamp":     t.clock.Now(),
	}))
	if current {
		t.enter(session.StateConfirmation, map[string]any{
			"message":  fmt.Sprintf("Welcome, %s!", c.Name),
			"type":     "success",
			"customer": c,
		}, 0)
	}
}

func (t *Till) expire(gen uint64) {
	tr, ok := t.machine.Expire(gen)
	if !ok {
		return
	}
	t.log.Debug("auto reset", zap.String("from", string(tr.From)))
	t.published(tr)
}

// show enters a display state unless the customer is mid-registration, in
// which case the display is parked until the tablet returns to idle. It
// reports whether the state was entered now.
func (t *Till) show(to session.State, ctx map[string]any, override time.Duration) bool {
	if t.machine.State().Interactive() {
		t.machine.Defer(to, ctx, override)
		t.log.Info("display deferred", zap.String("state", string(to)), zap.String("current", string(t.machine.State())))
		t.out.Broadcast(models.RoleCashier, t.statusMessage())
		return false
	}
	return t.enter(to, ctx, override)
}

func (t *Till) enter(to session.State, ctx map[string]any, override time.Duration) bool {
	tr, err := t.machine.Enter(to, ctx, override)
	if err != nil {
		t.log.Warn("transition rejected", zap.Error(err))
		return false
	}
	t.published(tr)
	return true
}

func (t *Till) published(tr session.Transition) {
	transitionsTotal.WithLabelValues(string(tr.To)).Inc()
	t.out.Broadcast(models.RoleTablet, tr.Display())
	if tr.To == session.StateIdle {
		t.out.Broadcast(models.RoleCashier, models.NewMessage(models.ActionTabletReset, map[string]any{
			"tablet_state": string(session.StateIdle),
		}))
		if next, ok := t.machine.ResumeDeferred(); ok {
			t.published(next)
			return
		}
	}
	t.out.Broadcast(models.RoleCashier, t.statusMessage())
}

func receiptData(r domain.ReceiptRecord) map[string]any {
	d := map[string]any{
		"amount":      r.Amount,
		"receipt_id":  nil,
		"items_count": r.ItemCount,
		"observed_at": r.ObservedAt,
	}
	if r.ReceiptID != "" {
		d["receipt_id"] = r.ReceiptID
	}
	return d
}

func purchaseData(ap domain.AwardedPurchase, now time.Time) map[string]any {
	return map[string]any{
		"purchase_id":    ap.ID,
		"barcode":        ap.Scan.Barcode,
		"receipt_data":   receiptData(ap.Receipt),
		"points_awarded": ap.Points,
		"scanned_at":     ap.Scan.ObservedAt,
		"matched_at":     ap.MatchedAt,
		"processed_at":   now,
	}
}

func ceilSeconds(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int((d + time.Second - 1) / time.Second)
}
