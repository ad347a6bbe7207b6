package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/punchamoorthee/tillbridge/internal/domain"
	"github.com/punchamoorthee/tillbridge/internal/models"
	"github.com/punchamoorthee/tillbridge/internal/points"
	"github.com/punchamoorthee/tillbridge/internal/session"
	"github.com/punchamoorthee/tillbridge/internal/testutil"
)

var errStoreDown = errors.New("connection refused")

type fakeStore struct {
	mu          sync.Mutex
	customers   map[string]*domain.Customer
	purchases   []domain.AwardedPurchase
	receiptIDs  map[string]bool
	byID        map[uuid.UUID]domain.Purchase
	scans       []domain.ScanEvent
	purchaseErr error
	createErr   error
	lostAcks    int
}

func newFakeStore() *fakeStore {
	return &fakeStore{customers: map[string]*domain.Customer{}, receiptIDs: map[string]bool{}, byID: map[uuid.UUID]domain.Purchase{}}
}

func (s *fakeStore) addCustomer(name, barcode string) *domain.Customer {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := &domain.Customer{ID: uuid.New(), Name: name, Barcode: barcode}
	s.customers[barcode] = c
	return c
}

func (s *fakeStore) setPurchaseErr(err error) {
	s.mu.Lock()
	s.purchaseErr = err
	s.mu.Unlock()
}

func (s *fakeStore) recorded() []domain.AwardedPurchase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.AwardedPurchase(nil), s.purchases...)
}

func (s *fakeStore) CreateCustomer(_ context.Context, form domain.CustomerForm) (*domain.Customer, error) {
	s.mu.Lock()
	err := s.createErr
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return s.addCustomer(form.Name, fmt.Sprintf("LOY%d", time.Now().UnixNano())), nil
}

func (s *fakeStore) GetCustomerByBarcode(_ context.Context, barcode string) (*domain.Customer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.customers[barcode]; ok {
		cp := *c
		return &cp, nil
	}
	return nil, domain.ErrCustomerNotFound
}

func (s *fakeStore) RecordScan(_ context.Context, scan domain.ScanEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scans = append(s.scans, scan)
	return nil
}

func (s *fakeStore) RecordPurchase(_ context.Context, ap domain.AwardedPurchase) (*domain.PurchaseResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.purchaseErr != nil {
		return nil, s.purchaseErr
	}
	if p, ok := s.byID[ap.ID]; ok {
		res := &domain.PurchaseResult{Purchase: p}
		if c, ok := s.customers[ap.Scan.Barcode]; ok {
			cp := *c
			res.Customer = &cp
		}
		return res, nil
	}
	if id := ap.Receipt.ReceiptID; id != "" {
		if s.receiptIDs[id] {
			return nil, domain.ErrDuplicateReceipt
		}
		s.receiptIDs[id] = true
	}
	s.purchases = append(s.purchases, ap)
	s.byID[ap.ID] = domain.Purchase{ID: ap.ID, Barcode: ap.Scan.Barcode, Amount: ap.Receipt.Amount, PointsAwarded: ap.Points}
	res := &domain.PurchaseResult{Purchase: s.byID[ap.ID]}
	if c, ok := s.customers[ap.Scan.Barcode]; ok {
		c.TotalPoints += ap.Points
		c.TotalSpent += ap.Receipt.Amount
		cp := *c
		res.Customer = &cp
	}
	if s.lostAcks > 0 {
		s.lostAcks--
		return nil, context.DeadlineExceeded
	}
	return res, nil
}

// loseAcks makes the next n purchase writes commit but report a timeout.
func (s *fakeStore) loseAcks(n int) {
	s.mu.Lock()
	s.lostAcks = n
	s.mu.Unlock()
}

type sent struct {
	role models.Role
	msg  models.Message
}

type fakeBroadcaster struct {
	mu   sync.Mutex
	sent []sent
}

func (b *fakeBroadcaster) Broadcast(role models.Role, msg models.Message) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sent = append(b.sent, sent{role, msg})
}

// last returns the latest message of action sent to role.
func (b *fakeBroadcaster) last(role models.Role, action models.Action) (models.Message, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := len(b.sent) - 1; i >= 0; i-- {
		if b.sent[i].role == role && b.sent[i].msg.Action == action {
			return b.sent[i].msg, true
		}
	}
	return models.Message{}, false
}

func (b *fakeBroadcaster) count(role models.Role, action models.Action) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, s := range b.sent {
		if s.role == role && s.msg.Action == action {
			n++
		}
	}
	return n
}

type fakePublisher struct {
	mu        sync.Mutex
	purchases []domain.AwardedPurchase
	unmatched []domain.Unmatched
}

func (p *fakePublisher) PublishPurchase(_ context.Context, ap domain.AwardedPurchase, _ *domain.Customer) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.purchases = append(p.purchases, ap)
	return nil
}

func (p *fakePublisher) PublishUnmatched(_ context.Context, u domain.Unmatched) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.unmatched = append(p.unmatched, u)
	return nil
}

func (p *fakePublisher) counts() (purchases, unmatched int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.purchases), len(p.unmatched)
}

type env struct {
	t     *testing.T
	ctx   context.Context
	clock *testutil.ManualClock
	store *fakeStore
	out   *fakeBroadcaster
	pub   *fakePublisher
	till  *Till
}

func newEnv(t *testing.T) *env {
	t.Helper()
	e := &env{
		t:     t,
		clock: testutil.NewManualClock(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)),
		store: newFakeStore(),
		out:   &fakeBroadcaster{},
		pub:   &fakePublisher{},
	}
	e.till = NewTill(Options{
		MatchWindow:   30 * time.Second,
		Timeouts:      session.DefaultTimeouts,
		RetryInterval: time.Hour,
		SweepInterval: 5 * time.Millisecond,
	}, e.clock, e.store, e.pub, e.out, points.NewCalculator(1, points.DefaultBonuses), zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	e.ctx = ctx
	stopped := make(chan struct{})
	go func() {
		e.till.Run(ctx)
		close(stopped)
	}()
	t.Cleanup(func() {
		cancel()
		<-stopped
		e.till.Wait()
	})
	return e
}

// await blocks until role has been sent at least n messages of action and
// returns the latest.
func (e *env) await(role models.Role, action models.Action, n int) models.Message {
	e.t.Helper()
	require.Eventually(e.t, func() bool { return e.out.count(role, action) >= n }, 2*time.Second, 5*time.Millisecond,
		"waiting for %d %s to %s", n, action, role)
	msg, _ := e.out.last(role, action)
	return msg
}

func (e *env) status() Status {
	e.t.Helper()
	st, err := e.till.Status(e.ctx)
	require.NoError(e.t, err)
	return st
}

func (e *env) envelope(raw string) models.Envelope {
	e.t.Helper()
	env, err := models.DecodeEnvelope([]byte(raw))
	require.NoError(e.t, err)
	return env
}
