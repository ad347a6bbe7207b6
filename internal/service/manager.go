package service

import (
	"context"
	"sync"
	"time"

	"github.com/punchamoorthee/tillbridge/internal/domain"
	"github.com/punchamoorthee/tillbridge/internal/models"
)

// Rebinder is told when the active session changes so connections can be
// re-attached to it.
type Rebinder interface {
	Rebind(sessionID string)
}

// Manager owns the single active till and creates it on first use.
type Manager struct {
	ctx     context.Context
	factory func() *Till
	rebind  Rebinder

	mu   sync.Mutex
	till *Till
}

// NewManager returns a manager whose tills run until ctx is done. rebind may
// be nil.
func NewManager(ctx context.Context, factory func() *Till, rebind Rebinder) *Manager {
	return &Manager{ctx: ctx, factory: factory, rebind: rebind}
}

// SetRebinder wires the connection registry after construction, since the
// registry itself needs the manager.
func (m *Manager) SetRebinder(r Rebinder) {
	m.mu.Lock()
	m.rebind = r
	m.mu.Unlock()
}

// Active returns the running till, starting one if none exists.
func (m *Manager) Active() *Till {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.till == nil {
		m.till = m.factory()
		go m.till.Run(m.ctx)
	}
	return m.till
}

// ResetSession replaces the active session with a fresh idle one.
func (m *Manager) ResetSession(ctx context.Context) (string, error) {
	id, err := m.Active().NewSession(ctx)
	if err != nil {
		return "", err
	}
	m.mu.Lock()
	r := m.rebind
	m.mu.Unlock()
	if r != nil {
		r.Rebind(id)
	}
	return id, nil
}

// Attach passes join the session id and the snapshot a new connection of
// role receives. join runs on the till's loop, so nothing the till sends
// afterwards can overtake the snapshot. It has no side effects on the session.
func (m *Manager) Attach(ctx context.Context, role models.Role, join func(sessionID string, snapshot []models.Message)) error {
	t := m.Active()
	return t.call(ctx, func() { join(t.machine.ID(), t.snapshotFor(role)) })
}

// Handle dispatches an inbound envelope to the active till.
func (m *Manager) Handle(ctx context.Context, role models.Role, env models.Envelope) ([]models.Message, error) {
	return m.Active().Handle(ctx, role, env)
}

func (m *Manager) Status(ctx context.Context) (Status, error) {
	return m.Active().Status(ctx)
}

func (m *Manager) SubmitReceipt(ctx context.Context, rec domain.ReceiptRecord) error {
	return m.Active().SubmitReceipt(ctx, rec)
}

func (m *Manager) SubmitReceiptData(ctx context.Context, data models.ReceiptData) (domain.ReceiptRecord, error) {
	return m.Active().SubmitReceiptData(ctx, data)
}

func (m *Manager) IngestBlob(ctx context.Context, blob string, arrivedAt time.Time) (domain.ReceiptRecord, error) {
	return m.Active().IngestBlob(ctx, blob, arrivedAt)
}

func (m *Manager) RecordManualPurchase(ctx context.Context, barcode string, data models.ReceiptData) (*domain.PurchaseResult, error) {
	return m.Active().RecordManualPurchase(ctx, barcode, data)
}

func (m *Manager) ResetToIdle(ctx context.Context) error {
	return m.Active().ResetToIdle(ctx)
}

func (m *Manager) Scan(ctx context.Context, barcode string) error {
	return m.Active().Scan(ctx, barcode)
}
