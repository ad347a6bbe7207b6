package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/punchamoorthee/tillbridge/internal/domain"
	"github.com/punchamoorthee/tillbridge/internal/models"
	"github.com/punchamoorthee/tillbridge/internal/receipt"
	"github.com/punchamoorthee/tillbridge/internal/session"
)

// handlerFunc runs on the till's run loop and returns replies for the sender.
type handlerFunc func(role models.Role, env models.Envelope) ([]models.Message, error)

type route struct {
	roles  []models.Role
	handle handlerFunc
}

func (r route) allows(role models.Role) bool {
	for _, allowed := range r.roles {
		if allowed == role {
			return true
		}
	}
	return false
}

func (t *Till) buildRoutes() map[models.Action]route {
	cashier := []models.Role{models.RoleCashier}
	tablet := []models.Role{models.RoleTablet}
	both := []models.Role{models.RoleTablet, models.RoleCashier}

	return map[models.Action]route{
		models.ActionCustomerScanned:    {cashier, t.onCustomerScanned},
		models.ActionStartRegistration:  {cashier, t.onStartRegistration},
		models.ActionResetTablet:        {cashier, t.onReset},
		models.ActionReceiptProcessed:   {cashier, t.onReceiptProcessed},
		models.ActionRetryPurchases:     {cashier, t.onRetryPurchases},
		models.ActionSubmitCustomerForm: {tablet, t.onSubmitCustomerForm},
		models.ActionResetToIdle:        {tablet, t.onReset},
		models.ActionCancel:             {tablet, t.onReset},
		models.ActionGetState:           {both, t.onGetState},
	}
}

// Handle dispatches one inbound envelope from a connection of role. Unknown
// actions yield ErrUnknownAction; known actions from the wrong role yield
// ErrActionNotAllowed.
func (t *Till) Handle(ctx context.Context, role models.Role, env models.Envelope) ([]models.Message, error) {
	r, ok := t.routes[env.Action]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownAction, env.Action)
	}
	if !r.allows(role) {
		return nil, fmt.Errorf("%w: %s cannot send %q", ErrActionNotAllowed, role, env.Action)
	}
	var (
		replies []models.Message
		err     error
	)
	if cerr := t.call(ctx, func() { replies, err = r.handle(role, env) }); cerr != nil {
		return nil, cerr
	}
	return replies, err
}

func (t *Till) onCustomerScanned(_ models.Role, env models.Envelope) ([]models.Message, error) {
	var p models.ScanPayload
	if err := env.Decode(&p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	barcode := strings.TrimSpace(p.Barcode)
	if barcode == "" {
		return nil, fmt.Errorf("%w: barcode is required", ErrBadPayload)
	}
	// Scan time is the server's clock; cashier stations are not synchronized.
	t.handleScan(domain.ScanEvent{Barcode: barcode, ObservedAt: t.clock.Now()})
	return nil, nil
}

func (t *Till) onStartRegistration(_ models.Role, env models.Envelope) ([]models.Message, error) {
	var p models.StartRegistrationPayload
	if err := env.Decode(&p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	return nil, t.startRegistration(time.Duration(p.Timeout) * time.Second)
}

func (t *Till) onReset(models.Role, models.Envelope) ([]models.Message, error) {
	t.enter(session.StateIdle, nil, 0)
	return nil, nil
}

func (t *Till) onReceiptProcessed(_ models.Role, env models.Envelope) ([]models.Message, error) {
	var p models.ReceiptPayload
	if err := env.Decode(&p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	rec, err := t.receiptFrom(p.ReceiptData)
	var perr *receipt.ParseError
	if errors.As(err, &perr) {
		return []models.Message{models.NewMessage(models.ActionReceiptRejected, map[string]any{"reason": perr.Reason})}, nil
	}
	if err != nil {
		return nil, err
	}
	t.handleReceipt(rec)
	return nil, nil
}

// receiptFrom turns client-submitted receipt data into a record, parsing the
// raw text when present.
func (t *Till) receiptFrom(data models.ReceiptData) (domain.ReceiptRecord, error) {
	now := t.clock.Now()
	switch {
	case strings.TrimSpace(data.RawText) != "":
		rec, err := t.parser.Parse(data.RawText, now)
		if err != nil {
			receiptsTotal.WithLabelValues("rejected").Inc()
			return rec, err
		}
		if data.ReceiptID != "" && rec.ReceiptID == "" {
			rec.ReceiptID = data.ReceiptID
		}
		receiptsTotal.WithLabelValues("parsed").Inc()
		return rec, nil
	case data.Amount != nil:
		// Refunds arrive negative; they are recorded and earn nothing.
		receiptsTotal.WithLabelValues("parsed").Inc()
		return domain.ReceiptRecord{
			Amount:     domain.FromDollars(*data.Amount),
			ReceiptID:  data.ReceiptID,
			ObservedAt: now,
		}, nil
	}
	return domain.ReceiptRecord{}, fmt.Errorf("%w: receipt_data needs raw_text or amount", ErrBadPayload)
}

func (t *Till) onRetryPurchases(models.Role, models.Envelope) ([]models.Message, error) {
	n := t.retryPending()
	status := t.statusMessage()
	status.Payload["retried"] = n
	return []models.Message{status}, nil
}

func (t *Till) onSubmitCustomerForm(_ models.Role, env models.Envelope) ([]models.Message, error) {
	var p models.CustomerFormPayload
	if err := env.Decode(&p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	return nil, t.submitForm(domain.CustomerForm{
		Name:  strings.TrimSpace(p.Data.Name),
		Email: strings.TrimSpace(p.Data.Email),
		Phone: strings.TrimSpace(p.Data.Phone),
	})
}

func (t *Till) onGetState(role models.Role, _ models.Envelope) ([]models.Message, error) {
	return t.snapshotFor(role), nil
}
