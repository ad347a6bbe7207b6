package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/punchamoorthee/tillbridge/internal/clock"
	"github.com/punchamoorthee/tillbridge/internal/domain"
	"github.com/punchamoorthee/tillbridge/internal/events"
	"github.com/punchamoorthee/tillbridge/internal/hub"
	"github.com/punchamoorthee/tillbridge/internal/points"
	"github.com/punchamoorthee/tillbridge/internal/receipt"
	"github.com/punchamoorthee/tillbridge/internal/service"
)

// memStore backs both the REST endpoints and the till.
type memStore struct {
	mu        sync.Mutex
	pingErr   error
	customers map[uuid.UUID]*domain.Customer
	purchases []domain.AwardedPurchase
	rows      []domain.Purchase
}

func newMemStore() *memStore {
	return &memStore{customers: map[uuid.UUID]*domain.Customer{}}
}

func (s *memStore) Ping(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pingErr
}

func (s *memStore) setPingErr(err error) {
	s.mu.Lock()
	s.pingErr = err
	s.mu.Unlock()
}

func (s *memStore) CreateCustomer(_ context.Context, form domain.CustomerForm) (*domain.Customer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.customers {
		if c.Email != nil && form.Email != "" && *c.Email == form.Email {
			return nil, domain.ErrDuplicateCustomer
		}
	}
	c := &domain.Customer{ID: uuid.New(), Name: form.Name, Barcode: "LOY" + uuid.NewString()[:8], JoinedAt: time.Now().UTC()}
	if form.Email != "" {
		email := form.Email
		c.Email = &email
	}
	s.customers[c.ID] = c
	cp := *c
	return &cp, nil
}

func (s *memStore) UpdateCustomer(_ context.Context, id uuid.UUID, form domain.CustomerForm) (*domain.Customer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.customers[id]
	if !ok {
		return nil, domain.ErrCustomerNotFound
	}
	if form.Name != "" {
		c.Name = form.Name
	}
	cp := *c
	return &cp, nil
}

func (s *memStore) GetCustomer(_ context.Context, id uuid.UUID) (*domain.Customer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.customers[id]; ok {
		cp := *c
		return &cp, nil
	}
	return nil, domain.ErrCustomerNotFound
}

func (s *memStore) GetCustomerByBarcode(_ context.Context, barcode string) (*domain.Customer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.customers {
		if c.Barcode == barcode {
			cp := *c
			return &cp, nil
		}
	}
	return nil, domain.ErrCustomerNotFound
}

func (s *memStore) ListCustomers(_ context.Context, skip, limit int, search string) ([]domain.Customer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []domain.Customer{}
	for _, c := range s.customers {
		if search == "" || strings.Contains(strings.ToLower(c.Name), strings.ToLower(search)) {
			out = append(out, *c)
		}
	}
	if skip >= len(out) {
		return []domain.Customer{}, nil
	}
	out = out[skip:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memStore) Stats(context.Context) (*domain.Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := &domain.Stats{TotalCustomers: int64(len(s.customers)), TotalPurchases: int64(len(s.purchases))}
	for _, p := range s.purchases {
		st.TotalRevenue += p.Receipt.Amount
		st.TotalPointsAwarded += p.Points
	}
	return st, nil
}

func (s *memStore) RecentActivity(context.Context, int) (*domain.Activity, error) {
	return nil, errors.New("relation \"purchases\" does not exist")
}

func (s *memStore) RecordScan(context.Context, domain.ScanEvent) error { return nil }

func (s *memStore) RecordPurchase(_ context.Context, ap domain.AwardedPurchase) (*domain.PurchaseResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.rows {
		if ap.Receipt.ReceiptID != "" && p.ReceiptID != nil && *p.ReceiptID == ap.Receipt.ReceiptID {
			return nil, domain.ErrDuplicateReceipt
		}
	}
	p := domain.Purchase{ID: ap.ID, Barcode: ap.Scan.Barcode, Amount: ap.Receipt.Amount, PointsAwarded: ap.Points, PurchasedAt: ap.MatchedAt}
	if ap.Receipt.ReceiptID != "" {
		rid := ap.Receipt.ReceiptID
		p.ReceiptID = &rid
	}
	res := &domain.PurchaseResult{}
	for _, c := range s.customers {
		if c.Barcode == ap.Scan.Barcode {
			id := c.ID
			p.CustomerID = &id
			c.TotalPoints += ap.Points
			c.TotalSpent += ap.Receipt.Amount
			cp := *c
			res.Customer = &cp
		}
	}
	s.purchases = append(s.purchases, ap)
	s.rows = append(s.rows, p)
	res.Purchase = p
	return res, nil
}

func (s *memStore) DeleteCustomer(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.customers[id]; !ok {
		return domain.ErrCustomerNotFound
	}
	delete(s.customers, id)
	for i := range s.rows {
		if s.rows[i].CustomerID != nil && *s.rows[i].CustomerID == id {
			s.rows[i].CustomerID = nil
		}
	}
	return nil
}

func (s *memStore) GetPurchase(_ context.Context, id uuid.UUID) (*domain.Purchase, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.rows {
		if p.ID == id {
			return &p, nil
		}
	}
	return nil, domain.ErrPurchaseNotFound
}

func (s *memStore) ListPurchases(_ context.Context, f domain.PurchaseFilter) ([]domain.Purchase, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []domain.Purchase{}
	for i := len(s.rows) - 1; i >= 0; i-- {
		p := s.rows[i]
		if f.CustomerID != nil && (p.CustomerID == nil || *p.CustomerID != *f.CustomerID) {
			continue
		}
		if !f.From.IsZero() && p.PurchasedAt.Before(f.From) {
			continue
		}
		if !f.To.IsZero() && p.PurchasedAt.After(f.To) {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

func (s *memStore) CustomerPurchaseStats(_ context.Context, id uuid.UUID) (*domain.CustomerPurchaseStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.customers[id]; !ok {
		return nil, domain.ErrCustomerNotFound
	}
	st := &domain.CustomerPurchaseStats{CustomerID: id}
	for _, p := range s.rows {
		if p.CustomerID != nil && *p.CustomerID == id {
			st.TotalPurchases++
			st.TotalSpent += p.Amount
			st.TotalPoints += p.PointsAwarded
		}
	}
	return st, nil
}

func (s *memStore) Export(_ context.Context, customers, purchases bool) (*domain.Export, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := &domain.Export{ExportedAt: time.Now().UTC(), Format: "json"}
	if customers {
		for _, c := range s.customers {
			out.Customers = append(out.Customers, *c)
		}
	}
	if purchases {
		out.Purchases = append(out.Purchases, s.rows...)
	}
	return out, nil
}

type monitorStub struct{}

func (monitorStub) Status() receipt.Status {
	return receipt.Status{Monitoring: true, Path: "/spool", ProcessedFiles: 3}
}

type server struct {
	*httptest.Server
	store *memStore
	conns *hub.Hub
}

func newServer(t *testing.T) *server {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	store := newMemStore()
	log := zap.NewNop()
	clk := clock.Real()

	var conns *hub.Hub
	manager := service.NewManager(ctx, func() *service.Till {
		return service.NewTill(service.Options{}, clk, store, events.Nop{}, conns, points.NewCalculator(1, points.DefaultBonuses), log)
	}, nil)
	conns = hub.New(manager, clk, 0, log)
	manager.SetRebinder(conns)

	router := NewRouter(NewHandler(store, manager, conns, monitorStub{}, log), NewWSHandler(conns, log))
	srv := httptest.NewServer(router)
	t.Cleanup(func() {
		srv.Close()
		cancel()
	})
	return &server{Server: srv, store: store, conns: conns}
}

func (s *server) do(t *testing.T, method, path string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case string:
		buf.WriteString(b)
	default:
		require.NoError(t, json.NewEncoder(&buf).Encode(b))
	}
	req, err := http.NewRequest(method, s.URL+path, &buf)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func (s *server) dial(t *testing.T, role string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(s.URL, "http")+"/ws/"+role, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

// readUntil reads frames until one with action arrives.
func readUntil(t *testing.T, conn *websocket.Conn, action string) map[string]any {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		require.NoError(t, conn.SetReadDeadline(deadline))
		var m map[string]any
		require.NoError(t, conn.ReadJSON(&m), "waiting for %s", action)
		if m["action"] == action {
			return m
		}
	}
}

func TestHealthCheck(t *testing.T) {
	s := newServer(t)
	resp, body := s.do(t, "GET", "/health", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])

	s.store.setPingErr(errors.New("dial tcp: connection refused"))
	resp, body = s.do(t, "GET", "/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "unreachable", body["database"])
}

func TestParseReceiptEndpoint(t *testing.T) {
	s := newServer(t)
	resp, body := s.do(t, "POST", "/api/v1/receipts/parse", map[string]string{"raw_text": "Receipt #: R-77\nTOTAL: $45.99"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 45.99, body["amount"])
	assert.Equal(t, "R-77", body["receipt_id"])

	resp, body = s.do(t, "POST", "/api/v1/receipts/parse", map[string]string{"raw_text": "thanks for shopping"})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Equal(t, "no amount found", body["error"])

	resp, _ = s.do(t, "POST", "/api/v1/receipts/parse", "{not json")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// Parsing never feeds the correlator.
	_, status := s.do(t, "GET", "/api/v1/status", nil)
	sess := status["session"].(map[string]any)
	assert.Equal(t, float64(0), sess["pending_receipts"])
}

func TestScanAndReceiptOverREST(t *testing.T) {
	s := newServer(t)
	tablet := s.dial(t, "tablet")
	cashier := s.dial(t, "cashier")
	readUntil(t, tablet, "set_state")
	readUntil(t, cashier, "session_status")

	resp, _ := s.do(t, "POST", "/api/v1/scans", map[string]string{"barcode": "LOY1"})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp, body := s.do(t, "POST", "/api/v1/receipts", map[string]any{"amount": 120.0, "receipt_id": "R1"})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, 120.0, body["amount"])

	done := readUntil(t, tablet, "show_purchase_complete")
	assert.Equal(t, float64(130), done["points_awarded"])
	assert.Equal(t, float64(8), done["auto_reset"])
	readUntil(t, cashier, "process_purchase")

	resp, body = s.do(t, "GET", "/api/v1/admin/stats", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(1), body["total_purchases"])
	assert.Equal(t, 120.0, body["total_revenue"])

	resp, _ = s.do(t, "POST", "/api/v1/tablet/reset", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	readUntil(t, tablet, "set_state")
	readUntil(t, cashier, "tablet_reset")
}

func TestReceiptEndpointRejections(t *testing.T) {
	s := newServer(t)
	resp, body := s.do(t, "POST", "/api/v1/receipts", map[string]string{"raw_text": "VOID"})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Equal(t, "no amount found", body["error"])

	resp, _ = s.do(t, "POST", "/api/v1/receipts", map[string]string{})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	resp, body = s.do(t, "POST", "/api/v1/scans", map[string]string{"barcode": "  "})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Equal(t, "Barcode required", body["error"])
}

func TestWebsocketFlow(t *testing.T) {
	s := newServer(t)
	tablet := s.dial(t, "tablet")
	cashier := s.dial(t, "electron")
	readUntil(t, tablet, "set_state")
	readUntil(t, cashier, "session_status")

	require.Eventually(t, func() bool {
		st := s.conns.Status()
		return st.TabletConnected && st.CashierConnected
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, cashier.WriteJSON(map[string]any{"action": "start_registration"}))
	form := readUntil(t, tablet, "show_registration_form")
	assert.Equal(t, float64(120), form["timeout"])

	require.NoError(t, tablet.WriteJSON(map[string]any{
		"action": "submit_customer_form",
		"data":   map[string]string{"name": "Ava", "email": "ava@example.com"},
	}))
	conf := readUntil(t, tablet, "show_confirmation")
	assert.Equal(t, "Welcome, Ava!", conf["message"])
	reg := readUntil(t, cashier, "process_customer_registration")
	assert.NotNil(t, reg["customer"])

	// Wrong role for the action: the sender gets an error, the session is untouched.
	require.NoError(t, tablet.WriteJSON(map[string]any{"action": "customer_scanned", "barcode": "X"}))
	e := readUntil(t, tablet, "error")
	assert.Equal(t, "customer_scanned", e["request_action"])

	// A reconnecting tablet sees the current display without a transition.
	again := s.dial(t, "tablet")
	snap := readUntil(t, again, "show_confirmation")
	assert.Equal(t, "Welcome, Ava!", snap["message"])
}

func TestWebsocketUnknownRole(t *testing.T) {
	s := newServer(t)
	_, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(s.URL, "http")+"/ws/kiosk", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSessionReset(t *testing.T) {
	s := newServer(t)
	_, before := s.do(t, "GET", "/api/v1/status", nil)
	resp, body := s.do(t, "POST", "/api/v1/session/reset", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	oldID := before["session"].(map[string]any)["session"].(map[string]any)["session_id"]
	assert.NotEqual(t, oldID, body["session_id"])
}

func TestStatusEndpoint(t *testing.T) {
	s := newServer(t)
	resp, body := s.do(t, "GET", "/api/v1/status", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	sess := body["session"].(map[string]any)
	assert.Equal(t, "idle", sess["session"].(map[string]any)["state"])
	assert.Equal(t, float64(30), sess["match_window_seconds"])
	mon := body["receipt_monitor"].(map[string]any)
	assert.Equal(t, true, mon["is_monitoring"])
	assert.Equal(t, float64(3), mon["processed_files_count"])
	assert.Equal(t, false, body["connections"].(map[string]any)["tablet_connected"])
}

func TestCustomerEndpoints(t *testing.T) {
	s := newServer(t)

	resp, created := s.do(t, "POST", "/api/v1/customers", map[string]string{"name": "Ava", "email": "ava@example.com"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	id := created["id"].(string)
	assert.Equal(t, "/api/v1/customers/"+id, resp.Header.Get("Location"))

	resp, _ = s.do(t, "POST", "/api/v1/customers", map[string]string{"name": "Ava 2", "email": "ava@example.com"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, _ = s.do(t, "POST", "/api/v1/customers", map[string]string{"name": " "})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	resp, got := s.do(t, "GET", "/api/v1/customers/"+id, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Ava", got["name"])

	resp, got = s.do(t, "GET", "/api/v1/customers/barcode/"+created["barcode"].(string), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, id, got["id"])

	resp, got = s.do(t, "PUT", "/api/v1/customers/"+id, map[string]string{"name": "Ava Silva"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Ava Silva", got["name"])

	resp, _ = s.do(t, "GET", "/api/v1/customers/"+uuid.NewString(), nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = s.do(t, "GET", "/api/v1/customers/not-a-uuid", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = s.do(t, "GET", "/api/v1/admin/recent-activity", nil)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
}

func TestListCustomers(t *testing.T) {
	s := newServer(t)
	for _, name := range []string{"Ava", "Ben", "Avery"} {
		_, err := s.store.CreateCustomer(context.Background(), domain.CustomerForm{Name: name})
		require.NoError(t, err)
	}

	req, err := http.NewRequest("GET", s.URL+"/api/v1/customers?search=av&limit=5", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var list []domain.Customer
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&list))
	assert.Len(t, list, 2)
}

// list decodes a JSON array response.
func (s *server) list(t *testing.T, path string) (int, []map[string]any) {
	t.Helper()
	resp, err := http.Get(s.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	var out []map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp.StatusCode, out
}

func TestPurchaseEndpoints(t *testing.T) {
	s := newServer(t)
	cashier := s.dial(t, "cashier")
	readUntil(t, cashier, "session_status")
	c, err := s.store.CreateCustomer(context.Background(), domain.CustomerForm{Name: "Ava"})
	require.NoError(t, err)

	resp, body := s.do(t, "POST", "/api/v1/purchases", map[string]any{"customer_id": c.ID, "amount": 45.99, "receipt_id": "M1"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, float64(45), body["points_awarded"])
	purchaseID := body["purchase"].(map[string]any)["id"].(string)
	readUntil(t, cashier, "process_purchase")

	resp, _ = s.do(t, "POST", "/api/v1/purchases", map[string]any{"customer_id": c.ID, "amount": 45.99, "receipt_id": "M1"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	resp, _ = s.do(t, "POST", "/api/v1/purchases", map[string]any{"customer_id": uuid.New(), "amount": 1.0})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, body = s.do(t, "POST", "/api/v1/purchases/process-barcode-purchase", map[string]any{
		"barcode":      c.Barcode,
		"receipt_data": map[string]any{"raw_text": "TOTAL: $-5.00"},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode, "refunds are recorded")
	assert.Equal(t, float64(0), body["points_awarded"])
	resp, _ = s.do(t, "POST", "/api/v1/purchases/process-barcode-purchase", map[string]any{
		"barcode":      "UNKNOWN",
		"receipt_data": map[string]any{"amount": 3.0},
	})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, got := s.do(t, "GET", "/api/v1/purchases/"+purchaseID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 45.99, got["amount"])
	resp, _ = s.do(t, "GET", "/api/v1/purchases/"+uuid.NewString(), nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	code, all := s.list(t, "/api/v1/purchases?customer_id="+c.ID.String())
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, all, 2)
	code, _ = s.list(t, "/api/v1/purchases?start_date=yesterday")
	assert.Equal(t, http.StatusBadRequest, code)

	code, mine := s.list(t, "/api/v1/customers/"+c.ID.String()+"/purchases")
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, mine, 2)
	code, _ = s.list(t, "/api/v1/customers/"+uuid.NewString()+"/purchases")
	assert.Equal(t, http.StatusNotFound, code)

	resp, st := s.do(t, "GET", "/api/v1/customers/"+c.ID.String()+"/stats", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(2), st["total_purchases"])
	assert.Equal(t, 40.99, st["total_spent"])
	assert.Equal(t, float64(45), st["total_points"])

	resp, exp := s.do(t, "GET", "/api/v1/admin/export-data?include_customers=false", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Nil(t, exp["customers"])
	assert.Len(t, exp["purchases"], 2)
	resp, _ = s.do(t, "GET", "/api/v1/admin/export-data?format=csv", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = s.do(t, "DELETE", "/api/v1/customers/"+c.ID.String(), nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp, _ = s.do(t, "DELETE", "/api/v1/customers/"+c.ID.String(), nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp, got = s.do(t, "GET", "/api/v1/purchases/"+purchaseID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, "purchases outlive their customer")
	assert.Nil(t, got["customer_id"])
}

func TestBroadcastMessage(t *testing.T) {
	s := newServer(t)
	tablet := s.dial(t, "tablet")
	cashier := s.dial(t, "cashier")
	readUntil(t, tablet, "set_state")
	readUntil(t, cashier, "session_status")
	require.Eventually(t, func() bool {
		st := s.conns.Status()
		return st.TabletConnected && st.CashierConnected
	}, 2*time.Second, 10*time.Millisecond)

	resp, body := s.do(t, "POST", "/api/v1/admin/broadcast-message", map[string]any{"message": "Closing in 10 minutes", "roles": []string{"electron"}})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []any{"cashier"}, body["recipients"])
	got := readUntil(t, cashier, "system_message")
	assert.Equal(t, "Closing in 10 minutes", got["message"])

	resp, _ = s.do(t, "POST", "/api/v1/admin/broadcast-message", map[string]any{"message": "hi"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	readUntil(t, tablet, "system_message")

	resp, _ = s.do(t, "POST", "/api/v1/admin/broadcast-message", map[string]any{"message": "hi", "roles": []string{"kiosk"}})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	resp, _ = s.do(t, "POST", "/api/v1/admin/broadcast-message", map[string]any{"message": " "})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
}

func TestQueryTime(t *testing.T) {
	got, err := queryTime("2024-03-01")
	require.NoError(t, err)
	assert.True(t, got.Equal(time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)))
	got, err = queryTime("2024-03-01T12:30:00Z")
	require.NoError(t, err)
	assert.Equal(t, 12, got.Hour())
	got, err = queryTime("")
	require.NoError(t, err)
	assert.True(t, got.IsZero())
	_, err = queryTime("yesterday")
	assert.Error(t, err)
}

func TestQueryInt(t *testing.T) {
	assert.Equal(t, 10, queryInt("", 10, 1, 100))
	assert.Equal(t, 10, queryInt("ten", 10, 1, 100))
	assert.Equal(t, 1, queryInt("0", 10, 1, 100))
	assert.Equal(t, 100, queryInt("500", 10, 1, 100))
	assert.Equal(t, 42, queryInt("42", 10, 1, 100))
}

var _ service.Store = (*memStore)(nil)
var _ CustomerStore = (*memStore)(nil)
