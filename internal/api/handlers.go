package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/punchamoorthee/tillbridge/internal/domain"
	"github.com/punchamoorthee/tillbridge/internal/hub"
	"github.com/punchamoorthee/tillbridge/internal/models"
	"github.com/punchamoorthee/tillbridge/internal/receipt"
	"github.com/punchamoorthee/tillbridge/internal/service"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "loyalty_http_requests_total",
		Help: "Total HTTP requests processed, labeled by status code",
	}, []string{"method", "endpoint", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "loyalty_http_request_duration_seconds",
		Help:    "Latency distribution of HTTP requests",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	}, []string{"method", "endpoint"})
)

// CustomerStore is the persistence behind the customer and admin endpoints.
type CustomerStore interface {
	Ping(ctx context.Context) error
	CreateCustomer(ctx context.Context, form domain.CustomerForm) (*domain.Customer, error)
	UpdateCustomer(ctx context.Context, id uuid.UUID, form domain.CustomerForm) (*domain.Customer, error)
	GetCustomer(ctx context.Context, id uuid.UUID) (*domain.Customer, error)
	GetCustomerByBarcode(ctx context.Context, barcode string) (*domain.Customer, error)
	ListCustomers(ctx context.Context, skip, limit int, search string) ([]domain.Customer, error)
	DeleteCustomer(ctx context.Context, id uuid.UUID) error
	GetPurchase(ctx context.Context, id uuid.UUID) (*domain.Purchase, error)
	ListPurchases(ctx context.Context, f domain.PurchaseFilter) ([]domain.Purchase, error)
	CustomerPurchaseStats(ctx context.Context, id uuid.UUID) (*domain.CustomerPurchaseStats, error)
	Stats(ctx context.Context) (*domain.Stats, error)
	RecentActivity(ctx context.Context, limit int) (*domain.Activity, error)
	Export(ctx context.Context, customers, purchases bool) (*domain.Export, error)
}

// Session is the till surface the operational endpoints drive.
type Session interface {
	Status(ctx context.Context) (service.Status, error)
	Scan(ctx context.Context, barcode string) error
	SubmitReceiptData(ctx context.Context, data models.ReceiptData) (domain.ReceiptRecord, error)
	RecordManualPurchase(ctx context.Context, barcode string, data models.ReceiptData) (*domain.PurchaseResult, error)
	ResetToIdle(ctx context.Context) error
	ResetSession(ctx context.Context) (string, error)
}

type Connections interface {
	Status() hub.Status
	Broadcast(role models.Role, msg models.Message)
}

type Monitor interface {
	Status() receipt.Status
}

type Handler struct {
	store   CustomerStore
	session Session
	conns   Connections
	monitor Monitor
	parser  *receipt.Parser
	log     *zap.Logger
}

// NewHandler wires the REST endpoints. monitor may be nil when the receipt
// folder is not being watched.
func NewHandler(s CustomerStore, sess Session, conns Connections, monitor Monitor, log *zap.Logger) *Handler {
	return &Handler{
		store:   s,
		session: sess,
		conns:   conns,
		monitor: monitor,
		parser:  receipt.NewParser(),
		log:     log.Named("api"),
	}
}

func (h *Handler) HealthCheckHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := h.store.Ping(ctx); err != nil {
		h.log.Warn("health check failed", zap.Error(err))
		respondWithJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "database": "unreachable"})
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]string{"status": "ok", "database": "ok"})
}

type statusResponse struct {
	Session        service.Status `json:"session"`
	Connections    hub.Status     `json:"connections"`
	ReceiptMonitor receipt.Status `json:"receipt_monitor"`
	Timestamp      time.Time      `json:"timestamp"`
}

func (h *Handler) StatusHandler(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/status"
	timer := prometheus.NewTimer(httpRequestDuration.WithLabelValues("GET", endpoint))
	defer timer.ObserveDuration()

	st, err := h.session.Status(r.Context())
	if err != nil {
		h.fail(w, "GET", endpoint, http.StatusServiceUnavailable, "Session unavailable", err)
		return
	}
	resp := statusResponse{Session: st, Connections: h.conns.Status(), Timestamp: time.Now().UTC()}
	if h.monitor != nil {
		resp.ReceiptMonitor = h.monitor.Status()
	}
	h.ok(w, "GET", endpoint, http.StatusOK, resp)
}

type parseRequest struct {
	RawText string `json:"raw_text"`
}

// ParseReceiptHandler runs the parser only; nothing reaches the correlator.
func (h *Handler) ParseReceiptHandler(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/receipts/parse"
	timer := prometheus.NewTimer(httpRequestDuration.WithLabelValues("POST", endpoint))
	defer timer.ObserveDuration()

	var req parseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.fail(w, "POST", endpoint, http.StatusBadRequest, "Malformed JSON body", nil)
		return
	}
	rec, err := h.parser.Parse(req.RawText, time.Now())
	if err != nil {
		h.fail(w, "POST", endpoint, http.StatusUnprocessableEntity, parseReason(err), nil)
		return
	}
	h.ok(w, "POST", endpoint, http.StatusOK, rec)
}

// SubmitReceiptHandler feeds a receipt into the correlator as if it had been
// printed now.
func (h *Handler) SubmitReceiptHandler(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/receipts"
	timer := prometheus.NewTimer(httpRequestDuration.WithLabelValues("POST", endpoint))
	defer timer.ObserveDuration()

	var req models.ReceiptData
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.fail(w, "POST", endpoint, http.StatusBadRequest, "Malformed JSON body", nil)
		return
	}
	rec, err := h.session.SubmitReceiptData(r.Context(), req)
	var perr *receipt.ParseError
	switch {
	case errors.As(err, &perr):
		h.fail(w, "POST", endpoint, http.StatusUnprocessableEntity, perr.Reason, nil)
	case errors.Is(err, service.ErrBadPayload):
		h.fail(w, "POST", endpoint, http.StatusUnprocessableEntity, err.Error(), nil)
	case err != nil:
		h.fail(w, "POST", endpoint, http.StatusServiceUnavailable, "Session unavailable", err)
	default:
		h.ok(w, "POST", endpoint, http.StatusAccepted, rec)
	}
}

type scanRequest struct {
	Barcode string `json:"barcode"`
}

func (h *Handler) ScanHandler(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/scans"
	timer := prometheus.NewTimer(httpRequestDuration.WithLabelValues("POST", endpoint))
	defer timer.ObserveDuration()

	var req scanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.fail(w, "POST", endpoint, http.StatusBadRequest, "Malformed JSON body", nil)
		return
	}
	barcode := strings.TrimSpace(req.Barcode)
	if barcode == "" {
		h.fail(w, "POST", endpoint, http.StatusUnprocessableEntity, "Barcode required", nil)
		return
	}
	if err := h.session.Scan(r.Context(), barcode); err != nil {
		h.fail(w, "POST", endpoint, http.StatusServiceUnavailable, "Session unavailable", err)
		return
	}
	h.ok(w, "POST", endpoint, http.StatusAccepted, map[string]string{"barcode": barcode})
}

func (h *Handler) ResetTabletHandler(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/tablet/reset"
	if err := h.session.ResetToIdle(r.Context()); err != nil {
		h.fail(w, "POST", endpoint, http.StatusServiceUnavailable, "Session unavailable", err)
		return
	}
	h.ok(w, "POST", endpoint, http.StatusOK, map[string]string{"tablet_state": "idle"})
}

func (h *Handler) ResetSessionHandler(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/session/reset"
	id, err := h.session.ResetSession(r.Context())
	if err != nil {
		h.fail(w, "POST", endpoint, http.StatusServiceUnavailable, "Session unavailable", err)
		return
	}
	h.ok(w, "POST", endpoint, http.StatusOK, map[string]string{"session_id": id})
}

func (h *Handler) CreateCustomerHandler(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/customers"
	timer := prometheus.NewTimer(httpRequestDuration.WithLabelValues("POST", endpoint))
	defer timer.ObserveDuration()

	var form domain.CustomerForm
	if err := json.NewDecoder(r.Body).Decode(&form); err != nil {
		h.fail(w, "POST", endpoint, http.StatusBadRequest, "Malformed JSON body", nil)
		return
	}
	form.Name = strings.TrimSpace(form.Name)
	if form.Name == "" {
		h.fail(w, "POST", endpoint, http.StatusUnprocessableEntity, "Name required", nil)
		return
	}

	c, err := h.store.CreateCustomer(r.Context(), form)
	if err != nil {
		if errors.Is(err, domain.ErrDuplicateCustomer) {
			h.fail(w, "POST", endpoint, http.StatusConflict, "Email already registered", nil)
			return
		}
		h.fail(w, "POST", endpoint, http.StatusInternalServerError, "Error creating customer", err)
		return
	}
	w.Header().Set("Location", "/api/v1/customers/"+c.ID.String())
	h.ok(w, "POST", endpoint, http.StatusCreated, c)
}

func (h *Handler) UpdateCustomerHandler(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/customers/{id}"
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		h.fail(w, "PUT", endpoint, http.StatusBadRequest, "Invalid customer id", nil)
		return
	}
	var form domain.CustomerForm
	if err := json.NewDecoder(r.Body).Decode(&form); err != nil {
		h.fail(w, "PUT", endpoint, http.StatusBadRequest, "Malformed JSON body", nil)
		return
	}
	c, err := h.store.UpdateCustomer(r.Context(), id, form)
	switch {
	case errors.Is(err, domain.ErrCustomerNotFound):
		h.fail(w, "PUT", endpoint, http.StatusNotFound, "Customer not found", nil)
	case errors.Is(err, domain.ErrDuplicateCustomer):
		h.fail(w, "PUT", endpoint, http.StatusConflict, "Email already registered", nil)
	case err != nil:
		h.fail(w, "PUT", endpoint, http.StatusInternalServerError, "Error updating customer", err)
	default:
		h.ok(w, "PUT", endpoint, http.StatusOK, c)
	}
}

func (h *Handler) GetCustomerHandler(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/customers/{id}"
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		h.fail(w, "GET", endpoint, http.StatusBadRequest, "Invalid customer id", nil)
		return
	}
	h.customer(w, "GET", endpoint, func() (*domain.Customer, error) { return h.store.GetCustomer(r.Context(), id) })
}

func (h *Handler) GetCustomerByBarcodeHandler(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/customers/barcode/{barcode}"
	barcode := mux.Vars(r)["barcode"]
	h.customer(w, "GET", endpoint, func() (*domain.Customer, error) { return h.store.GetCustomerByBarcode(r.Context(), barcode) })
}

func (h *Handler) customer(w http.ResponseWriter, method, endpoint string, get func() (*domain.Customer, error)) {
	c, err := get()
	if err != nil {
		if errors.Is(err, domain.ErrCustomerNotFound) {
			h.fail(w, method, endpoint, http.StatusNotFound, "Customer not found", nil)
			return
		}
		h.fail(w, method, endpoint, http.StatusInternalServerError, "Error retrieving customer", err)
		return
	}
	h.ok(w, method, endpoint, http.StatusOK, c)
}

func (h *Handler) ListCustomersHandler(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/customers"
	q := r.URL.Query()
	skip := queryInt(q.Get("skip"), 0, 0, 1<<31-1)
	limit := queryInt(q.Get("limit"), 100, 1, 1000)

	customers, err := h.store.ListCustomers(r.Context(), skip, limit, strings.TrimSpace(q.Get("search")))
	if err != nil {
		h.fail(w, "GET", endpoint, http.StatusInternalServerError, "Error listing customers", err)
		return
	}
	h.ok(w, "GET", endpoint, http.StatusOK, customers)
}

func (h *Handler) DeleteCustomerHandler(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/customers/{id}"
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		h.fail(w, "DELETE", endpoint, http.StatusBadRequest, "Invalid customer id", nil)
		return
	}
	err = h.store.DeleteCustomer(r.Context(), id)
	switch {
	case errors.Is(err, domain.ErrCustomerNotFound):
		h.fail(w, "DELETE", endpoint, http.StatusNotFound, "Customer not found", nil)
	case err != nil:
		h.fail(w, "DELETE", endpoint, http.StatusInternalServerError, "Error deleting customer", err)
	default:
		h.log.Info("customer deleted", zap.String("customer_id", id.String()))
		h.ok(w, "DELETE", endpoint, http.StatusNoContent, nil)
	}
}

// ListPurchasesHandler pages through purchases. start_date and end_date take
// RFC 3339 timestamps or plain dates.
func (h *Handler) ListPurchasesHandler(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/purchases"
	q := r.URL.Query()
	f := domain.PurchaseFilter{
		Skip:  queryInt(q.Get("skip"), 0, 0, 1<<31-1),
		Limit: queryInt(q.Get("limit"), 100, 1, 1000),
	}
	if raw := q.Get("customer_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			h.fail(w, "GET", endpoint, http.StatusBadRequest, "Invalid customer id", nil)
			return
		}
		f.CustomerID = &id
	}
	var err error
	if f.From, err = queryTime(q.Get("start_date")); err != nil {
		h.fail(w, "GET", endpoint, http.StatusBadRequest, "Invalid start_date format", nil)
		return
	}
	if f.To, err = queryTime(q.Get("end_date")); err != nil {
		h.fail(w, "GET", endpoint, http.StatusBadRequest, "Invalid end_date format", nil)
		return
	}
	purchases, err := h.store.ListPurchases(r.Context(), f)
	if err != nil {
		h.fail(w, "GET", endpoint, http.StatusInternalServerError, "Error listing purchases", err)
		return
	}
	h.ok(w, "GET", endpoint, http.StatusOK, purchases)
}

func (h *Handler) GetPurchaseHandler(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/purchases/{id}"
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		h.fail(w, "GET", endpoint, http.StatusBadRequest, "Invalid purchase id", nil)
		return
	}
	p, err := h.store.GetPurchase(r.Context(), id)
	switch {
	case errors.Is(err, domain.ErrPurchaseNotFound):
		h.fail(w, "GET", endpoint, http.StatusNotFound, "Purchase not found", nil)
	case err != nil:
		h.fail(w, "GET", endpoint, http.StatusInternalServerError, "Error retrieving purchase", err)
	default:
		h.ok(w, "GET", endpoint, http.StatusOK, p)
	}
}

func (h *Handler) CustomerPurchasesHandler(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/customers/{id}/purchases"
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		h.fail(w, "GET", endpoint, http.StatusBadRequest, "Invalid customer id", nil)
		return
	}
	if _, err := h.store.GetCustomer(r.Context(), id); err != nil {
		if errors.Is(err, domain.ErrCustomerNotFound) {
			h.fail(w, "GET", endpoint, http.StatusNotFound, "Customer not found", nil)
			return
		}
		h.fail(w, "GET", endpoint, http.StatusInternalServerError, "Error retrieving customer", err)
		return
	}
	q := r.URL.Query()
	purchases, err := h.store.ListPurchases(r.Context(), domain.PurchaseFilter{
		CustomerID: &id,
		Skip:       queryInt(q.Get("skip"), 0, 0, 1<<31-1),
		Limit:      queryInt(q.Get("limit"), 50, 1, 1000),
	})
	if err != nil {
		h.fail(w, "GET", endpoint, http.StatusInternalServerError, "Error retrieving customer purchases", err)
		return
	}
	h.ok(w, "GET", endpoint, http.StatusOK, purchases)
}

func (h *Handler) CustomerStatsHandler(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/customers/{id}/stats"
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		h.fail(w, "GET", endpoint, http.StatusBadRequest, "Invalid customer id", nil)
		return
	}
	st, err := h.store.CustomerPurchaseStats(r.Context(), id)
	switch {
	case errors.Is(err, domain.ErrCustomerNotFound):
		h.fail(w, "GET", endpoint, http.StatusNotFound, "Customer not found", nil)
	case err != nil:
		h.fail(w, "GET", endpoint, http.StatusInternalServerError, "Error retrieving customer statistics", err)
	default:
		h.ok(w, "GET", endpoint, http.StatusOK, st)
	}
}

type createPurchaseRequest struct {
	CustomerID  uuid.UUID `json:"customer_id"`
	ReceiptID   string    `json:"receipt_id"`
	Amount      *float64  `json:"amount"`
	ReceiptText string    `json:"receipt_text"`
}

// CreatePurchaseHandler records a purchase keyed in for a known customer.
func (h *Handler) CreatePurchaseHandler(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/purchases"
	timer := prometheus.NewTimer(httpRequestDuration.WithLabelValues("POST", endpoint))
	defer timer.ObserveDuration()

	var req createPurchaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.fail(w, "POST", endpoint, http.StatusBadRequest, "Malformed JSON body", nil)
		return
	}
	c, err := h.store.GetCustomer(r.Context(), req.CustomerID)
	if err != nil {
		h.manualFailed(w, endpoint, err)
		return
	}
	h.manualPurchase(w, r, endpoint, c.Barcode, models.ReceiptData{RawText: req.ReceiptText, Amount: req.Amount, ReceiptID: req.ReceiptID})
}

type barcodePurchaseRequest struct {
	Barcode     string             `json:"barcode"`
	ReceiptData models.ReceiptData `json:"receipt_data"`
}

// ProcessBarcodePurchaseHandler records a purchase for the member a barcode
// belongs to, without waiting for the correlator.
func (h *Handler) ProcessBarcodePurchaseHandler(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/purchases/process-barcode-purchase"
	timer := prometheus.NewTimer(httpRequestDuration.WithLabelValues("POST", endpoint))
	defer timer.ObserveDuration()

	var req barcodePurchaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.fail(w, "POST", endpoint, http.StatusBadRequest, "Malformed JSON body", nil)
		return
	}
	barcode := strings.TrimSpace(req.Barcode)
	if _, err := h.store.GetCustomerByBarcode(r.Context(), barcode); err != nil {
		h.manualFailed(w, endpoint, err)
		return
	}
	h.manualPurchase(w, r, endpoint, barcode, req.ReceiptData)
}

func (h *Handler) manualPurchase(w http.ResponseWriter, r *http.Request, endpoint, barcode string, data models.ReceiptData) {
	res, err := h.session.RecordManualPurchase(r.Context(), barcode, data)
	if err != nil {
		h.manualFailed(w, endpoint, err)
		return
	}
	h.ok(w, "POST", endpoint, http.StatusCreated, map[string]any{
		"purchase":       res.Purchase,
		"customer":       res.Customer,
		"points_awarded": res.Purchase.PointsAwarded,
	})
}

func (h *Handler) manualFailed(w http.ResponseWriter, endpoint string, err error) {
	var perr *receipt.ParseError
	switch {
	case errors.Is(err, domain.ErrCustomerNotFound):
		h.fail(w, "POST", endpoint, http.StatusNotFound, "Customer not found", nil)
	case errors.Is(err, domain.ErrDuplicateReceipt):
		h.fail(w, "POST", endpoint, http.StatusConflict, "Receipt already recorded", nil)
	case errors.As(err, &perr):
		h.fail(w, "POST", endpoint, http.StatusUnprocessableEntity, perr.Reason, nil)
	case errors.Is(err, service.ErrBadPayload):
		h.fail(w, "POST", endpoint, http.StatusUnprocessableEntity, err.Error(), nil)
	default:
		h.fail(w, "POST", endpoint, http.StatusInternalServerError, "Error processing purchase", err)
	}
}

func (h *Handler) StatsHandler(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/admin/stats"
	st, err := h.store.Stats(r.Context())
	if err != nil {
		h.fail(w, "GET", endpoint, http.StatusInternalServerError, "Error retrieving stats", err)
		return
	}
	h.ok(w, "GET", endpoint, http.StatusOK, st)
}

func (h *Handler) RecentActivityHandler(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/admin/recent-activity"
	limit := queryInt(r.URL.Query().Get("limit"), 10, 1, 100)
	act, err := h.store.RecentActivity(r.Context(), limit)
	if err != nil {
		h.fail(w, "GET", endpoint, http.StatusInternalServerError, "Error retrieving activity", err)
		return
	}
	h.ok(w, "GET", endpoint, http.StatusOK, act)
}

type broadcastRequest struct {
	Message string   `json:"message"`
	Roles   []string `json:"roles"`
}

// BroadcastMessageHandler sends an operator notice to every connection of the
// given roles, both when none are named.
func (h *Handler) BroadcastMessageHandler(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/admin/broadcast-message"
	var req broadcastRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.fail(w, "POST", endpoint, http.StatusBadRequest, "Malformed JSON body", nil)
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		h.fail(w, "POST", endpoint, http.StatusUnprocessableEntity, "Message required", nil)
		return
	}
	roles := []models.Role{models.RoleTablet, models.RoleCashier}
	if len(req.Roles) > 0 {
		roles = roles[:0]
		for _, raw := range req.Roles {
			role, err := models.ParseRole(raw)
			if err != nil {
				h.fail(w, "POST", endpoint, http.StatusUnprocessableEntity, err.Error(), nil)
				return
			}
			roles = append(roles, role)
		}
	}
	msg := models.NewMessage(models.ActionSystemMessage, map[string]any{"message": req.Message})
	for _, role := range roles {
		h.conns.Broadcast(role, msg)
	}
	h.log.Info("operator message broadcast", zap.Int("roles", len(roles)))
	h.ok(w, "POST", endpoint, http.StatusOK, map[string]any{"success": true, "recipients": roles})
}

// ExportHandler dumps customers and purchases as JSON.
func (h *Handler) ExportHandler(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/admin/export-data"
	q := r.URL.Query()
	if f := q.Get("format"); f != "" && f != "json" {
		h.fail(w, "GET", endpoint, http.StatusBadRequest, "Unsupported export format", nil)
		return
	}
	exp, err := h.store.Export(r.Context(), queryBool(q.Get("include_customers"), true), queryBool(q.Get("include_purchases"), true))
	if err != nil {
		h.fail(w, "GET", endpoint, http.StatusInternalServerError, "Error exporting system data", err)
		return
	}
	h.ok(w, "GET", endpoint, http.StatusOK, exp)
}

func (h *Handler) ok(w http.ResponseWriter, method, endpoint string, code int, payload interface{}) {
	httpRequestsTotal.WithLabelValues(method, endpoint, strconv.Itoa(code)).Inc()
	respondWithJSON(w, code, payload)
}

// fail responds with an error body. cause, when set, is logged and kept out
// of the response.
func (h *Handler) fail(w http.ResponseWriter, method, endpoint string, code int, msg string, cause error) {
	if cause != nil {
		h.log.Error(msg, zap.String("endpoint", endpoint), zap.Error(cause))
	}
	httpRequestsTotal.WithLabelValues(method, endpoint, strconv.Itoa(code)).Inc()
	respondWithError(w, code, msg)
}

func parseReason(err error) string {
	var perr *receipt.ParseError
	if errors.As(err, &perr) {
		return perr.Reason
	}
	return err.Error()
}

func queryInt(raw string, def, lo, hi int) int {
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	if n < lo {
		return lo
	}
	if n > hi {
		return hi
	}
	return n
}

func queryBool(raw string, def bool) bool {
	b, err := strconv.ParseBool(raw)
	if err != nil {
		return def
	}
	return b
}

// queryTime accepts RFC 3339 or a bare date; empty is the zero time.
func queryTime(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	return time.Parse(time.DateOnly, raw)
}

func respondWithError(w http.ResponseWriter, code int, message string) {
	respondWithJSON(w, code, map[string]string{"error": message})
}

func respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if payload != nil {
		json.NewEncoder(w).Encode(payload)
	}
}
