package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/punchamoorthee/tillbridge/internal/hub"
	"github.com/punchamoorthee/tillbridge/internal/models"
)

// WSHandler upgrades /ws/{role} requests and hands the connection to the hub.
type WSHandler struct {
	hub      *hub.Hub
	upgrader websocket.Upgrader
	log      *zap.Logger
}

func NewWSHandler(h *hub.Hub, log *zap.Logger) *WSHandler {
	return &WSHandler{
		hub: h,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Tablet and cashier apps run from file:// and app origins on the LAN.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		log: log.Named("ws"),
	}
}

func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	role, err := models.ParseRole(mux.Vars(r)["role"])
	if err != nil {
		httpRequestsTotal.WithLabelValues("GET", "/ws/{role}", "404").Inc()
		respondWithError(w, http.StatusNotFound, err.Error())
		return
	}

	// Register first so a session failure is still a plain HTTP error.
	client, err := h.hub.Register(r.Context(), role)
	if err != nil {
		h.log.Error("attach failed", zap.String("role", string(role)), zap.Error(err))
		httpRequestsTotal.WithLabelValues("GET", "/ws/{role}", "503").Inc()
		respondWithError(w, http.StatusServiceUnavailable, "Session unavailable")
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.hub.Unregister(client)
		h.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	httpRequestsTotal.WithLabelValues("GET", "/ws/{role}", "101").Inc()
	h.hub.Serve(r.Context(), conn, client)
}

// NewRouter mounts every endpoint of the bridge.
func NewRouter(h *Handler, ws *WSHandler) *mux.Router {
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.Handler())
	r.HandleFunc("/health", h.HealthCheckHandler).Methods("GET")
	r.Handle("/ws/{role}", ws)

	apiV1 := r.PathPrefix("/api/v1").Subrouter()
	apiV1.HandleFunc("/status", h.StatusHandler).Methods("GET")
	apiV1.HandleFunc("/receipts/parse", h.ParseReceiptHandler).Methods("POST")
	apiV1.HandleFunc("/receipts", h.SubmitReceiptHandler).Methods("POST")
	apiV1.HandleFunc("/scans", h.ScanHandler).Methods("POST")
	apiV1.HandleFunc("/tablet/reset", h.ResetTabletHandler).Methods("POST")
	apiV1.HandleFunc("/session/reset", h.ResetSessionHandler).Methods("POST")

	apiV1.HandleFunc("/customers", h.CreateCustomerHandler).Methods("POST")
	apiV1.HandleFunc("/customers", h.ListCustomersHandler).Methods("GET")
	apiV1.HandleFunc("/customers/barcode/{barcode}", h.GetCustomerByBarcodeHandler).Methods("GET")
	apiV1.HandleFunc("/customers/{id}", h.GetCustomerHandler).Methods("GET")
	apiV1.HandleFunc("/customers/{id}", h.UpdateCustomerHandler).Methods("PUT")
	apiV1.HandleFunc("/customers/{id}", h.DeleteCustomerHandler).Methods("DELETE")
	apiV1.HandleFunc("/customers/{id}/purchases", h.CustomerPurchasesHandler).Methods("GET")
	apiV1.HandleFunc("/customers/{id}/stats", h.CustomerStatsHandler).Methods("GET")

	apiV1.HandleFunc("/purchases", h.CreatePurchaseHandler).Methods("POST")
	apiV1.HandleFunc("/purchases", h.ListPurchasesHandler).Methods("GET")
	apiV1.HandleFunc("/purchases/process-barcode-purchase", h.ProcessBarcodePurchaseHandler).Methods("POST")
	apiV1.HandleFunc("/purchases/{id}", h.GetPurchaseHandler).Methods("GET")

	apiV1.HandleFunc("/admin/stats", h.StatsHandler).Methods("GET")
	apiV1.HandleFunc("/admin/recent-activity", h.RecentActivityHandler).Methods("GET")
	apiV1.HandleFunc("/admin/broadcast-message", h.BroadcastMessageHandler).Methods("POST")
	apiV1.HandleFunc("/admin/export-data", h.ExportHandler).Methods("GET")
	return r
}
