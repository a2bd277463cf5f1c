package api

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/uhyunpark/swapflow/pkg/order"
	"github.com/uhyunpark/swapflow/pkg/queue"
)

// Server handles REST API and WebSocket connections: it validates swap
// requests, creates and enqueues orders, and hands live connections to the
// hub. Everything past the enqueue is the pipeline's job.
type Server struct {
	store  *order.Store
	queue  *queue.Queue
	hub    *Hub
	router *mux.Router
	log    *zap.SugaredLogger
}

// NewServer creates a new API server around an existing hub.
func NewServer(store *order.Store, q *queue.Queue, hub *Hub, log *zap.SugaredLogger) *Server {
	s := &Server{
		store:  store,
		queue:  q,
		hub:    hub,
		router: mux.NewRouter(),
		log:    log,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api").Subrouter()

	// Order submission and readback
	api.HandleFunc("/orders/execute", s.handleExecuteOrder).Methods("POST")
	api.HandleFunc("/orders/{orderId}", s.handleGetOrder).Methods("GET")

	// Per-order notification channel
	s.router.HandleFunc("/ws/orders/{orderId}", s.handleOrderSocket)

	// Health check
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
}

// Handler returns the routing stack with CORS applied (also used by tests).
func (s *Server) Handler() http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: false,
	})
	return c.Handler(s.router)
}

// Start starts the API server
func (s *Server) Start(addr string) error {
	s.log.Infow("api_server_starting", "addr", addr)
	return http.ListenAndServe(addr, s.Handler())
}

// ==============================
// REST Handlers
// ==============================

func (s *Server) handleExecuteOrder(w http.ResponseWriter, r *http.Request) {
	var req ExecuteOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}

	tokenIn, tokenOut := order.Asset(req.TokenIn), order.Asset(req.TokenOut)
	if !tokenIn.Valid() {
		respondError(w, http.StatusBadRequest, "unsupported tokenIn", req.TokenIn)
		return
	}
	if !tokenOut.Valid() {
		respondError(w, http.StatusBadRequest, "unsupported tokenOut", req.TokenOut)
		return
	}
	if !order.ValidAmount(req.Amount) {
		respondError(w, http.StatusBadRequest, "amount out of range", req.Amount.String())
		return
	}

	ord := order.New(tokenIn, tokenOut, req.Amount)
	s.store.Put(ord)

	jobID, err := s.queue.Enqueue(r.Context(), ord)
	if err != nil {
		s.log.Errorw("enqueue_failed", "order_id", ord.ID, "err", err)
		respondError(w, http.StatusInternalServerError, "failed to enqueue order", "")
		return
	}

	s.log.Infow("order_accepted",
		"order_id", ord.ID,
		"job_id", jobID,
		"token_in", ord.TokenIn,
		"token_out", ord.TokenOut,
		"amount", ord.Amount.String())

	respondStatusJSON(w, http.StatusAccepted, ExecuteOrderResponse{
		OrderID:    ord.ID,
		Status:     string(order.StatusPending),
		WSEndpoint: "/ws/orders/" + ord.ID,
	})
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	ord, ok := s.store.Get(vars["orderId"])
	if !ok {
		respondError(w, http.StatusNotFound, "order not found", "")
		return
	}
	respondJSON(w, ord)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, map[string]string{"status": "ok"})
}

// handleOrderSocket upgrades the connection and binds it to the order id in
// the path. The order does not need to exist yet; clients may connect
// before submitting.
func (s *Server) handleOrderSocket(w http.ResponseWriter, r *http.Request) {
	orderID := mux.Vars(r)["orderId"]
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warnw("ws_upgrade_failed", "order_id", orderID, "err", err)
		return
	}

	client := newClient(conn, s.log)
	go client.writePump()
	s.hub.Register(orderID, client)
	go client.readPump(s.hub, orderID)
}

// ==============================
// Helper Functions
// ==============================

func respondJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func respondStatusJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, error string, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{
		Error:   error,
		Message: message,
	})
}
