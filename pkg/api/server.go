package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/uhyunpark/swaprelay/pkg/intake"
	"github.com/uhyunpark/swaprelay/pkg/order"
	"github.com/uhyunpark/swaprelay/pkg/queue"
	"github.com/uhyunpark/swaprelay/pkg/relay"
	"github.com/uhyunpark/swaprelay/pkg/storage"
)

// Submitter accepts new orders.
type Submitter interface {
	Submit(ctx context.Context, req intake.Request) (*order.Order, error)
}

type Config struct {
	// PublicHost is advertised in wsUrl. Empty means the request Host.
	PublicHost     string
	RelayBuffer    int
	RelayOverflow  relay.OverflowPolicy
	SendBuffer     int
	AllowedOrigins []string
}

func DefaultConfig() Config {
	return Config{
		RelayBuffer:    relay.DefaultBufferSize,
		RelayOverflow:  relay.DropOldest,
		SendBuffer:     256,
		AllowedOrigins: []string{"*"},
	}
}

// Server handles REST API and WebSocket connections
type Server struct {
	cfg     Config
	intake  Submitter
	store   storage.OrderStore
	bus     relay.Subscriber
	router  *mux.Router
	log     *zap.SugaredLogger
	streams atomic.Int64
	now     func() time.Time
}

// NewServer creates a new API server
func NewServer(cfg Config, in Submitter, store storage.OrderStore, b relay.Subscriber, log *zap.SugaredLogger) *Server {
	s := &Server{
		cfg:    cfg,
		intake: in,
		store:  store,
		bus:    b,
		router: mux.NewRouter(),
		log:    log,
		now:    time.Now,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api").Subrouter()

	// Order endpoints
	api.HandleFunc("/orders", s.handleSubmitOrder).Methods("POST")
	api.HandleFunc("/orders", s.handleListOrders).Methods("GET")
	api.HandleFunc("/orders/{orderId}", s.handleGetOrder).Methods("GET")

	// Status stream, upgraded from GET or POST
	s.router.HandleFunc("/ws/orders/{orderId}", s.handleOrderStream).Methods("GET", "POST")

	// Health check
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
}

// Handler returns the router wrapped in CORS.
func (s *Server) Handler() http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins: s.cfg.AllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
	})
	return c.Handler(s.router)
}

// Run serves on addr until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		s.log.Infow("api_server_starting", "addr", addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.log.Infow("api_server_stopping")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}

// ActiveStreams is the number of open order status streams.
func (s *Server) ActiveStreams() int64 { return s.streams.Load() }

// ==============================
// REST Handlers
// ==============================

func (s *Server) handleSubmitOrder(w http.ResponseWriter, r *http.Request) {
	var req SubmitOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}

	o, err := s.intake.Submit(r.Context(), intake.Request{
		Token:  req.Token,
		Amount: req.Amount,
		Side:   req.Side,
	})
	switch {
	case err == nil:
	case errors.Is(err, intake.ErrInvalidRequest):
		respondError(w, http.StatusBadRequest, "invalid order", err.Error())
		return
	case errors.Is(err, queue.ErrQueueFull), errors.Is(err, queue.ErrQueueClosed):
		respondError(w, http.StatusServiceUnavailable, "order queue unavailable", err.Error())
		return
	default:
		s.log.Errorw("order_submit_failed", "err", err)
		respondError(w, http.StatusInternalServerError, "failed to submit order", err.Error())
		return
	}

	respondJSON(w, SubmitOrderResponse{
		Success: true,
		OrderID: o.ID,
		Message: "Order queued",
		WsURL:   s.streamURL(r, o.ID),
	})
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["orderId"]

	o, err := s.store.Get(r.Context(), id)
	if errors.Is(err, storage.ErrNotFound) {
		respondError(w, http.StatusNotFound, "order not found", id)
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to load order", err.Error())
		return
	}

	respondJSON(w, OrderResponse{Success: true, Order: o})
}

func (s *Server) handleListOrders(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, "invalid limit", v)
			return
		}
		limit = min(n, 500)
	}

	orders, err := s.store.List(r.Context(), limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list orders", err.Error())
		return
	}
	if orders == nil {
		orders = []*order.Order{}
	}

	respondJSON(w, OrderListResponse{Success: true, Orders: orders})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, HealthResponse{
		Status:        "ok",
		ActiveStreams: s.streams.Load(),
		Timestamp:     s.now().UnixMilli(),
	})
}

// ==============================
// Helper Functions
// ==============================

func (s *Server) streamURL(r *http.Request, orderID string) string {
	host := s.cfg.PublicHost
	if host == "" {
		host = r.Host
	}
	scheme := "ws"
	if r.TLS != nil {
		scheme = "wss"
	}
	return scheme + "://" + host + "/ws/orders/" + orderID
}

func respondJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
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
