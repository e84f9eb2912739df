package api

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"github.com/yanun0323/logs"

	"main/internal/breaker"
	"main/internal/engine"
	"main/internal/schema"
	"main/internal/store"
	"main/internal/twap"
	"main/internal/webhook"
	"main/pkg/exception"
)

const maxBodyBytes = 1 << 20

// ReadyChecker gates traffic until startup recovery completes.
type ReadyChecker interface {
	Ready() bool
}

// Server exposes the execution REST API and the broker webhook endpoint.
type Server struct {
	engine    *engine.Engine
	scheduler *twap.Scheduler
	processor *webhook.Processor
	breaker   *breaker.Manager
	store     *store.Store
	ready     ReadyChecker

	webhookSecret string
	router        *mux.Router
	httpServer    *http.Server
}

// NewServer wires the router.
func NewServer(
	e *engine.Engine,
	sched *twap.Scheduler,
	proc *webhook.Processor,
	bm *breaker.Manager,
	s *store.Store,
	ready ReadyChecker,
	webhookSecret string,
) *Server {
	server := &Server{
		engine:        e,
		scheduler:     sched,
		processor:     proc,
		breaker:       bm,
		store:         s,
		ready:         ready,
		webhookSecret: webhookSecret,
		router:        mux.NewRouter(),
	}
	server.setupRoutes()
	return server
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api/v1").Subrouter()
	api.Use(s.readyGate)

	api.HandleFunc("/orders", s.handleSubmitOrder).Methods(http.MethodPost)
	api.HandleFunc("/orders/cancel-all", s.handleCancelAll).Methods(http.MethodPost)
	api.HandleFunc("/orders/slice", s.handleCreatePlan).Methods(http.MethodPost)
	api.HandleFunc("/orders/slice/{parentKey}", s.handleGetPlan).Methods(http.MethodGet)
	api.HandleFunc("/orders/slice/{parentKey}/cancel", s.handleCancelPlan).Methods(http.MethodPost)
	api.HandleFunc("/orders/{clientOrderID}", s.handleGetOrder).Methods(http.MethodGet)
	api.HandleFunc("/orders/{clientOrderID}/cancel", s.handleCancelOrder).Methods(http.MethodPost)

	api.HandleFunc("/kill-switch", s.handleGetBreakers).Methods(http.MethodGet)
	api.HandleFunc("/kill-switch/engage", s.handleEngage).Methods(http.MethodPost)
	api.HandleFunc("/kill-switch/disengage", s.handleDisengage).Methods(http.MethodPost)

	api.HandleFunc("/positions", s.handleGetPositions).Methods(http.MethodGet)
	api.HandleFunc("/positions/flatten-all", s.handleFlattenAll).Methods(http.MethodPost)
	api.HandleFunc("/positions/{symbol}/close", s.handleClosePosition).Methods(http.MethodPost)
	api.HandleFunc("/positions/{symbol}/adjust", s.handleAdjustPosition).Methods(http.MethodPost)
	api.HandleFunc("/orphans", s.handleGetOrphans).Methods(http.MethodGet)

	hooks := s.router.PathPrefix("/webhooks").Subrouter()
	hooks.Use(s.readyGate)
	hooks.HandleFunc("/broker", s.handleBrokerWebhook).Methods(http.MethodPost)

	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.router.HandleFunc("/ready", s.handleReady).Methods(http.MethodGet)
}

// readyGate refuses traffic with 503 until recovery finishes, so no order
// is accepted against a state snapshot that is still being rebuilt.
func (s *Server) readyGate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.ready.Ready() {
			respondError(w, exception.ErrNotReady)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Handler returns the full middleware-wrapped handler.
func (s *Server) Handler() http.Handler {
	c := cors.New(cors.Options{
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "Authorization", "X-Webhook-Signature"},
	})
	return c.Handler(s.router)
}

// Start serves until Shutdown is called.
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	logs.Infof("api server listening on %s", addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func readBody(r *http.Request) ([]byte, error) {
	defer r.Body.Close()
	return io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respond(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	if !s.ready.Ready() {
		respond(w, http.StatusServiceUnavailable, map[string]string{"status": "recovering"})
		return
	}
	respond(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) handleGetPositions(w http.ResponseWriter, r *http.Request) {
	positions, err := s.store.ListPositions(r.Context())
	if err != nil {
		respondError(w, err)
		return
	}
	respond(w, http.StatusOK, positions)
}

func (s *Server) handleGetOrphans(w http.ResponseWriter, r *http.Request) {
	orphans, err := s.store.ListOrphans(r.Context())
	if err != nil {
		respondError(w, err)
		return
	}
	respond(w, http.StatusOK, orphans)
}

func (s *Server) handleGetBreakers(w http.ResponseWriter, _ *http.Request) {
	respond(w, http.StatusOK, s.breaker.Snapshot())
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	clientOrderID := mux.Vars(r)["clientOrderID"]
	order, err := s.store.OrderByClientID(r.Context(), clientOrderID)
	if err != nil {
		respondError(w, err)
		return
	}
	trail, err := s.store.OrderTransitions(r.Context(), clientOrderID)
	if err != nil {
		respondError(w, err)
		return
	}
	respond(w, http.StatusOK, orderDetail{Order: order, Transitions: trail})
}

type orderDetail struct {
	Order       *schema.Order            `json:"order"`
	Transitions []schema.OrderTransition `json:"transitions"`
}
