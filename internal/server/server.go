// Package server is the shop's HTTP front end: offers are answered with
// 402 Payment Required and letters are served to whoever knows the
// fulfillment.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"lettershop/internal/config"
	"lettershop/internal/hmacauth"
	"lettershop/internal/journal"
	"lettershop/internal/ledger"
	"lettershop/internal/seller"
)

type Server struct {
	cfg             *config.AppConfig
	shop            *seller.Service
	admin           *hmacauth.Verifier
	metrics         *seller.Metrics
	log             *zap.Logger
	router          chi.Router
	httpServer      *http.Server
	ledgerHealthFn  func(context.Context) error
	journalHealthFn func(context.Context) error
}

func NewServer(cfg *config.AppConfig, shop *seller.Service, client ledger.Client, store journal.Store, metrics *seller.Metrics, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Server{
		cfg:  cfg,
		shop: shop,
		admin: &hmacauth.Verifier{
			Secret:  cfg.Admin.HMACSecret,
			MaxSkew: cfg.Admin.HMACClockSkew,
		},
		metrics: metrics,
		log:     log,
	}

	if checker, ok := client.(ledger.HealthChecker); ok {
		s.ledgerHealthFn = checker.Ping
	}
	if checker, ok := store.(interface{ Ping(context.Context) error }); ok {
		s.journalHealthFn = checker.Ping
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/", s.handleOffer)
	// Browsers ask for a favicon; it is not a fulfillment.
	r.Get("/favicon.ico", http.NotFound)
	r.Get("/health", s.handleHealth)
	if metrics != nil {
		r.Handle("/metrics", metrics.Handler())
	}
	r.With(s.admin.Middleware).Get("/admin/escrows/{condition}", s.handleEscrowStatus)
	r.Get("/{fulfillment}", s.handleRetrieve)
	s.router = r

	s.httpServer = &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.Service.HTTPPort),
		Handler:           r,
		ReadHeaderTimeout: 15 * time.Second,
	}
	return s
}

// Handler exposes the router, mostly for httptest.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Start() error {
	s.log.Info("shop listening", zap.String("addr", s.httpServer.Addr), zap.String("base_url", s.cfg.Service.BaseURL))
	return s.httpServer.ListenAndServe()
}

// Serve accepts connections on an existing listener.
func (s *Server) Serve(ln net.Listener) error {
	s.log.Info("shop listening", zap.String("addr", ln.Addr().String()), zap.String("base_url", s.cfg.Service.BaseURL))
	return s.httpServer.Serve(ln)
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleOffer(w http.ResponseWriter, r *http.Request) {
	offer, err := s.shop.Issue(r.Context())
	if err != nil {
		s.log.Error("issue offer", zap.Error(err))
		http.Error(w, "unable to issue an offer", http.StatusInternalServerError)
		return
	}

	hdr := PayHeader{Amount: offer.Price, Account: offer.Account, Condition: offer.Condition.String()}
	w.Header().Set(HeaderPay, hdr.String())
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusPaymentRequired)
	fmt.Fprintf(w, "Please send an Interledger payment of %s %s to %s using the condition %s\n",
		offer.FormattedPrice(), offer.Ledger.CurrencyCode, offer.Account, hdr.Condition)
	fmt.Fprintf(w, "> lettershop buyer %s %d %s", offer.Account, offer.Price, hdr.Condition)
}

func (s *Server) handleRetrieve(w http.ResponseWriter, r *http.Request) {
	fulfillment := chi.URLParam(r, "fulfillment")
	letter, err := s.shop.Resource(fulfillment)
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	if err != nil {
		s.log.Debug("no letter found for fulfillment", zap.String("fulfillment", fulfillment))
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte("Unrecognised fulfillment."))
		return
	}
	s.log.Debug("providing paid letter")
	_, _ = w.Write([]byte("Your letter: " + letter))
}

func (s *Server) handleEscrowStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.shop.Status(r.Context(), chi.URLParam(r, "condition"))
	switch {
	case errors.Is(err, seller.ErrUnknownCondition):
		http.Error(w, "unknown condition", http.StatusNotFound)
		return
	case err != nil:
		s.log.Error("escrow status", zap.Error(err))
		http.Error(w, "status lookup failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(st)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	overallHealthy := true

	ledgerInfo := struct {
		Connected bool    `json:"connected"`
		LatencyMs float64 `json:"latency_ms"`
		Error     string  `json:"error,omitempty"`
	}{Connected: true}

	if s.ledgerHealthFn != nil {
		start := time.Now()
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := s.ledgerHealthFn(pingCtx); err != nil {
			ledgerInfo.Connected = false
			ledgerInfo.Error = err.Error()
			overallHealthy = false
		} else {
			ledgerInfo.LatencyMs = float64(time.Since(start).Microseconds()) / 1000.0
		}
	}

	journalInfo := struct {
		Connected bool   `json:"connected"`
		Error     string `json:"error,omitempty"`
	}{Connected: true}

	if s.journalHealthFn != nil {
		dbCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := s.journalHealthFn(dbCtx); err != nil {
			journalInfo.Connected = false
			journalInfo.Error = err.Error()
			overallHealthy = false
		}
	}

	status := "healthy"
	if !overallHealthy {
		status = "degraded"
	}

	stats := s.shop.Stats()
	resp := struct {
		Status  string      `json:"status"`
		Ledger  interface{} `json:"ledger"`
		Journal interface{} `json:"journal"`
		Escrows interface{} `json:"escrows"`
	}{
		Status:  status,
		Ledger:  ledgerInfo,
		Journal: journalInfo,
		Escrows: map[string]int{
			"pending":   stats.Pending,
			"fulfilled": stats.Fulfilled,
			"rejected":  stats.Rejected,
			"cached":    stats.Cached,
		},
	}

	w.Header().Set("Content-Type", "application/json")
	if !overallHealthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(resp)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug("http request",
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)),
		)
	})
}
