// Package api provides the HTTP and WebSocket server of the strategy lab.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/atlas-desktop/strategy-lab/internal/backtester"
	"github.com/atlas-desktop/strategy-lab/internal/config"
	"github.com/atlas-desktop/strategy-lab/internal/data"
	"github.com/atlas-desktop/strategy-lab/internal/discovery"
	"github.com/atlas-desktop/strategy-lab/internal/observability"
	"github.com/atlas-desktop/strategy-lab/internal/strategy"
	"github.com/atlas-desktop/strategy-lab/pkg/types"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/cors"
	"go.uber.org/zap"
)

// maxRequestBody bounds JSON request bodies, inline bar series included
const maxRequestBody = 32 << 20

// symbolLister is implemented by bar sources that can enumerate their symbols
type symbolLister interface {
	Symbols() []string
}

// Server is the HTTP/WebSocket API server
type Server struct {
	mu         sync.RWMutex
	logger     *zap.Logger
	config     config.ServerConfig
	defaults   config.BacktestConfig
	router     *mux.Router
	httpServer *http.Server
	upgrader   websocket.Upgrader
	hub        *Hub

	bars       data.BarSource
	tester     *backtester.Tester
	discoverer *discovery.Discoverer
	metrics    *observability.Metrics

	jobs   map[string]*DiscoveryJob
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewServer creates a new API server and starts its WebSocket hub. bars may
// be nil, in which case requests must carry their bars inline.
func NewServer(
	logger *zap.Logger,
	cfg config.ServerConfig,
	defaults config.BacktestConfig,
	bars data.BarSource,
	tester *backtester.Tester,
	discoverer *discovery.Discoverer,
	metrics *observability.Metrics,
) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	if cfg.WebSocketPath == "" {
		cfg.WebSocketPath = "/ws"
	}

	s := &Server{
		logger:     logger,
		config:     cfg,
		defaults:   defaults,
		router:     mux.NewRouter(),
		hub:        NewHub(logger),
		bars:       bars,
		tester:     tester,
		discoverer: discoverer,
		metrics:    metrics,
		jobs:       make(map[string]*DiscoveryJob),
		ctx:        ctx,
		cancel:     cancel,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}

	go s.hub.Run(ctx)
	s.setupRoutes()
	return s
}

// setupRoutes configures HTTP routes
func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/health", s.handleHealth).Methods("GET")
	api.HandleFunc("/strategies", s.handleListStrategies).Methods("GET")

	// Data endpoints
	api.HandleFunc("/data/symbols", s.handleGetSymbols).Methods("GET")
	api.HandleFunc("/data/validate", s.handleValidateData).Methods("POST")

	// Backtest endpoints
	api.HandleFunc("/backtest/run", s.handleRunBacktest).Methods("POST")

	// Discovery endpoints
	api.HandleFunc("/discovery/start", s.handleStartDiscovery).Methods("POST")
	api.HandleFunc("/discovery", s.handleListDiscoveries).Methods("GET")
	api.HandleFunc("/discovery/{id}", s.handleGetDiscovery).Methods("GET")
	api.HandleFunc("/discovery/{id}/cancel", s.handleCancelDiscovery).Methods("POST")

	// Registry endpoints
	api.HandleFunc("/registry/top", s.handleTopStrategies).Methods("GET")
	api.HandleFunc("/registry/recent", s.handleRecentStrategies).Methods("GET")
	api.HandleFunc("/registry/stats", s.handleRegistryStats).Methods("GET")
	api.HandleFunc("/registry/regions", s.handleRegions).Methods("GET")
	api.HandleFunc("/registry/generations", s.handleGenerations).Methods("GET")
	api.HandleFunc("/registry/cleanup", s.handleCleanup).Methods("POST")

	if s.config.EnableMetrics && s.metrics != nil {
		s.router.Handle("/metrics", s.metrics.Handler()).Methods("GET")
	}

	// WebSocket
	s.router.HandleFunc(s.config.WebSocketPath, s.handleWebSocket)
}

// Router returns the bare router
func (s *Server) Router() *mux.Router {
	return s.router
}

// Handler returns the router wrapped with CORS
func (s *Server) Handler() http.Handler {
	return cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	}).Handler(s.router)
}

// Hub returns the WebSocket hub
func (s *Server) Hub() *Hub {
	return s.hub
}

// Start serves HTTP until Stop is called
func (s *Server) Start() error {
	addr := s.config.Addr()

	s.mu.Lock()
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}
	srv := s.httpServer
	s.mu.Unlock()

	s.logger.Info("Starting API server", zap.String("addr", addr))

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to serve: %w", err)
	}
	return nil
}

// Stop cancels running discoveries, waits for them to record their
// sessions, disconnects WebSocket clients and shuts the HTTP server down.
func (s *Server) Stop(ctx context.Context) error {
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn("Timed out waiting for discovery jobs")
	}

	s.mu.RLock()
	srv := s.httpServer
	s.mu.RUnlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

// handleHealth handles health check requests
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.jsonResponse(w, map[string]interface{}{
		"status":     "healthy",
		"time":       time.Now().Unix(),
		"clients":    s.hub.ClientCount(),
		"persistent": s.discoverer.Registry().Persistent(),
	})
}

// strategyInfo describes one registered strategy
type strategyInfo struct {
	Name        string                       `json:"name"`
	Description string                       `json:"description"`
	Parameters  []strategy.StrategyParameter `json:"parameters"`
}

// handleListStrategies returns every strategy with its parameter layout
func (s *Server) handleListStrategies(w http.ResponseWriter, r *http.Request) {
	names := strategy.Available()
	out := make([]strategyInfo, 0, len(names))
	for _, name := range names {
		desc, params, err := strategy.Describe(name)
		if err != nil {
			continue
		}
		out = append(out, strategyInfo{Name: name, Description: desc, Parameters: params})
	}
	s.jsonResponse(w, map[string]interface{}{"strategies": out})
}

// handleGetSymbols returns the symbols the bar source has data for
func (s *Server) handleGetSymbols(w http.ResponseWriter, r *http.Request) {
	symbols := []string{}
	if lister, ok := s.bars.(symbolLister); ok {
		if found := lister.Symbols(); found != nil {
			symbols = found
		}
	}
	s.jsonResponse(w, map[string]interface{}{"symbols": symbols})
}

// barsRequest names a symbol to load or carries the bars inline
type barsRequest struct {
	Symbol string      `json:"symbol"`
	Bars   []types.Bar `json:"bars,omitempty"`
}

func (s *Server) loadBars(ctx context.Context, req barsRequest) ([]types.Bar, error) {
	if len(req.Bars) > 0 {
		return req.Bars, nil
	}
	if s.bars == nil {
		return nil, errors.New("no bar source configured; send bars inline")
	}
	if req.Symbol == "" {
		return nil, errors.New("symbol is required")
	}
	return s.bars.LoadBars(ctx, req.Symbol)
}

// handleValidateData runs the validator and returns its report. Fatal
// findings are reported in the body, not as an HTTP error.
func (s *Server) handleValidateData(w http.ResponseWriter, r *http.Request) {
	var req barsRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.Symbol == "" {
		req.Symbol = s.defaults.Symbol
	}

	bars, err := s.loadBars(r.Context(), req)
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	report, verr := s.tester.Validator().Validate(bars, req.Symbol)
	resp := map[string]interface{}{
		"report": report,
		"fatal":  false,
	}
	var fatal *data.FatalDataError
	if errors.As(verr, &fatal) {
		resp["fatal"] = true
	}
	if verr != nil {
		resp["error"] = verr.Error()
	}
	s.jsonResponse(w, resp)
}

// backtestRequest is the body of /backtest/run
type backtestRequest struct {
	barsRequest
	Strategy       string            `json:"strategy"`
	Parameters     []float64         `json:"parameters,omitempty"`
	InitialCapital float64           `json:"initialCapital,omitempty"`
	FeeRate        float64           `json:"feeRate,omitempty"`
	MaxBars        int               `json:"maxBars,omitempty"`
	Risk           *types.RiskConfig `json:"risk,omitempty"`
	IncludeTrades  bool              `json:"includeTrades,omitempty"`
	Save           bool              `json:"save,omitempty"`
}

// handleRunBacktest tests one strategy synchronously
func (s *Server) handleRunBacktest(w http.ResponseWriter, r *http.Request) {
	var req backtestRequest
	if !s.decode(w, r, &req) {
		return
	}
	if _, _, err := strategy.Describe(req.Strategy); err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(req.Parameters) == 0 {
		req.Parameters = strategy.DefaultParameters(req.Strategy)
	}

	cfg := s.testConfig(req.Strategy, req.Parameters, req.Symbol)
	if req.InitialCapital > 0 {
		cfg.InitialCapital = req.InitialCapital
	}
	if req.FeeRate > 0 {
		cfg.FeeRate = req.FeeRate
	}
	if req.MaxBars > 0 {
		cfg.MaxBars = req.MaxBars
	}
	cfg.Risk = req.Risk
	req.Symbol = cfg.Symbol

	bars, err := s.loadBars(r.Context(), req.barsRequest)
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	id := uuid.NewString()
	eval, err := s.tester.Evaluate(r.Context(), cfg, bars)
	if err != nil {
		var fatal *data.FatalDataError
		if errors.As(err, &fatal) || errors.Is(err, data.ErrNoData) {
			s.errorResponse(w, http.StatusUnprocessableEntity, err.Error())
			return
		}
		s.logger.Error("Backtest failed", zap.String("id", id), zap.Error(err))
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}

	resp := map[string]interface{}{
		"id":      id,
		"metrics": eval.Metrics,
		"report":  eval.Report,
	}
	if req.IncludeTrades && eval.Result != nil {
		resp["trades"] = eval.Result.Trades
		resp["episodes"] = eval.Result.Episodes
		resp["equityCurve"] = eval.Result.EquityCurve
	}
	if req.Save && eval.Metrics.Untested {
		resp["saved"] = false
	} else if req.Save {
		inserted, err := s.discoverer.Registry().SaveIfNew(r.Context(), eval.Metrics)
		if err != nil {
			s.logger.Warn("Failed to save backtest result", zap.String("id", id), zap.Error(err))
		}
		resp["saved"] = inserted
	}

	s.hub.PublishToChannel(ChannelBacktests, MsgTypeBacktestComplete, map[string]interface{}{
		"id":      id,
		"metrics": eval.Metrics,
	})
	s.jsonResponse(w, resp)
}

// testConfig applies the server's backtest defaults
func (s *Server) testConfig(name string, params []float64, symbol string) types.StrategyTestConfig {
	cfg := types.DefaultStrategyTestConfig(name, params)
	if s.defaults.Symbol != "" {
		cfg.Symbol = s.defaults.Symbol
	}
	if symbol != "" {
		cfg.Symbol = symbol
	}
	if s.defaults.InitialCapital > 0 {
		cfg.InitialCapital = s.defaults.InitialCapital
	}
	if s.defaults.MaxBars > 0 {
		cfg.MaxBars = s.defaults.MaxBars
	}
	cfg.FeeRate = s.defaults.FeeRate
	return cfg
}

// handleWebSocket upgrades the connection and attaches it to the hub
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("WebSocket upgrade failed", zap.Error(err))
		return
	}

	client := NewClient(uuid.NewString(), s.hub, conn)
	s.hub.Register(client)

	s.logger.Info("WebSocket client connected", zap.String("id", client.id))

	go client.WritePump()
	go client.ReadPump()
}

// decode reads a JSON body, answering 400 on failure
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

// queryInt reads a positive integer query parameter
func queryInt(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("invalid %s %q", name, raw)
	}
	return v, nil
}

// jsonResponse writes a JSON response.
func (s *Server) jsonResponse(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Warn("Failed to write response", zap.Error(err))
	}
}

// errorResponse writes an error response.
func (s *Server) errorResponse(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
