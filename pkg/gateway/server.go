package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"

	"github.com/harun/toolhub/internal/tracing"
	"github.com/harun/toolhub/pkg/history"
	"github.com/harun/toolhub/pkg/toolexecutor"
)

// TraceHeader carries a caller supplied trace id on HTTP requests.
const TraceHeader = "X-Trace-Id"

// Server is the toolhub admin server: a JSON HTTP API under /v1, JSON-RPC
// over /rpc and /ws, and an executor event stream on /ws.
type Server struct {
	host          string
	port          int
	tickInterval  time.Duration
	readTimeout   time.Duration
	writeTimeout  time.Duration
	rateLimit     int
	maxConcurrent int

	executor  *toolexecutor.ToolExecutor
	approvals *toolexecutor.QueuedApprovalHandler
	history   *history.Store
	metrics   http.Handler

	server      *http.Server
	listener    net.Listener
	handler     http.Handler
	upgrader    websocket.Upgrader
	clients     *ClientRegistry
	router      *RPCRouter
	authHandler *AuthHandler
	broadcaster *EventBroadcaster
	limiters    *LimiterSet
	logger      zerolog.Logger

	baseCtx    context.Context
	cancelBase context.CancelFunc

	shutdownMu     sync.RWMutex
	isShuttingDown bool
	inFlightReqs   sync.WaitGroup
	detachEvents   func()
	tickCancel     context.CancelFunc
	tickWG         sync.WaitGroup
}

// Config holds server configuration
type Config struct {
	Host         string
	Port         int
	SharedSecret string
	// RateLimit is the per client request budget per minute.
	RateLimit     int
	MaxConcurrent int
	// MaxClientsPerIP caps websocket connections per remote address.
	MaxClientsPerIP int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	TickInterval    time.Duration
	Executor        *toolexecutor.ToolExecutor
	// Approvals enables the /v1/approvals endpoints and approval RPCs.
	Approvals *toolexecutor.QueuedApprovalHandler
	// History enables the /v1/history endpoints.
	History *history.Store
	// Metrics is served on /metrics when set.
	Metrics http.Handler
	Logger  zerolog.Logger
}

// NewServer creates the admin server. Port 0 binds an ephemeral port.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Port < 0 || cfg.Port > 65535 {
		return nil, fmt.Errorf("invalid port: %d", cfg.Port)
	}
	if cfg.Executor == nil {
		return nil, fmt.Errorf("tool executor is required")
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 30 * time.Second
	}

	clients := NewClientRegistry(cfg.MaxClientsPerIP)
	logger := cfg.Logger.With().Str("component", "gateway").Logger()
	baseCtx, cancel := context.WithCancel(context.Background())

	s := &Server{
		host:          cfg.Host,
		port:          cfg.Port,
		tickInterval:  cfg.TickInterval,
		readTimeout:   cfg.ReadTimeout,
		writeTimeout:  cfg.WriteTimeout,
		rateLimit:     cfg.RateLimit,
		maxConcurrent: cfg.MaxConcurrent,
		executor:      cfg.Executor,
		approvals:     cfg.Approvals,
		history:       cfg.History,
		metrics:       cfg.Metrics,
		clients:       clients,
		router:        NewRPCRouter(),
		authHandler:   NewAuthHandler(cfg.SharedSecret),
		broadcaster:   NewEventBroadcaster(clients, logger),
		limiters:      NewLimiterSet(cfg.RateLimit, cfg.MaxConcurrent),
		logger:        logger,
		baseCtx:       baseCtx,
		cancelBase:    cancel,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}

	s.registerBuiltinMethods()
	s.handler = s.routes()

	return s, nil
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /ws", s.handleWebSocket)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics)
	}

	protect := func(h http.Handler) http.Handler {
		return s.limiters.Middleware(s.authHandler.Middleware(s.traceMiddleware(h)))
	}
	mux.Handle("/v1/", protect(s.apiRoutes()))
	mux.Handle("POST /rpc", protect(http.HandlerFunc(s.handleRPC)))
	return mux
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ApprovalNotifier returns a notifier that broadcasts queued approvals.
func (s *Server) ApprovalNotifier() toolexecutor.ApprovalNotifier {
	return NewApprovalForwarder(s.broadcaster)
}

// Start binds the listener, subscribes to executor events and serves in
// the background.
func (s *Server) Start() error {
	addr := net.JoinHostPort(s.host, strconv.Itoa(s.port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = ln

	s.server = &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       s.readTimeout,
		WriteTimeout:      s.writeTimeout,
	}

	s.detachEvents = s.broadcaster.Attach(s.executor.Events())

	s.logger.Info().Str("addr", ln.Addr().String()).Msg("Starting gateway server")

	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("Gateway server error")
		}
	}()

	s.startTickEmitter()
	return nil
}

// Addr returns the bound listener address, or "" before Start.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop drains in-flight websocket requests until ctx ends, closes client
// connections and shuts the HTTP server down.
func (s *Server) Stop(ctx context.Context) error {
	s.shutdownMu.Lock()
	if s.isShuttingDown {
		s.shutdownMu.Unlock()
		return nil
	}
	s.isShuttingDown = true
	s.shutdownMu.Unlock()

	s.logger.Info().Msg("Shutting down gateway server")
	s.stopTickEmitter()
	if s.detachEvents != nil {
		s.detachEvents()
	}

	s.broadcaster.Broadcast("server.shutdown", map[string]interface{}{
		"message": "Server is shutting down",
	})

	done := make(chan struct{})
	go func() {
		s.inFlightReqs.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn().Msg("Shutdown deadline reached, cancelling in-flight requests")
	}
	s.cancelBase()

	closed := s.clients.CloseAll()
	s.logger.Debug().Int("clients", closed).Msg("Closed websocket clients")

	if s.server != nil {
		if err := s.server.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shutdown server: %w", err)
		}
	}

	s.logger.Info().Msg("Gateway server stopped")
	return nil
}

func (s *Server) shuttingDown() bool {
	s.shutdownMu.RLock()
	defer s.shutdownMu.RUnlock()

	return s.isShuttingDown
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	status := "ok"
	code := http.StatusOK
	if s.shuttingDown() {
		status = "shutting_down"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]interface{}{
		"status":            status,
		"tools":             len(s.executor.GetTools(toolexecutor.ToolFilter{})),
		"active_executions": s.executor.ActiveExecutions(),
		"clients":           s.clients.Count(),
	})
}

// traceMiddleware attaches the caller's trace id, or a fresh one, to the
// request context and echoes it back.
func (s *Server) traceMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceID := r.Header.Get(TraceHeader)
		if traceID == "" {
			traceID = tracing.NewTraceID()
		}
		ctx := tracing.WithTraceID(r.Context(), traceID)
		w.Header().Set(TraceHeader, traceID)

		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r.WithContext(ctx))

		logger := tracing.Logger(ctx, s.logger)
		logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("duration", time.Since(start)).
			Msg("HTTP request")
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) startTickEmitter() {
	tickCtx, cancel := context.WithCancel(s.baseCtx)
	s.tickCancel = cancel
	s.tickWG.Add(1)

	go func() {
		defer s.tickWG.Done()

		ticker := time.NewTicker(s.tickInterval)
		defer ticker.Stop()

		for {
			select {
			case <-tickCtx.Done():
				return
			case <-ticker.C:
				m := s.executor.GetMetrics()
				s.broadcaster.BroadcastTyped(EventMessage{
					Event:  "tick",
					Stream: StreamTypeLifecycle,
					Phase:  "tick",
					Data: map[string]interface{}{
						"status":            "alive",
						"active_executions": m.ActiveExecutions,
						"total_executions":  m.TotalExecutions,
					},
				})
				s.limiters.Evict()
				s.dropExpiredHandshakes()
			}
		}
	}()
}

// dropExpiredHandshakes disconnects clients that never answered their auth
// challenge.
func (s *Server) dropExpiredHandshakes() {
	for _, client := range s.clients.ExpireHandshakes(time.Now()) {
		s.logger.Info().Str("clientId", client.ID).Msg("Auth challenge expired, disconnecting")
		_ = client.Conn.Close()
	}
}

func (s *Server) stopTickEmitter() {
	if s.tickCancel != nil {
		s.tickCancel()
		s.tickCancel = nil
	}
	s.tickWG.Wait()
}

// handleWebSocket upgrades the connection and starts the handshake. Without
// a shared secret clients are authenticated immediately.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.shuttingDown() {
		http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to upgrade connection")
		return
	}

	clientID, err := gonanoid.New()
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to generate client id")
		_ = conn.Close()
		return
	}
	now := time.Now()
	client := &Client{
		ID:           clientID,
		Conn:         conn,
		ConnectedAt:  now,
		LastActivity: now,
		IPAddress:    remoteHost(r),
		RateLimiter:  NewClientRateLimiter(s.rateLimit, s.maxConcurrent),
		State:        StateConnecting,
	}

	if !s.authHandler.Enabled() {
		client.Authenticated = true
		client.State = StateAuthenticated
	}
	if err := s.clients.Add(client); err != nil {
		s.logger.Warn().Str("ip", client.IPAddress).Msg("Rejected connection over per-address limit")
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, err.Error()),
			time.Now().Add(time.Second))
		_ = conn.Close()
		return
	}

	s.logger.Info().
		Str("clientId", clientID).
		Str("ip", client.IPAddress).
		Msg("Client connected")

	if err := s.greet(client); err != nil {
		s.logger.Error().Err(err).Str("clientId", clientID).Msg("Failed to send handshake")
		_ = conn.Close()
		s.clients.Remove(clientID)
		return
	}

	go s.handleClient(client)
}

func (s *Server) greet(client *Client) error {
	if client.Authenticated {
		return client.WriteJSON(AuthResult{Event: "auth.success", Success: true})
	}

	var challenge string
	var err error
	s.clients.Update(func() {
		challenge, err = s.authHandler.IssueChallenge(client)
	})
	if err != nil {
		return err
	}
	return client.WriteJSON(AuthChallenge{
		Event:     "auth.challenge",
		Challenge: challenge,
	})
}

func (s *Server) handleClient(client *Client) {
	defer func() {
		_ = client.Conn.Close()
		s.clients.Remove(client.ID)
		s.logger.Info().Str("clientId", client.ID).Msg("Client disconnected")
	}()

	for {
		_, message, err := client.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.logger.Warn().Err(err).Str("clientId", client.ID).Msg("WebSocket error")
			}
			return
		}

		s.clients.Touch(client.ID)
		if !s.handleMessage(client, message) {
			return
		}
	}
}

// handleMessage processes one frame and reports whether the connection
// should stay open.
func (s *Server) handleMessage(client *Client, message []byte) bool {
	var authResp AuthResponse
	if err := json.Unmarshal(message, &authResp); err == nil && authResp.Method == "auth.response" {
		return s.handleAuthMessage(client, authResp)
	}

	var authenticated bool
	s.clients.Update(func() { authenticated = client.Authenticated })
	if !authenticated {
		s.sendError(client, "", AuthenticationRequired, "Authentication required")
		return true
	}

	req, err := s.router.ParseRequest(message)
	if err != nil {
		var rpcErr *RPCError
		if errors.As(err, &rpcErr) {
			s.sendError(client, "", rpcErr.Code, rpcErr.Message)
		} else {
			s.sendError(client, "", ParseError, err.Error())
		}
		return true
	}

	release, reason := client.RateLimiter.Acquire()
	if release == nil {
		code := RateLimitExceeded
		if reason == reasonTooConcurrent {
			code = TooManyConcurrent
		}
		s.sendError(client, req.ID, code, reason)
		return true
	}

	s.inFlightReqs.Add(1)
	go func() {
		defer s.inFlightReqs.Done()
		defer release()

		ctx := withClientID(tracing.EnsureTraceID(s.baseCtx), client.ID)
		response := s.router.RouteRequest(ctx, req)
		if err := client.WriteJSON(response); err != nil {
			s.logger.Warn().
				Err(err).
				Str("clientId", client.ID).
				Str("requestId", req.ID).
				Msg("Failed to send response")
		}
	}()
	return true
}

func (s *Server) handleAuthMessage(client *Client, authResp AuthResponse) bool {
	var result AuthResult
	var attempts int
	s.clients.Update(func() {
		result = s.authHandler.HandleAuthResponse(client, authResp.Signature)
		attempts = client.AuthAttempts
	})

	if err := client.WriteJSON(result); err != nil {
		s.logger.Error().Err(err).Str("clientId", client.ID).Msg("Failed to send auth result")
		return false
	}

	if !result.Success {
		s.logger.Warn().
			Str("clientId", client.ID).
			Str("reason", result.Message).
			Msg("Authentication failed")
		return attempts < maxAuthAttempts
	}

	s.logger.Info().Str("clientId", client.ID).Msg("Client authenticated")
	return true
}

// handleRPC serves single-shot JSON-RPC calls over HTTP.
func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	req, err := s.router.ParseRequest(body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, RPCResponse{JSONRPC: "2.0", Error: toRPCError(err)})
		return
	}

	ctx := withClientID(r.Context(), "http:"+remoteHost(r))
	logger := tracing.Logger(ctx, s.logger)
	logger.Debug().
		Str("request_id", req.ID).
		Str("method", req.Method).
		Msg("Gateway received HTTP RPC request")

	writeJSON(w, http.StatusOK, s.router.RouteRequest(ctx, req))
}

func (s *Server) sendError(client *Client, requestID string, code int, message string) {
	response := RPCResponse{
		ID:      requestID,
		JSONRPC: "2.0",
		Error: &RPCError{
			Code:    code,
			Message: message,
		},
	}

	if err := client.WriteJSON(response); err != nil {
		s.logger.Warn().
			Err(err).
			Str("clientId", client.ID).
			Msg("Failed to send error response")
	}
}

// Broadcast sends an event to all authenticated clients.
func (s *Server) Broadcast(event string, data interface{}) {
	s.broadcaster.Broadcast(event, data)
}

// RegisterMethod adds an RPC method.
func (s *Server) RegisterMethod(name string, handler RequestHandler) error {
	return s.router.RegisterMethod(name, handler)
}

// ConnectedClients describes the connected websocket clients.
func (s *Server) ConnectedClients() []ClientInfo {
	return s.clients.Snapshot()
}
