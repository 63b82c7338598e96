package jsonrpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jeeves-cluster-organization/shippingagent/coreengine/agent"
	"github.com/jeeves-cluster-organization/shippingagent/coreengine/auth"
	"github.com/jeeves-cluster-organization/shippingagent/coreengine/kernel"
	"github.com/jeeves-cluster-organization/shippingagent/coreengine/observability"
	"github.com/jeeves-cluster-organization/shippingagent/coreengine/orders"
)

// Logger is the logging interface used by the server.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// Agent runs conversation turns. *agent.ShippingAgent satisfies it.
type Agent interface {
	Turn(ctx context.Context, task *kernel.Task) (kernel.TurnResult, error)
	ProcessMessageStream(ctx context.Context, message, contextID string, onChunk func(string) error) (agent.Reply, error)
}

const (
	maxBodyBytes = 1 << 20

	// authRealm is announced in WWW-Authenticate on 401 responses.
	authRealm = `Bearer realm="Adobe IMS"`
)

// =============================================================================
// Server
// =============================================================================

// Server serves the task protocol over HTTP.
type Server struct {
	kernel    *kernel.Kernel
	agent     Agent
	orders    orders.Store
	validator auth.Validator
	sessions  *auth.SessionManager
	card      AgentCard
	logger    Logger
	now       func() time.Time

	shutdownTimeout time.Duration
}

// Option configures a Server.
type Option func(*Server)

// WithValidator enables bearer-token authentication on /a2a. Without a
// validator every caller is served as the anonymous identity.
func WithValidator(v auth.Validator) Option {
	return func(s *Server) { s.validator = v }
}

// WithSessions replaces the session manager.
func WithSessions(m *auth.SessionManager) Option {
	return func(s *Server) {
		if m != nil {
			s.sessions = m
		}
	}
}

// WithOrderStore enables the /orders listing.
func WithOrderStore(store orders.Store) Option {
	return func(s *Server) { s.orders = store }
}

// WithAgentCard sets the discovery document.
func WithAgentCard(card AgentCard) Option {
	return func(s *Server) { s.card = card }
}

// WithLogger sets the logger.
func WithLogger(l Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithClock sets the clock used for anonymous identities.
func WithClock(now func() time.Time) Option {
	return func(s *Server) { s.now = now }
}

// NewServer creates a server that runs turns of a through k.
func NewServer(k *kernel.Kernel, a Agent, opts ...Option) *Server {
	s := &Server{
		kernel:          k,
		agent:           a,
		sessions:        auth.NewSessionManager(),
		card:            DefaultAgentCard("Brand Concierge Reference Agent", "", "0.1.0"),
		now:             time.Now,
		shutdownTimeout: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Sessions returns the session manager.
func (s *Server) Sessions() *auth.SessionManager {
	return s.sessions
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /a2a", s.handleRPC)
	mux.HandleFunc("GET /.well-known/agent.json", s.handleCard)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /orders", s.handleOrders)
	return mux
}

// ListenAndServe serves on addr until ctx is done, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil && s.logger != nil {
			s.logger.Warn("http_shutdown_failed", "error", err.Error())
		}
	}()

	if s.logger != nil {
		s.logger.Info("http_listening", "addr", addr)
	}
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	<-done
	return nil
}

// =============================================================================
// JSON-RPC Endpoint
// =============================================================================

func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	started := time.Now()

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		s.respond(w, "", failure(nil, errParse()), started)
		return
	}

	session, err := s.authenticate(r, contextIDFromBody(body))
	if err != nil {
		s.rejectAuth(w, err)
		return
	}

	req, rpcErr := parseRequest(body)
	if rpcErr != nil {
		s.respond(w, req.Method, failure(req.ID, rpcErr), started)
		return
	}

	if req.Method == MethodStream {
		s.stream(r.Context(), w, req, session, started)
		return
	}

	res, err := kernel.SafeExecuteWithResult(s.logger, "rpc:"+req.Method, func() (any, error) {
		v, e := s.dispatch(r.Context(), req, session)
		if e != nil {
			return nil, e
		}
		return v, nil
	})
	if err != nil {
		s.respond(w, req.Method, failure(req.ID, asRPCError(err)), started)
		return
	}
	s.respond(w, req.Method, result(req.ID, res), started)
}

// parseRequest validates the envelope. The returned Request carries the id
// and method even when validation fails so the error can echo the id.
func parseRequest(body []byte) (Request, *Error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return Request{}, errParse()
	}
	req := Request{ID: raw["id"], Params: raw["params"]}

	var version string
	if err := json.Unmarshal(raw["jsonrpc"], &version); err != nil || version != Version {
		return req, errNotJSONRPC()
	}
	if err := json.Unmarshal(raw["method"], &req.Method); err != nil || req.Method == "" {
		return req, errMethodRequired()
	}
	req.JSONRPC = version
	return req, nil
}

func (s *Server) dispatch(ctx context.Context, req Request, session auth.Session) (any, *Error) {
	switch req.Method {
	case MethodSend:
		return s.send(ctx, req.Params, session)
	case MethodGet:
		return s.getTask(req.Params)
	case MethodList:
		return s.listTasks(req.Params)
	case MethodCancel:
		return s.cancelTask(ctx, req.Params)
	default:
		return nil, errMethodNotFound(req.Method)
	}
}

// =============================================================================
// Methods
// =============================================================================

func (s *Server) send(ctx context.Context, raw json.RawMessage, session auth.Session) (*kernel.Task, *Error) {
	submit, rpcErr := s.submitRequest(raw, session)
	if rpcErr != nil {
		return nil, rpcErr
	}
	task, err := s.kernel.RunTurn(ctx, submit, s.agent.Turn)
	if err != nil {
		return nil, submitError(err)
	}
	return task, nil
}

// submitRequest turns message/send params into a kernel submission. The
// context id comes from the request configuration, else from the session.
func (s *Server) submitRequest(raw json.RawMessage, session auth.Session) (kernel.SubmitRequest, *Error) {
	var p SendParams
	if e := decodeParams(raw, &p); e != nil {
		return kernel.SubmitRequest{}, e
	}
	if p.Message == nil {
		return kernel.SubmitRequest{}, errApplication("message is required")
	}
	if p.Message.Role == "" {
		p.Message.Role = kernel.RoleUser
	}

	if limit := s.kernel.CheckRateLimit(session.UserID(), MethodSend); !limit.Allowed {
		observability.RecordRateLimited(limit.LimitType)
		return kernel.SubmitRequest{}, errRateLimited(limit)
	}

	contextID := p.Configuration.ContextID
	if contextID == "" {
		contextID = session.ContextID
	}
	return kernel.SubmitRequest{
		TaskID:    p.Configuration.TaskID,
		ContextID: contextID,
		Message:   *p.Message,
		UserID:    session.UserID(),
		Surface:   session.Surface,
	}, nil
}

func submitError(err error) *Error {
	if errors.Is(err, kernel.ErrTaskExists) {
		return errApplication(err.Error())
	}
	return errInternal(err)
}

func (s *Server) getTask(raw json.RawMessage) (*kernel.Task, *Error) {
	var p TaskIDParams
	if e := decodeParams(raw, &p); e != nil {
		return nil, e
	}
	if p.TaskID == "" {
		return nil, errApplication("taskId is required")
	}
	task, ok := s.kernel.GetTask(p.TaskID)
	if !ok {
		return nil, errApplication("Task not found")
	}
	return task, nil
}

func (s *Server) listTasks(raw json.RawMessage) ([]*kernel.Task, *Error) {
	var p ListParams
	if e := decodeParams(raw, &p); e != nil {
		return nil, e
	}
	tasks := s.kernel.ListTasks(p.ContextID)
	if tasks == nil {
		tasks = []*kernel.Task{}
	}
	return tasks, nil
}

func (s *Server) cancelTask(ctx context.Context, raw json.RawMessage) (*kernel.Task, *Error) {
	var p TaskIDParams
	if e := decodeParams(raw, &p); e != nil {
		return nil, e
	}
	if p.TaskID == "" {
		return nil, errApplication("taskId is required")
	}
	task, err := s.kernel.CancelTask(ctx, p.TaskID)
	if errors.Is(err, kernel.ErrTaskNotFound) {
		return nil, errApplication("Task not found")
	}
	if err != nil {
		return nil, errInternal(err)
	}
	return task, nil
}

// =============================================================================
// Streaming
// =============================================================================

// stream answers message/stream with server-sent events: one StreamChunk
// result per reply chunk, then the final task (or an error) as the last
// event.
func (s *Server) stream(ctx context.Context, w http.ResponseWriter, req Request, session auth.Session, started time.Time) {
	submit, rpcErr := s.submitRequest(req.Params, session)
	if rpcErr != nil {
		s.respond(w, req.Method, failure(req.ID, rpcErr), started)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.respond(w, req.Method, failure(req.ID, errInternal(errors.New("streaming unsupported"))), started)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	emit := func(resp Response) error {
		data, err := json.Marshal(resp)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	task, err := s.kernel.RunTurn(ctx, submit, func(ctx context.Context, task *kernel.Task) (kernel.TurnResult, error) {
		reply, err := s.agent.ProcessMessageStream(ctx, task.Messages[0].Text(), task.ContextID, func(chunk string) error {
			return emit(result(req.ID, StreamChunk{
				Kind:      "chunk",
				TaskID:    task.ID,
				ContextID: task.ContextID,
				Text:      chunk,
			}))
		})
		if err != nil {
			return kernel.TurnResult{}, err
		}
		return kernel.TurnResult{Reply: reply.Text, Outcome: string(reply.Outcome), Mode: reply.Mode}, nil
	})

	final := result(req.ID, task)
	code := "ok"
	if err != nil {
		e := submitError(err)
		final = failure(req.ID, e)
		code = strconv.Itoa(e.Code)
	}
	if err := emit(final); err != nil && s.logger != nil {
		s.logger.Warn("stream_write_failed", "error", err.Error())
	}
	s.record(req.Method, code, started)
}

// =============================================================================
// Authentication
// =============================================================================

// authenticate validates the caller and opens (or reuses) the session for
// contextID.
func (s *Server) authenticate(r *http.Request, contextID string) (auth.Session, error) {
	var id *auth.Identity
	if s.validator == nil {
		id = auth.Anonymous(s.now())
	} else {
		token := auth.ExtractBearerToken(r.Header.Get("Authorization"))
		v, err := s.validator.Validate(r.Context(), token)
		if err != nil {
			return auth.Session{}, err
		}
		id = v
	}
	return s.sessions.Open(*id, auth.DetectSurface(r.Header), contextID), nil
}

func (s *Server) rejectAuth(w http.ResponseWriter, err error) {
	msg := "Authentication required"
	var v *auth.ValidationError
	if errors.As(err, &v) {
		msg = v.Message
	}
	if s.logger != nil {
		s.logger.Info("auth_rejected", "error", msg)
	}
	w.Header().Set("WWW-Authenticate", authRealm)
	s.writeJSON(w, http.StatusUnauthorized, map[string]string{"error": msg})
}

// =============================================================================
// Plain Routes
// =============================================================================

func (s *Server) handleCard(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.card)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":   "healthy",
		"service":  s.card.Name,
		"version":  s.card.Version,
		"kernel":   s.kernel.GetSystemStatus(),
		"sessions": s.sessions.Len(),
	})
}

// OrdersPage is the body of GET /orders.
type OrdersPage struct {
	Orders        []orders.Order `json:"orders"`
	Count         int            `json:"count"`
	LatestOrderID string         `json:"latest_order_id"`
}

func (s *Server) handleOrders(w http.ResponseWriter, r *http.Request) {
	if s.orders == nil {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "order store not configured"})
		return
	}
	list, err := s.orders.List(r.Context())
	if err == nil && list == nil {
		list = []orders.Order{}
	}
	var latest string
	if err == nil {
		latest, err = s.orders.LatestUpdatedID(r.Context())
	}
	if err != nil {
		if s.logger != nil {
			s.logger.Error("orders_list_failed", "error", err.Error())
		}
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	s.writeJSON(w, http.StatusOK, OrdersPage{Orders: list, Count: len(list), LatestOrderID: latest})
}

// =============================================================================
// Helpers
// =============================================================================

func (s *Server) respond(w http.ResponseWriter, method string, resp Response, started time.Time) {
	code := "ok"
	if resp.Error != nil {
		code = strconv.Itoa(resp.Error.Code)
	}
	s.writeJSON(w, http.StatusOK, resp)
	s.record(method, code, started)
}

func (s *Server) record(method, code string, started time.Time) {
	if method == "" {
		method = "unknown"
	}
	durationMS := int(time.Since(started).Milliseconds())
	observability.RecordRPCRequest(method, code, durationMS)
	if s.logger != nil {
		s.logger.Debug("rpc_request", "method", method, "code", code, "duration_ms", durationMS)
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil && s.logger != nil {
		s.logger.Warn("response_write_failed", "error", err.Error())
	}
}

// asRPCError maps a dispatch failure to its wire error. Recovered panics
// and other unexpected errors become internal errors.
func asRPCError(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return errInternal(err)
}
