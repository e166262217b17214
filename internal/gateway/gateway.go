// Package gateway serves the JSON-RPC endpoint. Every request is
// authenticated, rate limited, dispatched and audited independently; the
// gateway keeps no per-session state.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/evrydayimruslin/ultralight-sub003/internal/auth"
	"github.com/evrydayimruslin/ultralight-sub003/internal/capability"
	"github.com/evrydayimruslin/ultralight-sub003/internal/platform"
	"github.com/evrydayimruslin/ultralight-sub003/internal/ratelimit"
	"github.com/evrydayimruslin/ultralight-sub003/internal/rpcerr"
	"github.com/evrydayimruslin/ultralight-sub003/internal/sharing"
	"github.com/evrydayimruslin/ultralight-sub003/internal/storage"
)

// DefaultMaxBodyBytes leaves room for a base64-encoded source bundle.
const DefaultMaxBodyBytes = 8 << 20

// PendingConverter turns pending grants into real ones on registration.
type PendingConverter interface {
	ConvertPending(ctx context.Context, email, userID string) (int, error)
}

// LibraryRenderer compiles a caller's resource index.
type LibraryRenderer interface {
	Render(ctx context.Context, userID string) (string, error)
}

// Config wires a Gateway. Limiter, Quota, Pending, Sharing and Library are
// optional.
type Config struct {
	Registry *capability.Registry
	Platform *platform.Platform
	Auth     auth.Authenticator
	Pending  PendingConverter
	Limiter  ratelimit.Limiter
	Quota    *ratelimit.Quota
	Events   storage.EventWriter
	Sharing  *sharing.Service
	Library  LibraryRenderer
	Metrics  *Metrics
	// AuthDiscoveryURL is sent with 401s so clients can find the
	// authorization server.
	AuthDiscoveryURL string
	MaxBodyBytes     int64
	ServerName       string
	ServerVersion    string
	Logger           *zap.Logger
}

// Gateway is the HTTP front of the platform.
type Gateway struct {
	cfg     Config
	metrics *Metrics
	logger  *zap.Logger
	now     func() time.Time
}

func New(cfg Config) (*Gateway, error) {
	if cfg.Registry == nil {
		return nil, errors.New("gateway: registry is required")
	}
	if cfg.Platform == nil {
		return nil, errors.New("gateway: platform is required")
	}
	if cfg.Auth == nil {
		return nil, errors.New("gateway: authenticator is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Events == nil {
		cfg.Events = storage.NewLogWriter(logger)
	}
	if cfg.Metrics == nil {
		cfg.Metrics = NewMetrics()
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if cfg.ServerName == "" {
		cfg.ServerName = "ultralight"
	}
	if cfg.ServerVersion == "" {
		cfg.ServerVersion = "dev"
	}
	return &Gateway{cfg: cfg, metrics: cfg.Metrics, logger: logger, now: time.Now}, nil
}

// Handler builds the router.
func (g *Gateway) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(requestLogging(g.logger), corsMiddleware)

	r.Get("/healthz", g.handleHealth)
	r.Handle("/metrics", g.metrics.Handler())
	r.Get("/s/{token}", g.handleSharedLink)

	for _, pattern := range []string{"/mcp", "/mcp/{group}"} {
		r.Post(pattern, g.handlePost)
		r.Get(pattern, g.handleStream)
		r.Delete(pattern, g.handleDelete)
	}
	return r
}

func (g *Gateway) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleStream answers GET: server-initiated streams are not offered.
func (g *Gateway) handleStream(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Allow", "POST, DELETE")
	writeJSON(w, http.StatusMethodNotAllowed, &Response{
		JSONRPC: "2.0",
		ID:      nullID(nil),
		Error: &ErrorObject{
			Code:    rpcerr.CodeMethodNotFound,
			Message: "server-sent event streams are not supported yet; send requests with POST",
		},
	})
}

// handleDelete acknowledges session termination. There is no session state
// to drop.
func (g *Gateway) handleDelete(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, &Response{
		JSONRPC: "2.0",
		ID:      nullID(nil),
		Result: map[string]any{
			"terminated": true,
			"session_id": r.Header.Get("Mcp-Session-Id"),
		},
	})
}

func (g *Gateway) handlePost(w http.ResponseWriter, r *http.Request) {
	start := g.now()

	body, err := io.ReadAll(io.LimitReader(r.Body, g.cfg.MaxBodyBytes+1))
	if err != nil {
		g.reply(w, "", nil, nil, rpcerr.New(rpcerr.CodeParseError, "failed to read request body"))
		return
	}
	if int64(len(body)) > g.cfg.MaxBodyBytes {
		g.reply(w, "", nil, nil, rpcerr.New(rpcerr.CodeInvalidRequest, "request body exceeds %d bytes", g.cfg.MaxBodyBytes))
		return
	}
	if bytes.HasPrefix(bytes.TrimSpace(body), []byte("[")) {
		g.reply(w, "", nil, nil, rpcerr.New(rpcerr.CodeInvalidRequest, "batch requests are not supported"))
		return
	}

	var req Request
	if err := json.Unmarshal(body, &req); err != nil {
		g.reply(w, "", nil, nil, rpcerr.New(rpcerr.CodeParseError, "invalid JSON"))
		return
	}
	if req.JSONRPC != "2.0" {
		g.reply(w, req.Method, req.ID, nil, rpcerr.New(rpcerr.CodeInvalidRequest, `jsonrpc must be "2.0"`))
		return
	}
	if req.Method == "" {
		g.reply(w, "", req.ID, nil, rpcerr.New(rpcerr.CodeInvalidRequest, "method is required"))
		return
	}
	if req.isNotification() {
		g.metrics.request(req.Method, 0)
		w.WriteHeader(http.StatusAccepted)
		return
	}

	group := chi.URLParam(r, "group")
	if group != "" {
		if _, ok := capabilityGroups[group]; !ok {
			g.reply(w, req.Method, req.ID, nil, rpcerr.NotFound("unknown capability group %q", group))
			return
		}
	}

	caller, err := g.authenticate(r)
	if err != nil {
		g.writeAuthError(w, &req, err)
		return
	}

	ev := &storage.AuditEvent{
		RequestID: uuid.NewString(),
		Timestamp: start.UTC(),
		UserID:    caller.UserID,
		Tier:      caller.Tier,
		Method:    canonicalMethod(req.Method),
		SessionID: r.Header.Get("Mcp-Session-Id"),
		Source:    "gateway",
	}
	result, rerr := g.serve(r.Context(), w, caller, group, &req, ev)

	ev.Success = rerr == nil
	if rerr != nil {
		ev.ErrorCode = int32(rerr.Code)
		ev.ErrorMessage = storage.TruncatePayload(rerr.Message, storage.PayloadPreviewLength)
	}
	ev.DurationMs = float32(float64(g.now().Sub(start)) / float64(time.Millisecond))
	g.cfg.Events.Write(ev)

	if req.Method == "initialize" && rerr == nil {
		w.Header().Set("Mcp-Session-Id", uuid.NewString())
	}
	g.reply(w, req.Method, req.ID, result, rerr)
}

// reply writes the response and counts it.
func (g *Gateway) reply(w http.ResponseWriter, method string, id json.RawMessage, result any, rerr *rpcerr.Error) {
	if method == "" {
		method = "invalid"
	}
	if rerr != nil {
		g.metrics.request(method, rerr.Code)
		writeError(w, id, rerr)
		return
	}
	g.metrics.request(method, 0)
	writeResult(w, id, result)
}

// serve applies the rate limit and dispatches on method.
func (g *Gateway) serve(ctx context.Context, w http.ResponseWriter, caller *platform.Caller, group string, req *Request, ev *storage.AuditEvent) (any, *rpcerr.Error) {
	method := canonicalMethod(req.Method)
	if rerr := g.checkRate(ctx, w, caller, method); rerr != nil {
		return nil, rerr
	}

	switch method {
	case "initialize":
		return g.initialize(req), nil
	case "ping":
		return map[string]any{}, nil
	case "capabilities/list":
		return g.listCapabilities(group), nil
	case "capabilities/invoke":
		return g.invoke(ctx, caller, group, req, ev)
	case "resources/list":
		return listResources(), nil
	case "resources/read":
		return g.readResource(ctx, caller, req)
	default:
		return nil, rpcerr.New(rpcerr.CodeMethodNotFound, "method not found: %s", req.Method)
	}
}

// methodAliases maps MCP tool method names onto the gateway's own.
var methodAliases = map[string]string{
	"tools/list": "capabilities/list",
	"tools/call": "capabilities/invoke",
}

// canonicalMethod keys rate limits and audit records, so aliases share both.
func canonicalMethod(method string) string {
	if m, ok := methodAliases[method]; ok {
		return m
	}
	return method
}

func (g *Gateway) authenticate(r *http.Request) (*platform.Caller, error) {
	token, err := auth.ExtractBearerToken(r)
	if err != nil {
		return nil, err
	}
	id, err := g.cfg.Auth.Authenticate(r.Context(), token)
	if err != nil {
		return nil, err
	}

	if id.NewlyRegistered && id.Email != "" && g.cfg.Pending != nil {
		n, err := g.cfg.Pending.ConvertPending(r.Context(), id.Email, id.UserID)
		if err != nil {
			g.logger.Warn("pending grant conversion failed",
				zap.String("user_id", id.UserID),
				zap.Error(err),
			)
		} else if n > 0 {
			g.logger.Info("pending grants converted on registration",
				zap.String("user_id", id.UserID),
				zap.Int("resources", n),
			)
		}
	}

	return &platform.Caller{
		UserID:   id.UserID,
		Email:    id.Email,
		Tier:     id.Tier,
		RemoteIP: remoteIP(r),
	}, nil
}

func (g *Gateway) writeAuthError(w http.ResponseWriter, req *Request, err error) {
	ae, ok := auth.AsAuthError(err)
	if !ok {
		g.logger.Error("authentication backend failed", zap.Error(err))
		g.reply(w, req.Method, req.ID, nil, rpcerr.New(rpcerr.CodeInternalError, "internal error"))
		return
	}
	g.metrics.reject("auth_" + ae.Kind)

	challenge := `Bearer error="invalid_token"`
	if ae.Kind == auth.KindMissing {
		challenge = "Bearer"
	}
	data := map[string]any{"type": ae.Kind}
	if g.cfg.AuthDiscoveryURL != "" {
		challenge += `, resource_metadata="` + g.cfg.AuthDiscoveryURL + `"`
		data["discovery"] = g.cfg.AuthDiscoveryURL
	}
	w.Header().Set("WWW-Authenticate", challenge)
	g.reply(w, req.Method, req.ID, nil, rpcerr.New(rpcerr.CodeAuthRequired, "authentication %s", ae.Kind).WithData(data))
}

// checkRate fails open when the limiter itself errors.
func (g *Gateway) checkRate(ctx context.Context, w http.ResponseWriter, caller *platform.Caller, method string) *rpcerr.Error {
	if g.cfg.Limiter == nil {
		return nil
	}
	d, err := g.cfg.Limiter.Allow(ctx, caller.UserID, method)
	if err != nil {
		g.logger.Warn("rate limiter unavailable, allowing",
			zap.String("user_id", caller.UserID),
			zap.String("method", method),
			zap.Error(err),
		)
		return nil
	}
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	if d.Allowed {
		return nil
	}

	g.metrics.reject("rate_limit")
	retry := int(math.Ceil(d.ResetAt.Sub(g.now()).Seconds()))
	if retry < 1 {
		retry = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(retry))
	return rpcerr.New(rpcerr.CodeRateLimited, "rate limit exceeded for %s", method).WithData(map[string]any{
		"limit":               d.Limit,
		"reset_at":            d.ResetAt.UTC().Format(time.RFC3339),
		"retry_after_seconds": retry,
	})
}

func remoteIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
