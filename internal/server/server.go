package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/pgourlain/PGrok/internal/correlator"
	"github.com/pgourlain/PGrok/internal/logging"
	"github.com/pgourlain/PGrok/internal/protocol"
)

const (
	defaultMaxBodySize    = 10 * 1024 * 1024
	defaultRequestTimeout = 120 * time.Second
	defaultIdleTimeout    = 30 * time.Minute
	defaultReapInterval   = 5 * time.Minute
)

// Config holds server configuration.
type Config struct {
	Addr           string
	TCPAddr        string // when set, the server also relays raw TCP
	SingleTunnel   bool
	MaxBodySize    int64
	MaxHistory     int
	RequestTimeout time.Duration
	IdleTimeout    time.Duration
	ReapInterval   time.Duration

	// Auth, when set, can reject a control-channel upgrade before the
	// handshake completes.
	Auth func(*http.Request) error
}

// Server is the public side of the relay: it accepts control channels at
// /tunnel and routes public HTTP and TCP traffic onto them.
type Server struct {
	cfg      Config
	log      *logging.Logger
	registry *Registry
	store    *RequestStore
	tcp      *TCPRelay
	upgrader websocket.Upgrader

	ctx context.Context // root context, set by Run
}

// New creates a server.
func New(cfg Config, log *logging.Logger) *Server {
	if cfg.MaxBodySize == 0 {
		cfg.MaxBodySize = defaultMaxBodySize
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = defaultIdleTimeout
	}
	if cfg.ReapInterval == 0 {
		cfg.ReapInterval = defaultReapInterval
	}

	s := &Server{
		cfg:      cfg,
		log:      log,
		registry: NewRegistry(cfg.SingleTunnel),
		store:    NewRequestStore(cfg.MaxHistory),
	}
	if cfg.TCPAddr != "" {
		s.tcp = NewTCPRelay(cfg.TCPAddr, log)
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		// CLI clients send no Origin header
		CheckOrigin: func(*http.Request) bool { return true },
	}
	return s
}

// Handler returns the public HTTP handler. Exposed for tests.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/tunnel", s.handleTunnel)
	r.HandleFunc("/$status", s.handleStatus)
	r.HandleFunc("/$api/tunnels/{tunnel_id}/requests", s.handleListRequests).Methods("GET")
	r.HandleFunc("/$api/tunnels/{tunnel_id}/requests/{request_id}/replay", s.handleReplay).Methods("POST")
	r.PathPrefix("/").HandlerFunc(s.handlePublic)
	return r
}

// Run serves until ctx is cancelled, then drains and shuts down.
func (s *Server) Run(ctx context.Context) error {
	s.ctx = ctx

	srv := &http.Server{
		Addr:    s.cfg.Addr,
		Handler: s.Handler(),
	}

	go s.reapLoop(ctx)

	errCh := make(chan error, 2)
	go func() {
		s.log.Info("server listening on %s", s.cfg.Addr)
		errCh <- srv.ListenAndServe()
	}()
	if s.tcp != nil {
		go func() {
			errCh <- s.tcp.Run(ctx)
		}()
	}

	select {
	case <-ctx.Done():
		s.log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.registry.CloseAll()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// handleTunnel accepts a control-channel upgrade at /tunnel?id=<id>.
func (s *Server) handleTunnel(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Auth != nil {
		if err := s.cfg.Auth(r); err != nil {
			s.log.Warn("rejected control channel from %s: %v", r.RemoteAddr, err)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("upgrade failed for %s: %v", r.RemoteAddr, err)
		return
	}

	id := r.URL.Query().Get("id")
	if id == "" {
		id = uuid.NewString()
	}

	codec := protocol.NewCodec(conn)
	tunnel := NewTunnel(id, codec, s.dispatchSibling, s.log)

	if err := s.registry.Register(tunnel); err != nil {
		s.log.Warn("rejected tunnel %q from %s: %v", id, r.RemoteAddr, err)
		policyClose(codec, err.Error())
		return
	}
	if s.tcp != nil {
		if err := s.tcp.Attach(tunnel); err != nil {
			s.registry.Remove(id)
			s.log.Warn("rejected tcp client %q from %s: %v", id, r.RemoteAddr, err)
			policyClose(codec, err.Error())
			return
		}
		tunnel.attachTCP(s.tcp)
	}

	s.log.Info("tunnel %s registered from %s", id, r.RemoteAddr)
	tunnel.Run(s.baseContext())

	// the processing loop has exited; removal is authoritative here
	s.registry.Remove(id)
	s.store.Clear(id)
	s.log.Info("tunnel %s disconnected", id)
}

// handlePublic routes public HTTP traffic to a tunnel by path prefix, or to
// the sole tunnel in single-tunnel mode.
func (s *Server) handlePublic(w http.ResponseWriter, r *http.Request) {
	if websocket.IsWebSocketUpgrade(r) {
		writeJSONError(w, http.StatusNotImplemented, "Not Implemented",
			"WebSocket passthrough is not supported", nil)
		return
	}

	tunnel, tunnelID, ok := s.resolveTunnel(w, r)
	if !ok {
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodySize)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		status := http.StatusBadRequest
		if strings.Contains(err.Error(), "request body too large") {
			status = http.StatusRequestEntityTooLarge
		}
		writeJSONError(w, status, "Bad Request", "failed to read request body", nil)
		return
	}

	req := &protocol.HTTPRequest{
		RequestID:          uuid.NewString(),
		Method:             r.Method,
		URL:                r.URL.RequestURI(),
		Headers:            protocol.HeadersFromHTTP(r.Header),
		Body:               body,
		IsWebSocketRequest: false,
		IsBlazorRequest:    strings.Contains(r.URL.Path, "/_blazor"),
	}
	s.store.Store(tunnelID, req)

	resp, err := s.forward(tunnel, req)
	if err != nil {
		s.writeForwardError(w, req.RequestID, tunnelID, err)
		return
	}

	s.store.StoreResponse(resp)
	tunnel.CountRequest()
	writeEnvelope(w, resp)
}

// forward relays one request envelope through a tunnel under the server
// deadline.
func (s *Server) forward(tunnel *Tunnel, req *protocol.HTTPRequest) (*protocol.HTTPResponse, error) {
	ctx, cancel := context.WithTimeout(s.baseContext(), s.cfg.RequestTimeout)
	defer cancel()
	return tunnel.Forward(ctx, req, protocol.KindHTTPRequest)
}

// dispatchSibling routes a dispatch envelope to the tunnel named by the
// first URL path segment. Failures become 5xx response envelopes; the
// control loop never sees an error.
func (s *Server) dispatchSibling(ctx context.Context, req *protocol.HTTPRequest) *protocol.HTTPResponse {
	seg := firstPathSegment(req.URL)

	var tunnel *Tunnel
	var err error
	if s.cfg.SingleTunnel {
		tunnel, err = s.registry.Sole()
	} else if seg == "" {
		err = fmt.Errorf("dispatch url %q has no target segment", req.URL)
	} else {
		tunnel, err = s.registry.Lookup(seg)
	}
	if err != nil {
		return errorEnvelope(req.RequestID, http.StatusBadGateway,
			fmt.Sprintf("dispatch target %q unavailable: %v", seg, err))
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
	defer cancel()
	resp, err := tunnel.Forward(ctx, req, protocol.KindDispatch)
	if err != nil {
		status := http.StatusBadGateway
		if errors.Is(err, context.DeadlineExceeded) {
			status = http.StatusGatewayTimeout
		}
		return errorEnvelope(req.RequestID, status, fmt.Sprintf("dispatch through %q failed: %v", seg, err))
	}
	return resp
}

// resolveTunnel maps a public request to its tunnel. In single-tunnel mode
// the path prefix is ignored and every path is served by the sole tunnel.
func (s *Server) resolveTunnel(w http.ResponseWriter, r *http.Request) (*Tunnel, string, bool) {
	if s.cfg.SingleTunnel {
		tunnel, err := s.registry.Sole()
		if err != nil {
			writeJSONError(w, http.StatusNotFound, "Not Found", "no tunnel connected", map[string]any{
				"availableTunnels": []string{},
			})
			return nil, "", false
		}
		return tunnel, tunnel.ID, true
	}

	id := firstPathSegment(r.URL.Path)
	if id == "" {
		writeJSONError(w, http.StatusBadRequest, "Bad Request", "no tunnel id in path", nil)
		return nil, "", false
	}

	tunnel, err := s.registry.Lookup(id)
	if err != nil {
		writeJSONError(w, http.StatusNotFound, "Not Found",
			fmt.Sprintf("no tunnel registered with id %q", id), map[string]any{
				"tunnelId":         id,
				"availableTunnels": s.registry.IDs(),
			})
		return nil, "", false
	}
	return tunnel, id, true
}

func (s *Server) writeForwardError(w http.ResponseWriter, requestID, tunnelID string, err error) {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		s.log.Warn("request %s to %s timed out", requestID, tunnelID)
		writeJSONError(w, http.StatusGatewayTimeout, "Gateway Timeout",
			fmt.Sprintf("tunnel %q did not respond in time", tunnelID), nil)
	case errors.Is(err, correlator.ErrTunnelClosed):
		s.log.Warn("request %s failed: tunnel %s disconnected", requestID, tunnelID)
		writeJSONError(w, http.StatusServiceUnavailable, "Tunnel Disconnected",
			fmt.Sprintf("tunnel %q disconnected while the request was in flight", tunnelID), nil)
	default:
		s.log.Error("request %s to %s failed: %v", requestID, tunnelID, err)
		writeJSONError(w, http.StatusBadGateway, "Bad Gateway", err.Error(), nil)
	}
}

// handleListRequests lists recent request history for a tunnel.
func (s *Server) handleListRequests(w http.ResponseWriter, r *http.Request) {
	tunnelID := mux.Vars(r)["tunnel_id"]
	writeJSON(w, http.StatusOK, s.store.List(tunnelID))
}

// handleReplay re-sends a stored request through its tunnel under a fresh
// request id.
func (s *Server) handleReplay(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	tunnelID := vars["tunnel_id"]
	requestID := vars["request_id"]

	tunnel, err := s.registry.Lookup(tunnelID)
	if err != nil {
		writeJSONError(w, http.StatusNotFound, "Not Found",
			fmt.Sprintf("no tunnel registered with id %q", tunnelID), nil)
		return
	}

	orig, owner, ok := s.store.Get(requestID)
	if !ok || owner != tunnelID {
		writeJSONError(w, http.StatusNotFound, "Not Found", "request not found", nil)
		return
	}

	replay := &protocol.HTTPRequest{
		RequestID: uuid.NewString(),
		Method:    orig.Method,
		URL:       orig.URL,
		Headers:   orig.Headers,
		Body:      orig.Body,
	}
	s.store.Store(tunnelID, replay)

	resp, err := s.forward(tunnel, replay)
	if err != nil {
		s.writeForwardError(w, replay.RequestID, tunnelID, err)
		return
	}
	s.store.StoreResponse(resp)
	tunnel.CountRequest()

	writeJSON(w, http.StatusOK, map[string]any{
		"requestId":  replay.RequestID,
		"statusCode": resp.StatusCode,
		"bodyLength": len(resp.Body),
	})
}

func (s *Server) baseContext() context.Context {
	if s.ctx != nil {
		return s.ctx
	}
	return context.Background()
}

// firstPathSegment returns the first path segment of a URL path or request
// URI. It is empty for "/" and for a path that starts with "//".
func firstPathSegment(path string) string {
	path = strings.TrimPrefix(path, "/")
	if i := strings.IndexAny(path, "/?"); i >= 0 {
		path = path[:i]
	}
	return path
}

func policyClose(codec *protocol.Codec, reason string) {
	codec.WriteClose(websocket.ClosePolicyViolation, reason)
	codec.Close()
}

// writeEnvelope writes a response envelope back to the public caller.
func writeEnvelope(w http.ResponseWriter, resp *protocol.HTTPResponse) {
	for k, v := range resp.Headers {
		w.Header().Set(k, v)
	}
	status := resp.StatusCode
	if status == 0 {
		status = http.StatusBadGateway
	}
	w.WriteHeader(status)
	w.Write(resp.Body)
}

func errorEnvelope(requestID string, status int, message string) *protocol.HTTPResponse {
	body, _ := json.Marshal(map[string]string{"error": http.StatusText(status), "message": message})
	return &protocol.HTTPResponse{
		RequestID:    requestID,
		StatusCode:   status,
		Headers:      map[string]string{"Content-Type": "application/json"},
		Body:         body,
		ErrorMessage: message,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, label, message string, extra map[string]any) {
	payload := map[string]any{"error": label, "message": message}
	for k, v := range extra {
		payload[k] = v
	}
	writeJSON(w, status, payload)
}
