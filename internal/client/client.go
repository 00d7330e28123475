package client

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pgourlain/PGrok/internal/correlator"
	"github.com/pgourlain/PGrok/internal/logging"
	"github.com/pgourlain/PGrok/internal/protocol"
	"github.com/pgourlain/PGrok/internal/tui"
)

const (
	initialBackoff     = time.Second
	maxBackoff         = 2 * time.Minute
	backoffFactor      = 1.5
	defaultMaxAttempts = 100

	pingInterval = 30 * time.Second
	livenessWait = 90 * time.Second
	localTimeout = 60 * time.Second
)

// Mode selects what the client forwards to.
type Mode int

const (
	// ModeHTTP forwards request envelopes to a local HTTP service.
	ModeHTTP Mode = iota
	// ModeTCP relays multiplexed TCP sub-streams to a local TCP service.
	ModeTCP
)

// Config holds client configuration.
type Config struct {
	ServerAddress string
	TunnelID      string
	LocalAddress  string // HTTP base URL in ModeHTTP, host:port in ModeTCP
	ProxyPort     int    // when set, run the local dispatch proxy
	Mode          Mode
	MaxAttempts   int // reconnect ceiling, default 100
	TUIMode       bool
}

// supervisor states, see Run.
type state int

const (
	stateConnecting state = iota
	stateConnected
	stateDraining
	stateBackoff
)

// Client owns the control channel to the server and supervises it through
// connect/process/drain/backoff cycles.
type Client struct {
	cfg       Config
	forwarder *Forwarder
	display   *Display
	log       *logging.Logger

	mu    sync.Mutex
	codec *protocol.Codec

	// pending correlates $dispatchresponse$ frames back to local proxy
	// callers.
	pending    *correlator.Correlator
	tcp        *tcpForwarder
	pingMisses atomic.Int32

	tuiRequestCh chan<- tui.RequestItem
	tuiConnCh    chan<- tui.ConnectionInfo
}

// New creates a client.
func New(cfg Config, log *logging.Logger) *Client {
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	c := &Client{
		cfg:     cfg,
		display: NewDisplay(cfg.LocalAddress),
		log:     log,
		pending: correlator.New(),
	}
	if cfg.Mode == ModeHTTP {
		c.forwarder = NewForwarder(cfg.LocalAddress, cfg.TunnelID)
	} else {
		c.tcp = newTCPForwarder(c, cfg.LocalAddress, log)
	}
	return c
}

// SetTUIChannels wires the client to a running TUI.
func (c *Client) SetTUIChannels(reqCh chan<- tui.RequestItem, connCh chan<- tui.ConnectionInfo) {
	c.tuiRequestCh = reqCh
	c.tuiConnCh = connCh
}

// Run drives the supervisor state machine until ctx is cancelled or the
// reconnect ceiling is exceeded. An external stop is a clean exit: pending
// work fails with 503 and the channel closes normally.
func (c *Client) Run(ctx context.Context) error {
	if c.cfg.ProxyPort > 0 {
		proxy := newDispatchProxy(c, c.cfg.ProxyPort, c.log)
		go func() {
			if err := proxy.Run(ctx); err != nil {
				c.log.Error("dispatch proxy: %v", err)
			}
		}()
	}

	delay := initialBackoff
	attempts := 0
	st := stateConnecting

	for {
		switch st {
		case stateConnecting:
			attempts++
			if attempts > c.cfg.MaxAttempts {
				return fmt.Errorf("giving up after %d connection attempts", c.cfg.MaxAttempts)
			}
			if err := c.connect(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				c.display.LogDisconnected(err)
				c.display.LogReconnecting(attempts)
				st = stateBackoff
				continue
			}
			delay = initialBackoff
			attempts = 0
			st = stateConnected

		case stateConnected:
			err := c.runLoop(ctx)
			if err != nil && ctx.Err() == nil {
				c.display.LogDisconnected(err)
			}
			st = stateDraining

		case stateDraining:
			c.drain()
			if ctx.Err() != nil {
				return nil
			}
			st = stateBackoff

		case stateBackoff:
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil
			}
			delay = nextDelay(delay)
			st = stateConnecting
		}
	}
}

// nextDelay grows the reconnect delay by the backoff factor with ±20%
// jitter, capped at the maximum.
func nextDelay(prev time.Duration) time.Duration {
	jitter := 0.8 + 0.4*rand.Float64()
	return min(maxBackoff, time.Duration(float64(prev)*backoffFactor*jitter))
}

// connect opens the control channel at /tunnel?id=<id>.
func (c *Client) connect(ctx context.Context) error {
	u, err := url.Parse(c.cfg.ServerAddress)
	if err != nil {
		return fmt.Errorf("invalid server address: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path = "/tunnel"
	q := u.Query()
	if c.cfg.TunnelID != "" {
		q.Set("id", c.cfg.TunnelID)
	}
	u.RawQuery = q.Encode()

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", u.Host, err)
	}

	c.mu.Lock()
	c.codec = protocol.NewCodec(conn)
	c.mu.Unlock()
	c.pingMisses.Store(0)

	c.display.LogConnected(c.cfg.TunnelID, c.publicURL())
	if c.tuiConnCh != nil {
		c.tuiConnCh <- tui.ConnectionInfo{
			TunnelID:  c.cfg.TunnelID,
			PublicURL: c.publicURL(),
			Local:     c.cfg.LocalAddress,
			Server:    c.cfg.ServerAddress,
			Connected: true,
		}
	}
	return nil
}

// runLoop processes frames until the channel fails or ctx is cancelled.
func (c *Client) runLoop(ctx context.Context) error {
	codec := c.currentCodec()
	if codec == nil {
		return errors.New("not connected")
	}

	loopCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go c.pingLoop(loopCtx, codec)
	if c.cfg.Mode == ModeTCP {
		go c.tcp.heartbeatLoop(loopCtx)
	}
	go func() {
		<-loopCtx.Done()
		codec.WriteClose(websocket.CloseNormalClosure, "")
		codec.Close()
	}()

	for {
		codec.SetReadDeadline(time.Now().Add(livenessWait))
		frame, err := codec.Read()
		if err != nil {
			var perr *protocol.ParseError
			if errors.As(err, &perr) {
				c.log.Warn("discarding malformed frame: %v", err)
				continue
			}
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("control channel: %w", err)
		}

		switch frame.Kind {
		case protocol.KindHTTPRequest:
			go c.handleRequest(loopCtx, frame.Request, protocol.KindHTTPResponse)
		case protocol.KindDispatch:
			go c.handleRequest(loopCtx, frame.Request, protocol.KindDispatchResponse)
		case protocol.KindPing:
			if err := c.send(&protocol.Frame{Kind: protocol.KindPong}); err != nil {
				return fmt.Errorf("pong: %w", err)
			}
		case protocol.KindPong:
			c.pingMisses.Store(0)
		case protocol.KindDispatchResponse:
			if !c.pending.Complete(frame.Response.RequestID, frame.Response) {
				c.log.Warn("discarding dispatch response for unknown request %s", frame.Response.RequestID)
			}
		case protocol.KindTCPEnvelope:
			if c.tcp != nil {
				c.tcp.handle(frame.TCP)
			} else {
				c.log.Warn("tcp envelope on http tunnel, dropping")
			}
		case protocol.KindWsRelay:
			c.log.Debug("ws relay frame dropped (passthrough not supported)")
		default:
			c.log.Warn("unexpected %s frame from server", frame.Kind)
		}
	}
}

// handleRequest forwards one request envelope to the local service and
// replies under the same request id. Failures become 5xx envelopes; the
// processing loop never dies for a single request.
func (c *Client) handleRequest(ctx context.Context, req *protocol.HTTPRequest, respKind protocol.Kind) {
	if c.forwarder == nil {
		c.send(&protocol.Frame{Kind: respKind, Response: &protocol.HTTPResponse{
			RequestID:    req.RequestID,
			StatusCode:   http.StatusNotImplemented,
			Headers:      map[string]string{"Content-Type": "application/json"},
			Body:         []byte(`{"error":"Not Implemented","message":"this tunnel carries TCP only"}`),
			ErrorMessage: "http request on tcp tunnel",
		}})
		return
	}

	c.display.LogRequest(req)
	start := time.Now()

	callCtx, cancel := context.WithTimeout(ctx, localTimeout)
	defer cancel()

	resp, err := c.forwarder.Forward(callCtx, req)
	duration := time.Since(start)
	if err != nil {
		c.display.LogError(req, err)
		resp = &protocol.HTTPResponse{
			RequestID:    req.RequestID,
			StatusCode:   http.StatusBadGateway,
			Headers:      map[string]string{"Content-Type": "application/json"},
			Body:         []byte(fmt.Sprintf(`{"error":"Bad Gateway","message":%q}`, err.Error())),
			ErrorMessage: err.Error(),
		}
	} else {
		c.display.LogResponse(req, resp, duration)
	}

	if c.tuiRequestCh != nil {
		item := tui.RequestItem{
			RequestID:  req.RequestID,
			Method:     req.Method,
			URL:        req.URL,
			StatusCode: resp.StatusCode,
			Duration:   duration,
			Timestamp:  time.Now(),
			ReqHeaders: req.Headers,
			ReqBody:    req.Body,
			RespBody:   resp.Body,
		}
		if err != nil {
			item.Error = err.Error()
		}
		select {
		case c.tuiRequestCh <- item:
		default:
		}
	}

	if err := c.send(&protocol.Frame{Kind: respKind, Response: resp}); err != nil {
		c.log.Warn("sending response for %s: %v", req.RequestID, err)
	}
}

// pingLoop keeps the channel alive and detects a dead peer: two unanswered
// pings close the connection, which makes runLoop return and the
// supervisor reconnect.
func (c *Client) pingLoop(ctx context.Context, codec *protocol.Codec) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if c.pingMisses.Add(1) > 2 {
				c.log.Warn("no pong from server, closing control channel")
				codec.Close()
				return
			}
			if err := codec.Write(&protocol.Frame{Kind: protocol.KindPing}); err != nil {
				codec.Close()
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// drain cancels in-flight work after the channel dies: proxy callers get
// the disconnect error, sub-streams close, the socket goes away.
func (c *Client) drain() {
	c.pending.Drain(correlator.ErrTunnelClosed)
	if c.tcp != nil {
		c.tcp.closeAll()
	}
	c.mu.Lock()
	if c.codec != nil {
		c.codec.WriteClose(websocket.CloseNormalClosure, "")
		c.codec.Close()
		c.codec = nil
	}
	c.mu.Unlock()
}

// send writes a frame on the current control channel.
func (c *Client) send(f *protocol.Frame) error {
	codec := c.currentCodec()
	if codec == nil {
		return errors.New("not connected")
	}
	return codec.Write(f)
}

func (c *Client) currentCodec() *protocol.Codec {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.codec
}

func (c *Client) publicURL() string {
	u, err := url.Parse(c.cfg.ServerAddress)
	if err != nil {
		return c.cfg.ServerAddress
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	}
	u.Path = "/" + c.cfg.TunnelID + "/"
	return u.String()
}
