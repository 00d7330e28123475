package server

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pgourlain/PGrok/internal/correlator"
	"github.com/pgourlain/PGrok/internal/logging"
	"github.com/pgourlain/PGrok/internal/protocol"
)

const (
	pingInterval = 30 * time.Second
	livenessWait = 90 * time.Second // two missed pings
)

// DispatchFunc routes a dispatch envelope received from a client to its
// sibling tunnel and returns the response envelope. It never returns nil.
type DispatchFunc func(ctx context.Context, req *protocol.HTTPRequest) *protocol.HTTPResponse

// Tunnel is the server side of one client control channel. Its processing
// loop owns the tunnel record: it reads every frame, resolves pending
// requests, answers pings, and hands TCP envelopes to the relay. All
// writes go through the codec's send discipline.
type Tunnel struct {
	ID string

	codec    *protocol.Codec
	pending  *correlator.Correlator
	dispatch DispatchFunc
	log      *logging.Logger

	createdAt time.Time

	mu           sync.Mutex
	lastActivity time.Time
	requestCount int64

	tcp *TCPRelay // attached in TCP mode, nil otherwise

	done      chan struct{}
	closeOnce sync.Once
}

// NewTunnel wraps an accepted control channel.
func NewTunnel(id string, codec *protocol.Codec, dispatch DispatchFunc, log *logging.Logger) *Tunnel {
	now := time.Now()
	return &Tunnel{
		ID:           id,
		codec:        codec,
		pending:      correlator.New(),
		dispatch:     dispatch,
		log:          log,
		createdAt:    now,
		lastActivity: now,
		done:         make(chan struct{}),
	}
}

// Run executes the processing loop until the channel closes or ctx is
// cancelled. The caller removes the registry entry when Run returns.
func (t *Tunnel) Run(ctx context.Context) {
	defer t.Close()

	loopCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go t.pingLoop(loopCtx)

	for {
		t.codec.SetReadDeadline(time.Now().Add(livenessWait))
		frame, err := t.codec.Read()
		if err != nil {
			var perr *protocol.ParseError
			if errors.As(err, &perr) {
				t.log.Warn("tunnel %s: discarding malformed frame: %v", t.ID, err)
				continue
			}
			if ctx.Err() == nil && !t.closed() {
				t.log.Warn("tunnel %s: control channel closed: %v", t.ID, err)
			}
			return
		}
		t.touch()

		switch frame.Kind {
		case protocol.KindPing:
			if err := t.codec.Write(&protocol.Frame{Kind: protocol.KindPong}); err != nil {
				t.log.Warn("tunnel %s: pong failed: %v", t.ID, err)
				return
			}
		case protocol.KindPong:
			// any received frame resets liveness; nothing else to do
		case protocol.KindHTTPResponse, protocol.KindDispatchResponse:
			if !t.pending.Complete(frame.Response.RequestID, frame.Response) {
				t.log.Warn("tunnel %s: discarding late response for unknown request %s", t.ID, frame.Response.RequestID)
			}
		case protocol.KindDispatch:
			go t.handleDispatch(loopCtx, frame.Request)
		case protocol.KindTCPEnvelope:
			if t.tcp != nil {
				t.tcp.HandleEnvelope(frame.TCP)
			} else {
				t.log.Warn("tunnel %s: tcp envelope without tcp relay, dropping", t.ID)
			}
		case protocol.KindWsRelay:
			t.log.Debug("tunnel %s: ws relay frame for %s dropped (passthrough not supported)", t.ID, frame.Relay.ConnectionID)
		default:
			t.log.Warn("tunnel %s: unexpected %s frame from client", t.ID, frame.Kind)
		}
	}
}

// Forward sends a request envelope and waits for the matching response.
// kind selects the plain request frame or the $dispatch$ tagged variant;
// the correlator resolves either response flavour.
func (t *Tunnel) Forward(ctx context.Context, req *protocol.HTTPRequest, kind protocol.Kind) (*protocol.HTTPResponse, error) {
	ch, err := t.pending.Insert(req.RequestID)
	if err != nil {
		// random ids colliding means the generator is broken
		t.log.Error("tunnel %s: request id collision on %s: %v", t.ID, req.RequestID, err)
		return nil, fmt.Errorf("registering request %s: %w", req.RequestID, err)
	}
	defer t.pending.Remove(req.RequestID)

	if err := t.codec.Write(&protocol.Frame{Kind: kind, Request: req}); err != nil {
		return nil, fmt.Errorf("sending request %s: %w", req.RequestID, err)
	}

	select {
	case out := <-ch:
		if out.Err != nil {
			return nil, out.Err
		}
		return out.Response, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-t.done:
		return nil, correlator.ErrTunnelClosed
	}
}

// SendTCP writes a TCP envelope on the control channel.
func (t *Tunnel) SendTCP(env *protocol.TCPEnvelope) error {
	return t.codec.Write(&protocol.Frame{Kind: protocol.KindTCPEnvelope, TCP: env})
}

// Close shuts the tunnel down: pending requests fail with the disconnect
// error, the relay detaches, and the control channel closes.
func (t *Tunnel) Close() {
	t.closeOnce.Do(func() {
		close(t.done)
		t.pending.Drain(correlator.ErrTunnelClosed)
		if t.tcp != nil {
			t.tcp.Detach(t)
		}
		t.codec.WriteClose(1000, "")
		t.codec.Close()
	})
}

// Done is closed when the tunnel shuts down.
func (t *Tunnel) Done() <-chan struct{} {
	return t.done
}

// CountRequest increments the completed-request counter.
func (t *Tunnel) CountRequest() {
	t.mu.Lock()
	t.requestCount++
	t.mu.Unlock()
}

// LastActivity returns the time of the last received frame.
func (t *Tunnel) LastActivity() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastActivity
}

// Summary returns the registry snapshot entry for this tunnel.
func (t *Tunnel) Summary() TunnelSummary {
	t.mu.Lock()
	defer t.mu.Unlock()
	streams := 0
	if t.tcp != nil {
		streams = t.tcp.StreamCount()
	}
	return TunnelSummary{
		ID:           t.ID,
		ConnectedAt:  t.createdAt,
		LastActivity: t.lastActivity,
		Requests:     t.requestCount,
		Streams:      streams,
	}
}

func (t *Tunnel) handleDispatch(ctx context.Context, req *protocol.HTTPRequest) {
	resp := t.dispatch(ctx, req)
	resp.RequestID = req.RequestID
	if err := t.codec.Write(&protocol.Frame{Kind: protocol.KindDispatchResponse, Response: resp}); err != nil {
		t.log.Warn("tunnel %s: dispatch response for %s failed: %v", t.ID, req.RequestID, err)
	}
}

func (t *Tunnel) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := t.codec.Write(&protocol.Frame{Kind: protocol.KindPing}); err != nil {
				t.log.Warn("tunnel %s: ping failed: %v", t.ID, err)
				t.Close()
				return
			}
		case <-ctx.Done():
			return
		case <-t.done:
			return
		}
	}
}

func (t *Tunnel) touch() {
	t.mu.Lock()
	t.lastActivity = time.Now()
	t.mu.Unlock()
}

func (t *Tunnel) closed() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// attachTCP binds the relay to this tunnel. Must happen before Run starts.
func (t *Tunnel) attachTCP(relay *TCPRelay) {
	t.tcp = relay
}
