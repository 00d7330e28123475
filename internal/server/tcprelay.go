package server

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pgourlain/PGrok/internal/logging"
	"github.com/pgourlain/PGrok/internal/protocol"
)

const (
	tcpChunkSize      = 8 * 1024
	heartbeatInterval = 30 * time.Second
)

// ErrTCPClientBusy reports a second control channel while TCP mode already
// has its one client.
var ErrTCPClientBusy = errors.New("conflict: tcp tunnel already has a client")

// TCPRelay multiplexes public TCP connections onto the one attached control
// channel. Each accepted connection becomes a sub-stream identified by a
// connection id; its bytes travel as base64 data envelopes in both
// directions, strictly ordered per connection.
type TCPRelay struct {
	addr string
	log  *logging.Logger

	mu       sync.Mutex
	tunnel   *Tunnel
	conns    map[string]net.Conn
	lastBeat time.Time
}

// NewTCPRelay creates a relay that will listen on addr.
func NewTCPRelay(addr string, log *logging.Logger) *TCPRelay {
	return &TCPRelay{
		addr:  addr,
		log:   log,
		conns: make(map[string]net.Conn),
	}
}

// Attach binds a control channel to the relay. At most one client is
// accepted at a time.
func (r *TCPRelay) Attach(t *Tunnel) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.tunnel != nil {
		return ErrTCPClientBusy
	}
	r.tunnel = t
	r.lastBeat = time.Now()
	return nil
}

// Detach unbinds the tunnel and closes every open sub-stream.
func (r *TCPRelay) Detach(t *Tunnel) {
	r.mu.Lock()
	if r.tunnel != t {
		r.mu.Unlock()
		return
	}
	r.tunnel = nil
	conns := r.conns
	r.conns = make(map[string]net.Conn)
	r.mu.Unlock()

	for id, conn := range conns {
		conn.Close()
		r.log.Debug("tcp relay: closed sub-stream %s on detach", id)
	}
}

// StreamCount returns the number of open sub-streams.
func (r *TCPRelay) StreamCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// Run accepts public TCP connections until ctx is cancelled.
func (r *TCPRelay) Run(ctx context.Context) error {
	listener, err := net.Listen("tcp", r.addr)
	if err != nil {
		return err
	}
	defer listener.Close()
	r.log.Info("tcp relay listening on %s", listener.Addr())

	go r.watchHeartbeat(ctx)
	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		go r.handleConn(conn)
	}
}

// HandleEnvelope processes a TCP envelope received on the control channel.
func (r *TCPRelay) HandleEnvelope(env *protocol.TCPEnvelope) {
	switch env.Type {
	case protocol.TCPData:
		r.mu.Lock()
		conn, ok := r.conns[env.ConnectionID]
		r.mu.Unlock()
		if !ok {
			r.log.Debug("tcp relay: data for unknown sub-stream %s", env.ConnectionID)
			return
		}
		if _, err := conn.Write(env.Data); err != nil {
			r.log.Warn("tcp relay: write to %s failed: %v", env.ConnectionID, err)
			r.closeStream(env.ConnectionID, true)
		}
	case protocol.TCPClose:
		r.closeStream(env.ConnectionID, false)
	case protocol.TCPError:
		r.log.Warn("tcp relay: client error on %s: %s", env.ConnectionID, env.Error)
		r.closeStream(env.ConnectionID, false)
	case protocol.TCPControl:
		if env.ConnectionID == protocol.HeartbeatConnectionID {
			r.mu.Lock()
			r.lastBeat = time.Now()
			r.mu.Unlock()
		}
	default:
		r.log.Warn("tcp relay: unknown envelope type %q", env.Type)
	}
}

func (r *TCPRelay) handleConn(conn net.Conn) {
	r.mu.Lock()
	tunnel := r.tunnel
	r.mu.Unlock()
	if tunnel == nil {
		r.log.Warn("tcp relay: no client connected, dropping %s", conn.RemoteAddr())
		conn.Close()
		return
	}

	id := uuid.NewString()
	r.mu.Lock()
	r.conns[id] = conn
	r.mu.Unlock()

	if err := tunnel.SendTCP(&protocol.TCPEnvelope{
		Type:         protocol.TCPInit,
		ConnectionID: id,
		Timestamp:    time.Now(),
	}); err != nil {
		r.log.Warn("tcp relay: init for %s failed: %v", id, err)
		r.closeStream(id, true)
		return
	}
	r.log.Debug("tcp relay: sub-stream %s opened from %s", id, conn.RemoteAddr())

	buf := make([]byte, tcpChunkSize)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			if werr := tunnel.SendTCP(&protocol.TCPEnvelope{
				Type:         protocol.TCPData,
				ConnectionID: id,
				Data:         data,
			}); werr != nil {
				r.log.Warn("tcp relay: relaying %s failed: %v", id, werr)
				r.closeStream(id, true)
				return
			}
		}
		if err != nil {
			tunnel.SendTCP(&protocol.TCPEnvelope{Type: protocol.TCPClose, ConnectionID: id})
			r.closeStream(id, true)
			return
		}
	}
}

// closeStream removes a sub-stream and closes its socket. local indicates
// the close originated on this side (read EOF or write failure) rather
// than from a client close/error envelope.
func (r *TCPRelay) closeStream(id string, local bool) {
	r.mu.Lock()
	conn, ok := r.conns[id]
	delete(r.conns, id)
	r.mu.Unlock()
	if ok {
		conn.Close()
		r.log.Debug("tcp relay: sub-stream %s closed (local=%v)", id, local)
	}
}

// watchHeartbeat force-closes the control channel when client heartbeats
// stop for twice the interval, so the client reconnects.
func (r *TCPRelay) watchHeartbeat(ctx context.Context) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.mu.Lock()
			tunnel := r.tunnel
			stale := tunnel != nil && time.Since(r.lastBeat) > 2*heartbeatInterval
			r.mu.Unlock()
			if stale {
				r.log.Warn("tcp relay: client heartbeat lost, closing control channel")
				tunnel.Close()
			}
		case <-ctx.Done():
			return
		}
	}
}
