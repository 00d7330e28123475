package client

import (
	"context"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/pgourlain/PGrok/internal/logging"
	"github.com/pgourlain/PGrok/internal/protocol"
)

const (
	tcpChunkSize      = 8 * 1024
	heartbeatInterval = 30 * time.Second
	dialTimeout       = 10 * time.Second
)

// tcpForwarder is the client side of the TCP tunnel: sub-streams announced
// by init envelopes are dialed against the local service and relayed as
// base64 data frames.
type tcpForwarder struct {
	client    *Client
	localAddr string
	log       *logging.Logger

	mu    sync.Mutex
	conns map[string]net.Conn
}

func newTCPForwarder(c *Client, localAddr string, log *logging.Logger) *tcpForwarder {
	return &tcpForwarder{
		client:    c,
		localAddr: localAddr,
		log:       log,
		conns:     make(map[string]net.Conn),
	}
}

// handle processes one TCP envelope from the server. Called from the
// processing loop only, so data frames for a sub-stream are written in
// arrival order.
func (f *tcpForwarder) handle(env *protocol.TCPEnvelope) {
	switch env.Type {
	case protocol.TCPInit:
		f.openStream(env)
	case protocol.TCPData:
		f.mu.Lock()
		conn, ok := f.conns[env.ConnectionID]
		f.mu.Unlock()
		if !ok {
			f.log.Debug("data for unknown sub-stream %s", env.ConnectionID)
			return
		}
		if _, err := conn.Write(env.Data); err != nil {
			f.log.Warn("writing to local %s failed: %v", env.ConnectionID, err)
			f.closeStream(env.ConnectionID)
			f.client.send(&protocol.Frame{Kind: protocol.KindTCPEnvelope, TCP: &protocol.TCPEnvelope{
				Type:         protocol.TCPClose,
				ConnectionID: env.ConnectionID,
			}})
		}
	case protocol.TCPClose, protocol.TCPError:
		f.closeStream(env.ConnectionID)
	case protocol.TCPControl:
		// the server does not send control frames today
	default:
		f.log.Warn("unknown tcp envelope type %q", env.Type)
	}
}

// openStream dials the local service for a new sub-stream. The dial
// happens inline so a data frame arriving right after init finds the
// socket registered.
func (f *tcpForwarder) openStream(env *protocol.TCPEnvelope) {
	addr := f.localAddr
	if env.Host != "" && env.Port != 0 {
		addr = net.JoinHostPort(env.Host, strconv.Itoa(env.Port))
	}

	conn, err := net.DialTimeout("tcp", addr, dialTimeout)
	if err != nil {
		f.log.Warn("dialing local %s for %s failed: %v", addr, env.ConnectionID, err)
		f.client.send(&protocol.Frame{Kind: protocol.KindTCPEnvelope, TCP: &protocol.TCPEnvelope{
			Type:         protocol.TCPError,
			ConnectionID: env.ConnectionID,
			Error:        err.Error(),
		}})
		return
	}

	f.mu.Lock()
	f.conns[env.ConnectionID] = conn
	f.mu.Unlock()
	f.log.Debug("sub-stream %s open to %s", env.ConnectionID, addr)

	go f.readLoop(env.ConnectionID, conn)
}

// readLoop relays local bytes back to the server until EOF or error.
func (f *tcpForwarder) readLoop(id string, conn net.Conn) {
	buf := make([]byte, tcpChunkSize)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			if werr := f.client.send(&protocol.Frame{Kind: protocol.KindTCPEnvelope, TCP: &protocol.TCPEnvelope{
				Type:         protocol.TCPData,
				ConnectionID: id,
				Data:         data,
			}}); werr != nil {
				f.closeStream(id)
				return
			}
		}
		if err != nil {
			f.client.send(&protocol.Frame{Kind: protocol.KindTCPEnvelope, TCP: &protocol.TCPEnvelope{
				Type:         protocol.TCPClose,
				ConnectionID: id,
			}})
			f.closeStream(id)
			return
		}
	}
}

// heartbeatLoop announces liveness to the server every interval.
func (f *tcpForwarder) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	// announce immediately so the server's watchdog starts fresh
	f.sendHeartbeat()
	for {
		select {
		case <-ticker.C:
			f.sendHeartbeat()
		case <-ctx.Done():
			return
		}
	}
}

func (f *tcpForwarder) sendHeartbeat() {
	err := f.client.send(&protocol.Frame{Kind: protocol.KindTCPEnvelope, TCP: &protocol.TCPEnvelope{
		Type:         protocol.TCPControl,
		ConnectionID: protocol.HeartbeatConnectionID,
		Timestamp:    time.Now(),
	}})
	if err != nil {
		f.log.Debug("heartbeat failed: %v", err)
	}
}

func (f *tcpForwarder) closeStream(id string) {
	f.mu.Lock()
	conn, ok := f.conns[id]
	delete(f.conns, id)
	f.mu.Unlock()
	if ok {
		conn.Close()
		f.log.Debug("sub-stream %s closed", id)
	}
}

func (f *tcpForwarder) closeAll() {
	f.mu.Lock()
	conns := f.conns
	f.conns = make(map[string]net.Conn)
	f.mu.Unlock()
	for _, conn := range conns {
		conn.Close()
	}
}

