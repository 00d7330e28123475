package server

import (
	"fmt"
	"testing"

	"github.com/pgourlain/PGrok/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStoreListNewestFirst(t *testing.T) {
	s := NewRequestStore(10)

	for i := 0; i < 3; i++ {
		s.Store("svc1", &protocol.HTTPRequest{
			RequestID: fmt.Sprintf("r%d", i),
			Method:    "GET",
			URL:       fmt.Sprintf("/svc1/%d", i),
		})
	}

	list := s.List("svc1")
	require.Len(t, list, 3)
	assert.Equal(t, "r2", list[0].RequestID)
	assert.Equal(t, "r0", list[2].RequestID)
}

func TestStoreEvictsOldest(t *testing.T) {
	s := NewRequestStore(2)

	for i := 0; i < 3; i++ {
		s.Store("svc1", &protocol.HTTPRequest{RequestID: fmt.Sprintf("r%d", i)})
	}

	assert.Len(t, s.List("svc1"), 2)
	_, _, ok := s.Get("r0")
	assert.False(t, ok, "oldest entry must be evicted")
	_, _, ok = s.Get("r2")
	assert.True(t, ok)
}

func TestStoreResponseStatus(t *testing.T) {
	s := NewRequestStore(10)

	s.Store("svc1", &protocol.HTTPRequest{RequestID: "r1", Method: "POST"})
	s.StoreResponse(&protocol.HTTPResponse{RequestID: "r1", StatusCode: 201})

	list := s.List("svc1")
	require.Len(t, list, 1)
	assert.Equal(t, 201, list[0].StatusCode)
}

func TestStoreIgnoresResponseForUnknownRequest(t *testing.T) {
	s := NewRequestStore(10)
	s.StoreResponse(&protocol.HTTPResponse{RequestID: "ghost", StatusCode: 200})
	assert.Empty(t, s.List("svc1"))
}

func TestStoreClear(t *testing.T) {
	s := NewRequestStore(10)
	s.Store("svc1", &protocol.HTTPRequest{RequestID: "r1"})
	s.Clear("svc1")
	assert.Empty(t, s.List("svc1"))
	_, _, ok := s.Get("r1")
	assert.False(t, ok)
}

func TestTCPRelayAttachConflict(t *testing.T) {
	relay := NewTCPRelay("127.0.0.1:0", discardLog())

	first := newTestTunnel("a")
	require.NoError(t, relay.Attach(first))
	assert.ErrorIs(t, relay.Attach(newTestTunnel("b")), ErrTCPClientBusy)

	relay.Detach(first)
	assert.NoError(t, relay.Attach(newTestTunnel("c")))
}

func TestTCPRelayDetachClosesStreams(t *testing.T) {
	relay := NewTCPRelay("127.0.0.1:0", discardLog())
	tun := newTestTunnel("a")
	require.NoError(t, relay.Attach(tun))

	local, remote := netPipe(t)
	relay.conns["s1"] = local
	assert.Equal(t, 1, relay.StreamCount())

	relay.Detach(tun)
	assert.Equal(t, 0, relay.StreamCount())

	buf := make([]byte, 1)
	_, err := remote.Read(buf)
	assert.Error(t, err, "peer sees a closed socket")
}
