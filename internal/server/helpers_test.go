package server

import (
	"net"
	"testing"

	"github.com/pgourlain/PGrok/internal/logging"
	"github.com/stretchr/testify/require"
)

func discardLog() *logging.Logger {
	return logging.Discard()
}

// netPipe returns two ends of an in-process TCP connection.
func netPipe(t *testing.T) (net.Conn, net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	type accepted struct {
		conn net.Conn
		err  error
	}
	ch := make(chan accepted, 1)
	go func() {
		conn, err := ln.Accept()
		ch <- accepted{conn, err}
	}()

	client, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	srv := <-ch
	require.NoError(t, srv.err)

	t.Cleanup(func() {
		client.Close()
		srv.conn.Close()
	})
	return srv.conn, client
}
