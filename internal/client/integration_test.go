package client

import (
	"bytes"
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/pgourlain/PGrok/internal/logging"
	"github.com/pgourlain/PGrok/internal/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

// startRelay runs a real relay server on free ports and waits for it to
// accept traffic.
func startRelay(t *testing.T, withTCP bool) (httpAddr, tcpAddr string) {
	t.Helper()
	httpAddr = fmt.Sprintf("127.0.0.1:%d", freePort(t))
	cfg := server.Config{Addr: httpAddr}
	if withTCP {
		tcpAddr = fmt.Sprintf("127.0.0.1:%d", freePort(t))
		cfg.TCPAddr = tcpAddr
	}

	s := server.New(cfg, logging.Discard())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go s.Run(ctx)

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + httpAddr + "/$status")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 25*time.Millisecond)
	return httpAddr, tcpAddr
}

// waitTunnel polls the status endpoint until the tunnel id appears.
func waitTunnel(t *testing.T, httpAddr, id string) {
	t.Helper()
	require.Eventually(t, func() bool {
		req, _ := http.NewRequest("GET", "http://"+httpAddr+"/$status", nil)
		req.Header.Set("Accept", "application/json")
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		return strings.Contains(string(body), fmt.Sprintf("%q", id))
	}, 10*time.Second, 50*time.Millisecond)
}

func startTCPEcho(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				io.Copy(conn, conn)
			}()
		}
	}()
	return ln.Addr().String()
}

func TestEndToEndHTTPEcho(t *testing.T) {
	local := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "text/plain")
		w.Write(body)
	}))
	defer local.Close()

	httpAddr, _ := startRelay(t, false)

	c := New(Config{
		ServerAddress: "http://" + httpAddr,
		TunnelID:      "svc1",
		LocalAddress:  local.URL,
		Mode:          ModeHTTP,
	}, logging.Discard())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)
	waitTunnel(t, httpAddr, "svc1")

	resp, err := http.Post("http://"+httpAddr+"/svc1/echo", "text/plain", bytes.NewBufferString("hello"))
	require.NoError(t, err)
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "hello", string(body))
}

func TestClientReconnectsAfterServerComesUp(t *testing.T) {
	local := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(204)
	}))
	defer local.Close()

	httpAddr := fmt.Sprintf("127.0.0.1:%d", freePort(t))

	c := New(Config{
		ServerAddress: "http://" + httpAddr,
		TunnelID:      "svc1",
		LocalAddress:  local.URL,
		Mode:          ModeHTTP,
	}, logging.Discard())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	// let a few connection attempts fail first
	time.Sleep(1500 * time.Millisecond)

	s := server.New(server.Config{Addr: httpAddr}, logging.Discard())
	go s.Run(ctx)

	waitTunnel(t, httpAddr, "svc1")
}

func TestEndToEndTCPPassthrough(t *testing.T) {
	echoAddr := startTCPEcho(t)
	httpAddr, tcpAddr := startRelay(t, true)

	c := New(Config{
		ServerAddress: "http://" + httpAddr,
		TunnelID:      "tcp1",
		LocalAddress:  echoAddr,
		Mode:          ModeTCP,
	}, logging.Discard())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)
	waitTunnel(t, httpAddr, "tcp1")

	// wait until the relay path works end to end
	require.Eventually(t, func() bool {
		conn, err := net.Dial("tcp", tcpAddr)
		if err != nil {
			return false
		}
		defer conn.Close()
		if _, err := conn.Write([]byte("probe")); err != nil {
			return false
		}
		conn.SetReadDeadline(time.Now().Add(time.Second))
		buf := make([]byte, 5)
		_, err = io.ReadFull(conn, buf)
		return err == nil && string(buf) == "probe"
	}, 10*time.Second, 100*time.Millisecond)

	const streams = 5
	const payloadSize = 64 * 1024

	errCh := make(chan error, streams)
	for i := 0; i < streams; i++ {
		go func() {
			payload := make([]byte, payloadSize)
			if _, err := rand.Read(payload); err != nil {
				errCh <- err
				return
			}

			conn, err := net.Dial("tcp", tcpAddr)
			if err != nil {
				errCh <- err
				return
			}
			defer conn.Close()

			go conn.Write(payload)

			conn.SetReadDeadline(time.Now().Add(15 * time.Second))
			got := make([]byte, payloadSize)
			if _, err := io.ReadFull(conn, got); err != nil {
				errCh <- err
				return
			}
			if !bytes.Equal(payload, got) {
				errCh <- fmt.Errorf("payload mismatch")
				return
			}
			errCh <- nil
		}()
	}

	for i := 0; i < streams; i++ {
		assert.NoError(t, <-errCh)
	}
}

func TestDispatchProxyEndToEnd(t *testing.T) {
	siblingLocal := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		w.Write(append([]byte("sibling:"), body...))
	}))
	defer siblingLocal.Close()

	originLocal := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(204)
	}))
	defer originLocal.Close()

	httpAddr, _ := startRelay(t, false)
	proxyPort := freePort(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sibling := New(Config{
		ServerAddress: "http://" + httpAddr,
		TunnelID:      "svc2",
		LocalAddress:  siblingLocal.URL,
		Mode:          ModeHTTP,
	}, logging.Discard())
	go sibling.Run(ctx)

	origin := New(Config{
		ServerAddress: "http://" + httpAddr,
		TunnelID:      "svc1",
		LocalAddress:  originLocal.URL,
		ProxyPort:     proxyPort,
		Mode:          ModeHTTP,
	}, logging.Discard())
	go origin.Run(ctx)

	waitTunnel(t, httpAddr, "svc1")
	waitTunnel(t, httpAddr, "svc2")

	var resp *http.Response
	require.Eventually(t, func() bool {
		var err error
		resp, err = http.Post(
			fmt.Sprintf("http://127.0.0.1:%d/svc2/task", proxyPort),
			"text/plain", bytes.NewBufferString("work"))
		if err != nil {
			return false
		}
		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			return false
		}
		return true
	}, 5*time.Second, 100*time.Millisecond)
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "sibling:work", string(body))
}
