package client

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/pgourlain/PGrok/internal/logging"
	"github.com/pgourlain/PGrok/internal/protocol"
)

const dispatchWait = 120 * time.Second

// DispatchProxy is the optional local reverse-proxy listener: requests
// arriving on it are wrapped as $dispatch$ envelopes, sent to the server
// for routing to a sibling tunnel, and answered from the matching
// $dispatchresponse$.
type DispatchProxy struct {
	client *Client
	port   int
	log    *logging.Logger
}

func newDispatchProxy(c *Client, port int, log *logging.Logger) *DispatchProxy {
	return &DispatchProxy{client: c, port: port, log: log}
}

// Run serves the proxy listener until ctx is cancelled.
func (p *DispatchProxy) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    fmt.Sprintf("127.0.0.1:%d", p.port),
		Handler: http.HandlerFunc(p.handle),
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	p.log.Info("dispatch proxy listening on %s", srv.Addr)
	err := srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (p *DispatchProxy) handle(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}

	req := &protocol.HTTPRequest{
		RequestID: uuid.NewString(),
		Method:    r.Method,
		URL:       r.URL.RequestURI(),
		Headers:   protocol.HeadersFromHTTP(r.Header),
		Body:      body,
	}

	ch, err := p.client.pending.Insert(req.RequestID)
	if err != nil {
		p.log.Error("dispatch id collision on %s: %v", req.RequestID, err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	defer p.client.pending.Remove(req.RequestID)

	if err := p.client.send(&protocol.Frame{Kind: protocol.KindDispatch, Request: req}); err != nil {
		writeProxyError(w, http.StatusServiceUnavailable, "not connected to server")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), dispatchWait)
	defer cancel()

	select {
	case out := <-ch:
		if out.Err != nil {
			writeProxyError(w, http.StatusServiceUnavailable, out.Err.Error())
			return
		}
		for k, v := range out.Response.Headers {
			w.Header().Set(k, v)
		}
		status := out.Response.StatusCode
		if status == 0 {
			status = http.StatusBadGateway
		}
		w.WriteHeader(status)
		w.Write(out.Response.Body)
	case <-ctx.Done():
		writeProxyError(w, http.StatusGatewayTimeout, "dispatch timed out")
	}
}

func writeProxyError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	fmt.Fprintf(w, `{"error":%q,"message":%q}`, http.StatusText(status), message)
}
