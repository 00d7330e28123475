package protocol

import (
	"net/http"
	"time"
)

// TCP envelope types carried in the "type" field.
const (
	TCPInit    = "init"
	TCPData    = "data"
	TCPClose   = "close"
	TCPError   = "error"
	TCPControl = "control"
)

// HeartbeatConnectionID is the connection id used by control heartbeats.
const HeartbeatConnectionID = "heartbeat"

// HTTPRequest is the wire form of a public HTTP request forwarded to a client.
// Bodies travel as bytes (base64 in JSON); a zero-length body stays a
// zero-length body, it is not collapsed into absence.
type HTTPRequest struct {
	RequestID          string            `json:"requestId"`
	Method             string            `json:"method"`
	URL                string            `json:"url"`
	Headers            map[string]string `json:"headers"`
	Body               []byte            `json:"body"`
	IsWebSocketRequest bool              `json:"isWebSocketRequest,omitempty"`
	IsBlazorRequest    bool              `json:"isBlazorRequest,omitempty"`
}

// HTTPResponse is the wire form of the reply to a forwarded request.
type HTTPResponse struct {
	RequestID    string            `json:"requestId"`
	StatusCode   int               `json:"statusCode"`
	Headers      map[string]string `json:"headers"`
	Body         []byte            `json:"body"`
	ErrorMessage string            `json:"errorMessage,omitempty"`
}

// TCPEnvelope is one multiplexed TCP frame. Data is base64 on the wire.
// The timestamp is advisory.
type TCPEnvelope struct {
	Type         string    `json:"type"`
	ConnectionID string    `json:"connectionId"`
	Data         []byte    `json:"data,omitempty"`
	Host         string    `json:"host,omitempty"`
	Port         int       `json:"port,omitempty"`
	Error        string    `json:"error,omitempty"`
	Timestamp    time.Time `json:"timestamp,omitzero"`
}

// WsRelayFrame is a relayed WebSocket data chunk. Decoded for protocol
// completeness; bidirectional passthrough itself is not implemented.
type WsRelayFrame struct {
	ConnectionID string `json:"connectionId"`
	Data         []byte `json:"data,omitempty"`
	Closed       bool   `json:"closed,omitempty"`
}

// HeadersFromHTTP flattens an http.Header to the single-value map used on
// the wire.
func HeadersFromHTTP(h http.Header) map[string]string {
	result := make(map[string]string, len(h))
	for k, v := range h {
		if len(v) > 0 {
			result[k] = v[0]
		}
	}
	return result
}

// HeadersToHTTP converts a wire header map back to http.Header.
func HeadersToHTTP(h map[string]string) http.Header {
	result := make(http.Header, len(h))
	for k, v := range h {
		result.Set(k, v)
	}
	return result
}
