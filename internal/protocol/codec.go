package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Single-line prefixes tagging non-default frames. None of them can occur
// at the start of a JSON object, so bare envelopes stay unambiguous.
const (
	prefixPing             = "$ping$"
	prefixPong             = "$pong$"
	prefixDispatch         = "$dispatch$"
	prefixDispatchResponse = "$dispatchresponse$"
	prefixWsRelay          = "$wsrelay$"
)

// MaxFrameSize caps one decoded text frame. A peer exceeding it is a
// protocol violation and loses the connection.
const MaxFrameSize = 16 * 1024 * 1024

// Kind identifies the variant carried by a Frame.
type Kind int

const (
	KindHTTPRequest Kind = iota
	KindHTTPResponse
	KindDispatch
	KindDispatchResponse
	KindWsRelay
	KindTCPEnvelope
	KindPing
	KindPong
)

func (k Kind) String() string {
	switch k {
	case KindHTTPRequest:
		return "http-request"
	case KindHTTPResponse:
		return "http-response"
	case KindDispatch:
		return "dispatch"
	case KindDispatchResponse:
		return "dispatch-response"
	case KindWsRelay:
		return "ws-relay"
	case KindTCPEnvelope:
		return "tcp-envelope"
	case KindPing:
		return "ping"
	case KindPong:
		return "pong"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Frame is the decoded form of one control-channel text frame. The payload
// field matching Kind is set; ping and pong frames carry no payload.
type Frame struct {
	Kind     Kind
	Request  *HTTPRequest  // KindHTTPRequest, KindDispatch
	Response *HTTPResponse // KindHTTPResponse, KindDispatchResponse
	Relay    *WsRelayFrame // KindWsRelay
	TCP      *TCPEnvelope  // KindTCPEnvelope
}

// ParseError reports a malformed frame. The caller is expected to log and
// discard it rather than tear down the channel.
type ParseError struct {
	Reason string
	Data   []byte
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("malformed frame: %s", e.Reason)
}

// Encode serialises a frame to its wire bytes.
func Encode(f *Frame) ([]byte, error) {
	switch f.Kind {
	case KindPing:
		return []byte(prefixPing), nil
	case KindPong:
		return []byte(prefixPong), nil
	case KindHTTPRequest:
		return json.Marshal(f.Request)
	case KindHTTPResponse:
		return json.Marshal(f.Response)
	case KindTCPEnvelope:
		return json.Marshal(f.TCP)
	case KindDispatch:
		return encodeTagged(prefixDispatch, f.Request)
	case KindDispatchResponse:
		return encodeTagged(prefixDispatchResponse, f.Response)
	case KindWsRelay:
		return encodeTagged(prefixWsRelay, f.Relay)
	}
	return nil, fmt.Errorf("encoding unknown frame kind %d", int(f.Kind))
}

func encodeTagged(prefix string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return append([]byte(prefix), data...), nil
}

// Decode parses wire bytes into a frame. Returns a *ParseError for frames
// that are malformed but should not kill the channel.
func Decode(data []byte) (*Frame, error) {
	switch {
	case bytes.Equal(data, []byte(prefixPing)):
		return &Frame{Kind: KindPing}, nil
	case bytes.Equal(data, []byte(prefixPong)):
		return &Frame{Kind: KindPong}, nil
	// $dispatchresponse$ shares the $dispatch$ prefix; check it first.
	case bytes.HasPrefix(data, []byte(prefixDispatchResponse)):
		var resp HTTPResponse
		if err := json.Unmarshal(data[len(prefixDispatchResponse):], &resp); err != nil {
			return nil, &ParseError{Reason: err.Error(), Data: data}
		}
		return &Frame{Kind: KindDispatchResponse, Response: &resp}, nil
	case bytes.HasPrefix(data, []byte(prefixDispatch)):
		var req HTTPRequest
		if err := json.Unmarshal(data[len(prefixDispatch):], &req); err != nil {
			return nil, &ParseError{Reason: err.Error(), Data: data}
		}
		return &Frame{Kind: KindDispatch, Request: &req}, nil
	case bytes.HasPrefix(data, []byte(prefixWsRelay)):
		var relay WsRelayFrame
		if err := json.Unmarshal(data[len(prefixWsRelay):], &relay); err != nil {
			return nil, &ParseError{Reason: err.Error(), Data: data}
		}
		return &Frame{Kind: KindWsRelay, Relay: &relay}, nil
	}
	return decodeBare(data)
}

// decodeBare disambiguates untagged JSON envelopes by key set: "type" means
// a TCP envelope, "method" an HTTP request, "statusCode" an HTTP response.
func decodeBare(data []byte) (*Frame, error) {
	var keys map[string]json.RawMessage
	if err := json.Unmarshal(data, &keys); err != nil {
		return nil, &ParseError{Reason: err.Error(), Data: data}
	}

	switch {
	case keys["type"] != nil:
		var env TCPEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			return nil, &ParseError{Reason: err.Error(), Data: data}
		}
		return &Frame{Kind: KindTCPEnvelope, TCP: &env}, nil
	case keys["method"] != nil:
		var req HTTPRequest
		if err := json.Unmarshal(data, &req); err != nil {
			return nil, &ParseError{Reason: err.Error(), Data: data}
		}
		return &Frame{Kind: KindHTTPRequest, Request: &req}, nil
	case keys["statusCode"] != nil:
		var resp HTTPResponse
		if err := json.Unmarshal(data, &resp); err != nil {
			return nil, &ParseError{Reason: err.Error(), Data: data}
		}
		return &Frame{Kind: KindHTTPResponse, Response: &resp}, nil
	}
	return nil, &ParseError{Reason: "envelope has none of type/method/statusCode", Data: data}
}

// Codec reads and writes frames over one websocket connection. Writes are
// serialised so concurrent senders never interleave frames on the wire;
// reads must come from a single processing loop.
type Codec struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

// NewCodec wraps an established websocket connection.
func NewCodec(conn *websocket.Conn) *Codec {
	conn.SetReadLimit(MaxFrameSize)
	return &Codec{conn: conn}
}

// Write encodes and sends a frame as one text message.
func (c *Codec) Write(f *Frame) error {
	data, err := Encode(f)
	if err != nil {
		return fmt.Errorf("encoding %s frame: %w", f.Kind, err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Read receives and decodes the next frame. gorilla/websocket reassembles
// fragmented messages, so a frame larger than the transport buffer arrives
// whole. A *ParseError return means the frame should be discarded; any
// other error is a transport failure.
func (c *Codec) Read() (*Frame, error) {
	msgType, data, err := c.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	if msgType != websocket.TextMessage {
		return nil, &ParseError{Reason: fmt.Sprintf("unexpected websocket message type %d", msgType)}
	}
	return Decode(data)
}

// SetReadDeadline bounds the next Read.
func (c *Codec) SetReadDeadline(t time.Time) error {
	return c.conn.SetReadDeadline(t)
}

// WriteClose sends a websocket close frame with the given code.
func (c *Codec) WriteClose(code int, text string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	msg := websocket.FormatCloseMessage(code, text)
	return c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
}

// Close closes the underlying connection.
func (c *Codec) Close() error {
	return c.conn.Close()
}
