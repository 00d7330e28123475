package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeHTTPRequestRoundTrip(t *testing.T) {
	req := &HTTPRequest{
		RequestID: "req-1",
		Method:    "POST",
		URL:       "/svc1/echo?x=1",
		Headers:   map[string]string{"Content-Type": "text/plain"},
		Body:      []byte("hello"),
	}

	data, err := Encode(&Frame{Kind: KindHTTPRequest, Request: req})
	require.NoError(t, err)

	frame, err := Decode(data)
	require.NoError(t, err)
	require.Equal(t, KindHTTPRequest, frame.Kind)
	assert.Equal(t, req.Method, frame.Request.Method)
	assert.Equal(t, req.URL, frame.Request.URL)
	assert.Equal(t, req.Headers, frame.Request.Headers)
	assert.Equal(t, req.Body, frame.Request.Body)
}

func TestEncodeDecodeHTTPResponseRoundTrip(t *testing.T) {
	resp := &HTTPResponse{
		RequestID:  "req-1",
		StatusCode: 200,
		Headers:    map[string]string{"Content-Type": "application/json"},
		Body:       []byte(`{"ok":true}`),
	}

	data, err := Encode(&Frame{Kind: KindHTTPResponse, Response: resp})
	require.NoError(t, err)

	frame, err := Decode(data)
	require.NoError(t, err)
	require.Equal(t, KindHTTPResponse, frame.Kind)
	assert.Equal(t, resp.StatusCode, frame.Response.StatusCode)
	assert.Equal(t, resp.Body, frame.Response.Body)
}

func TestDecodeDistinguishesTCPEnvelope(t *testing.T) {
	env := &TCPEnvelope{
		Type:         TCPData,
		ConnectionID: "conn-1",
		Data:         []byte{0x00, 0x01, 0xFF},
	}

	data, err := Encode(&Frame{Kind: KindTCPEnvelope, TCP: env})
	require.NoError(t, err)

	frame, err := Decode(data)
	require.NoError(t, err)
	require.Equal(t, KindTCPEnvelope, frame.Kind)
	assert.Equal(t, TCPData, frame.TCP.Type)
	assert.Equal(t, env.Data, frame.TCP.Data)
}

func TestPingPongFrames(t *testing.T) {
	for _, kind := range []Kind{KindPing, KindPong} {
		data, err := Encode(&Frame{Kind: kind})
		require.NoError(t, err)

		frame, err := Decode(data)
		require.NoError(t, err)
		assert.Equal(t, kind, frame.Kind)
	}
}

func TestDispatchResponseDecodedBeforeDispatch(t *testing.T) {
	// The two prefixes share "$dispatch" so ordering in Decode matters.
	resp := &HTTPResponse{RequestID: "d-1", StatusCode: 204, Body: []byte{}}

	data, err := Encode(&Frame{Kind: KindDispatchResponse, Response: resp})
	require.NoError(t, err)

	frame, err := Decode(data)
	require.NoError(t, err)
	require.Equal(t, KindDispatchResponse, frame.Kind)
	assert.Equal(t, 204, frame.Response.StatusCode)
}

func TestDispatchRoundTrip(t *testing.T) {
	req := &HTTPRequest{RequestID: "d-2", Method: "GET", URL: "/other/x", Headers: map[string]string{}}

	data, err := Encode(&Frame{Kind: KindDispatch, Request: req})
	require.NoError(t, err)

	frame, err := Decode(data)
	require.NoError(t, err)
	require.Equal(t, KindDispatch, frame.Kind)
	assert.Equal(t, "/other/x", frame.Request.URL)
}

func TestWsRelayRoundTrip(t *testing.T) {
	relay := &WsRelayFrame{ConnectionID: "ws-1", Data: []byte("chunk")}

	data, err := Encode(&Frame{Kind: KindWsRelay, Relay: relay})
	require.NoError(t, err)

	frame, err := Decode(data)
	require.NoError(t, err)
	require.Equal(t, KindWsRelay, frame.Kind)
	assert.Equal(t, relay.Data, frame.Relay.Data)
}

func TestZeroByteBodyPreserved(t *testing.T) {
	req := &HTTPRequest{RequestID: "r", Method: "POST", URL: "/", Body: []byte{}}

	data, err := Encode(&Frame{Kind: KindHTTPRequest, Request: req})
	require.NoError(t, err)

	frame, err := Decode(data)
	require.NoError(t, err)
	require.NotNil(t, frame.Request.Body)
	assert.Len(t, frame.Request.Body, 0)
}

func TestDecodeMalformedFrames(t *testing.T) {
	cases := [][]byte{
		[]byte("not json"),
		[]byte("$dispatch$not json"),
		[]byte("$wsrelay${"),
		[]byte(`{"neither":"fish","nor":"fowl"}`),
	}
	for _, data := range cases {
		_, err := Decode(data)
		var perr *ParseError
		assert.ErrorAs(t, err, &perr, "input %q", data)
	}
}
