package server

import (
	"sync"
	"time"

	"github.com/pgourlain/PGrok/internal/protocol"
)

const defaultMaxHistory = 100

// RequestStore keeps a bounded per-tunnel history of forwarded requests and
// their responses, backing the $api listing and replay endpoints.
type RequestStore struct {
	mu         sync.RWMutex
	requests   map[string]*storedRequest // requestId -> request
	byTunnel   map[string][]string       // tunnelId -> ordered requestIds
	responses  map[string]*protocol.HTTPResponse
	maxHistory int
}

type storedRequest struct {
	TunnelID string
	Request  *protocol.HTTPRequest
	At       time.Time
}

// RequestSummary is one history listing entry.
type RequestSummary struct {
	RequestID  string `json:"requestId"`
	Method     string `json:"method"`
	URL        string `json:"url"`
	Timestamp  string `json:"timestamp"`
	StatusCode int    `json:"statusCode,omitempty"`
}

// NewRequestStore creates a store keeping at most maxHistory requests per
// tunnel.
func NewRequestStore(maxHistory int) *RequestStore {
	if maxHistory <= 0 {
		maxHistory = defaultMaxHistory
	}
	return &RequestStore{
		requests:   make(map[string]*storedRequest),
		byTunnel:   make(map[string][]string),
		responses:  make(map[string]*protocol.HTTPResponse),
		maxHistory: maxHistory,
	}
}

// Store records a forwarded request, evicting the oldest entry when the
// tunnel's history is full.
func (s *RequestStore) Store(tunnelID string, req *protocol.HTTPRequest) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.requests[req.RequestID] = &storedRequest{TunnelID: tunnelID, Request: req, At: time.Now()}
	s.byTunnel[tunnelID] = append(s.byTunnel[tunnelID], req.RequestID)

	if len(s.byTunnel[tunnelID]) > s.maxHistory {
		oldest := s.byTunnel[tunnelID][0]
		s.byTunnel[tunnelID] = s.byTunnel[tunnelID][1:]
		delete(s.requests, oldest)
		delete(s.responses, oldest)
	}
}

// StoreResponse records the response for a stored request.
func (s *RequestStore) StoreResponse(resp *protocol.HTTPResponse) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.requests[resp.RequestID]; ok {
		s.responses[resp.RequestID] = resp
	}
}

// Get returns a stored request and the tunnel it belongs to.
func (s *RequestStore) Get(requestID string) (*protocol.HTTPRequest, string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stored, ok := s.requests[requestID]
	if !ok {
		return nil, "", false
	}
	return stored.Request, stored.TunnelID, true
}

// List returns history summaries for a tunnel, newest first.
func (s *RequestStore) List(tunnelID string) []RequestSummary {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.byTunnel[tunnelID]
	result := make([]RequestSummary, 0, len(ids))
	for i := len(ids) - 1; i >= 0; i-- {
		stored := s.requests[ids[i]]
		if stored == nil {
			continue
		}
		summary := RequestSummary{
			RequestID: stored.Request.RequestID,
			Method:    stored.Request.Method,
			URL:       stored.Request.URL,
			Timestamp: stored.At.UTC().Format(time.RFC3339),
		}
		if resp, ok := s.responses[ids[i]]; ok {
			summary.StatusCode = resp.StatusCode
		}
		result = append(result, summary)
	}
	return result
}

// Clear drops all history for a tunnel.
func (s *RequestStore) Clear(tunnelID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range s.byTunnel[tunnelID] {
		delete(s.requests, id)
		delete(s.responses, id)
	}
	delete(s.byTunnel, tunnelID)
}
