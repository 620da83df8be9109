// Package test provides shared testing utilities for the studio harness.
//
// The fake studio serves scripted responses for the health and live-state
// endpoints so convergence logic can be exercised without containers.
package test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

// Context returns a test context cancelled when the test completes.
func Context(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return ctx
}

// Reply is one scripted HTTP response.
type Reply struct {
	Status int
	Body   any
}

// JSON builds a reply whose body is marshalled as JSON.
func JSON(status int, body any) Reply {
	return Reply{Status: status, Body: body}
}

// OK builds a 200 reply.
func OK(body any) Reply {
	return JSON(http.StatusOK, body)
}

// Unavailable builds the studio's 503 reply for a workflow that is not running yet.
func Unavailable() Reply {
	return JSON(http.StatusServiceUnavailable, map[string]string{"error": "Workflow not running"})
}

// NotFound builds a 404 reply.
func NotFound() Reply {
	return JSON(http.StatusNotFound, map[string]string{"error": "Component not found"})
}

// Streams builds a 200 state document carrying connectedStreams.
func Streams(componentID string, streams ...string) Reply {
	if streams == nil {
		streams = []string{}
	}
	return OK(map[string]any{"componentId": componentID, "connectedStreams": streams})
}

// Studio is a scripted fake of the studio HTTP API.
//
// Each path replays its replies in order; the last reply repeats once the script is exhausted.
// Unscripted paths answer 404.
type Studio struct {
	t      *testing.T
	server *httptest.Server

	mu      sync.Mutex
	scripts map[string][]Reply
	hits    map[string]int
}

// NewStudio starts a fake studio that is closed when the test completes.
func NewStudio(t *testing.T) *Studio {
	t.Helper()
	s := &Studio{
		t:       t,
		scripts: map[string][]Reply{},
		hits:    map[string]int{},
	}
	s.server = httptest.NewServer(http.HandlerFunc(s.serve))
	t.Cleanup(s.server.Close)
	return s
}

// URL is the base URL of the fake studio.
func (s *Studio) URL() string {
	return s.server.URL
}

// Script replaces the replies for path.
func (s *Studio) Script(path string, replies ...Reply) {
	s.t.Helper()
	require.NotEmpty(s.t, replies, "script for %s needs at least one reply", path)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scripts[path] = append([]Reply(nil), replies...)
}

// Hits returns how many requests path has received.
func (s *Studio) Hits(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hits[path]
}

// Close stops the server early, e.g. to simulate the studio going away.
func (s *Studio) Close() {
	s.server.Close()
}

func (s *Studio) serve(w http.ResponseWriter, r *http.Request) {
	path := r.URL.EscapedPath()

	s.mu.Lock()
	s.hits[path]++
	reply, ok := s.next(path)
	s.mu.Unlock()

	if !ok {
		reply = NotFound()
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(reply.Status)
	switch body := reply.Body.(type) {
	case nil:
	case string:
		_, _ = w.Write([]byte(body))
	default:
		_ = json.NewEncoder(w).Encode(body)
	}
}

func (s *Studio) next(path string) (Reply, bool) {
	script := s.scripts[path]
	if len(script) == 0 {
		return Reply{}, false
	}
	index := s.hits[path] - 1
	if index >= len(script) {
		index = len(script) - 1
	}
	return script[index], true
}
