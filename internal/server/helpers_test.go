package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/roomchat/internal/chat"
)

const frameTimeout = 2 * time.Second

var errStoreDown = errors.New("store down")

// fakeStore is an in-memory MessageStore with switchable failures.
type fakeStore struct {
	mu          sync.Mutex
	seq         int
	messages    []chat.Message
	online      map[string]bool
	failSave    bool
	failHistory bool
	historyGate chan struct{} // when set, history reads wait for it to close
}

func newFakeStore() *fakeStore {
	return &fakeStore{online: make(map[string]bool)}
}

func (s *fakeStore) SaveMessage(_ context.Context, msg chat.Message) (chat.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failSave {
		return chat.Message{}, errStoreDown
	}
	s.seq++
	msg.ID = fmt.Sprintf("m%d", s.seq)
	msg.Timestamp = time.Unix(int64(s.seq), 0).UTC()
	s.messages = append(s.messages, msg)
	return msg, nil
}

func (s *fakeStore) FindMessagesByRoom(_ context.Context, room string, limit int) ([]chat.Message, error) {
	s.mu.Lock()
	gate := s.historyGate
	s.mu.Unlock()
	if gate != nil {
		<-gate
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failHistory {
		return nil, errStoreDown
	}
	var out []chat.Message
	for _, m := range s.messages {
		if m.Room == room {
			out = append(out, m)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (s *fakeStore) SetUserOnline(_ context.Context, username string, online bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.online[username] = online
	return nil
}

func (s *fakeStore) isOnline(username string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.online[username]
}

func (s *fakeStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() Config {
	cfg := defaultConfig()
	cfg.SendBufferSize = 64
	cfg.StoreTimeout = time.Second
	return cfg
}

// startHub runs a hub for the duration of the test.
func startHub(t *testing.T, cfg Config, st MessageStore) *Hub {
	t.Helper()
	h := NewHub(cfg, st, discardLogger())
	go h.Run()
	t.Cleanup(func() { _ = h.Shutdown(time.Second) })
	return h
}

// connect registers a connection without a socket; its frames are read
// straight from the send queue.
func connect(t *testing.T, h *Hub) *Client {
	t.Helper()
	c := NewClient(nil, h, "test")
	require.True(t, h.Register(c))
	return c
}

func emit(t *testing.T, c *Client, event string, data any) {
	t.Helper()
	payload, err := json.Marshal(data)
	require.NoError(t, err)
	frame, err := json.Marshal(Envelope{Event: event, Data: payload})
	require.NoError(t, err)
	require.True(t, c.processMessage(frame))
}

func disconnect(t *testing.T, c *Client) {
	t.Helper()
	c.hub.unregisterClient(c)
}

// settle waits until the hub has handled everything queued before it.
func settle(h *Hub) {
	h.ClientCount()
}

func nextFrame(t *testing.T, c *Client) (Envelope, bool) {
	t.Helper()
	select {
	case raw, ok := <-c.send:
		if !ok {
			return Envelope{}, false
		}
		env, err := decodeEnvelope(raw)
		require.NoError(t, err)
		return env, true
	case <-time.After(frameTimeout):
		return Envelope{}, false
	}
}

// waitFor skips frames until one named event arrives.
func waitFor(t *testing.T, c *Client, event string) Envelope {
	t.Helper()
	for {
		env, ok := nextFrame(t, c)
		require.True(t, ok, "timed out waiting for %s", event)
		if env.Event == event {
			return env
		}
	}
}

// framesWithin drains every frame delivered within d.
func framesWithin(c *Client, d time.Duration) []Envelope {
	var out []Envelope
	deadline := time.After(d)
	for {
		select {
		case raw, ok := <-c.send:
			if !ok {
				return out
			}
			if env, err := decodeEnvelope(raw); err == nil {
				out = append(out, env)
			}
		case <-deadline:
			return out
		}
	}
}

func countEvent(frames []Envelope, event string) int {
	n := 0
	for _, f := range frames {
		if f.Event == event {
			n++
		}
	}
	return n
}

func decodeData[T any](t *testing.T, env Envelope) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(env.Data, &v))
	return v
}

func sorted(s ...string) []string {
	out := append([]string{}, s...)
	sort.Strings(out)
	return out
}
