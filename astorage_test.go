package astorage

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/AcapellaSoft/astorage-go/memory"
)

// wireCounter records every request reaching the server, so tests can
// assert how many wire calls an operation produced.
type wireCounter struct {
	mu    sync.Mutex
	calls []string
}

func (c *wireCounter) wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c.mu.Lock()
		c.calls = append(c.calls, r.Method+" "+r.URL.Path)
		c.mu.Unlock()
		next.ServeHTTP(w, r)
	})
}

func (c *wireCounter) count(method, pathPart string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, call := range c.calls {
		if strings.HasPrefix(call, method+" ") && strings.Contains(call, pathPart) {
			n++
		}
	}
	return n
}

func (c *wireCounter) total() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.calls)
}

type env struct {
	store   *memory.Store
	session *Session
	wire    *wireCounter
}

func newEnv(t *testing.T, sessionOpts []Option, serverOpts []memory.ServerOption) *env {
	t.Helper()

	store := memory.NewStore()
	wire := &wireCounter{}
	srv := httptest.NewServer(wire.wrap(memory.NewServer(store, serverOpts...)))
	t.Cleanup(srv.Close)

	opts := append([]Option{WithBaseURL(srv.URL)}, sessionOpts...)
	return &env{
		store:   store,
		session: New(opts...),
		wire:    wire,
	}
}

type SessionSuite struct {
	suite.Suite
	env *env
}

func TestSessionSuite(t *testing.T) {
	suite.Run(t, new(SessionSuite))
}

func (s *SessionSuite) SetupTest() {
	s.env = newEnv(s.T(), nil, nil)
}

func (s *SessionSuite) TestRoundTrip() {
	ctx := context.Background()
	e := s.env.session.Entry(K("users"), K("alice"))

	before := e.Version()
	version, err := e.Set(ctx, map[string]string{"name": "Alice"})
	s.NoError(err)
	s.Equal(before+1, version)

	fresh := s.env.session.Entry(K("users"), K("alice"))
	value, err := fresh.Get(ctx)
	s.NoError(err)
	s.JSONEq(`{"name":"Alice"}`, string(value))
	s.Equal(version, fresh.Version())
	s.True(fresh.Exists())
}

func (s *SessionSuite) TestNeverWrittenKey() {
	e, err := s.env.session.GetEntry(context.Background(), K("users"), K("nobody"))
	s.NoError(err)
	s.EqualValues(0, e.Version())
	s.Nil(e.Value())
	s.False(e.Exists())
}

func (s *SessionSuite) TestTombstoneIsNotNeverWritten() {
	ctx := context.Background()
	e := s.env.session.Entry(K("users"), K("bob"))
	_, err := e.Set(ctx, map[string]int{"age": 44})
	s.NoError(err)
	version, err := e.Set(ctx, nil)
	s.NoError(err)
	s.EqualValues(2, version)

	fresh, err := s.env.session.GetEntry(ctx, K("users"), K("bob"))
	s.NoError(err)
	s.EqualValues(2, fresh.Version())
	s.False(fresh.Exists())
}

func (s *SessionSuite) TestGetVersion() {
	ctx := context.Background()
	_, err := s.env.session.Entry(K("counters"), nil).Set(ctx, 7)
	s.NoError(err)

	version, err := s.env.session.GetVersion(ctx, K("counters"), nil)
	s.NoError(err)
	s.EqualValues(1, version)
}

func (s *SessionSuite) TestRangeBoundaries() {
	ctx := context.Background()
	for _, k := range []string{"a", "b", "c"} {
		_, err := s.env.session.Entry(K("letters"), K(k)).Set(ctx, k)
		s.NoError(err)
	}

	keys := func(entries []*Entry) []string {
		out := make([]string, len(entries))
		for i, e := range entries {
			out[i] = e.Clustering()[0]
		}
		return out
	}

	all, err := s.env.session.Range(ctx, K("letters"))
	s.NoError(err)
	s.Equal([]string{"a", "b", "c"}, keys(all))

	afterA, err := s.env.session.Range(ctx, K("letters"), WithFirst(K("a")))
	s.NoError(err)
	s.Equal([]string{"b", "c"}, keys(afterA))

	untilB, err := s.env.session.Range(ctx, K("letters"), WithLast(K("b")))
	s.NoError(err)
	s.Equal([]string{"a", "b"}, keys(untilB))

	limited, err := s.env.session.Range(ctx, K("letters"), WithLimit(2))
	s.NoError(err)
	s.Equal([]string{"a", "b"}, keys(limited))
}

func (s *SessionSuite) TestValidationNeverReachesTransport() {
	ctx := context.Background()

	_, err := s.env.session.Entry(nil, nil).Set(ctx, 1)
	s.ErrorIs(err, ErrInvalidKey)

	_, err = s.env.session.Entry(K("p"), nil, WithReplication(3, 4, 2)).Get(ctx)
	s.ErrorIs(err, ErrInvalidReplication)

	_, err = s.env.session.Range(ctx, K("p"), WithLimit(-1))
	s.ErrorIs(err, ErrInvalidLimit)

	s.Equal(0, s.env.wire.total())
}

func TestAuthentication(t *testing.T) {
	serverOpts := []memory.ServerOption{memory.WithServerToken("secret")}

	env := newEnv(t, nil, serverOpts)
	_, err := env.session.Entry(K("p"), nil).Get(context.Background())
	if err != ErrAuthenticationFailed {
		t.Fatalf("expected ErrAuthenticationFailed, got %v", err)
	}

	authed := newEnv(t, []Option{WithToken("secret")}, serverOpts)
	if _, err := authed.session.Entry(K("p"), nil).Get(context.Background()); err != nil {
		t.Fatalf("authenticated get failed: %v", err)
	}
}

// waitFor polls until cond holds, failing the test after two seconds.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}
