package broker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

var errWriteFailed = errors.New("write failed")

// fakeTransport records every frame and the close call.
type fakeTransport struct {
	mu          sync.Mutex
	frames      [][]byte
	failWrites  bool
	closed      bool
	closeCalls  int
	closeCode   int
	closeReason string
}

func (f *fakeTransport) WriteFrame(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWrites {
		return errWriteFailed
	}
	f.frames = append(f.frames, append([]byte(nil), data...))
	return nil
}

func (f *fakeTransport) Close(code int, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.closeCalls++
	f.closeCode = code
	f.closeReason = reason
	return nil
}

func (f *fakeTransport) setFailWrites(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failWrites = v
}

func (f *fakeTransport) messages(t *testing.T) []map[string]any {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]map[string]any, 0, len(f.frames))
	for _, raw := range f.frames {
		var m map[string]any
		require.NoError(t, json.Unmarshal(raw, &m))
		out = append(out, m)
	}
	return out
}

// ofType returns the frames whose "type" equals typ.
func (f *fakeTransport) ofType(t *testing.T, typ string) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, m := range f.messages(t) {
		if m["type"] == typ {
			out = append(out, m)
		}
	}
	return out
}

// last returns the most recent frame.
func (f *fakeTransport) last(t *testing.T) map[string]any {
	t.Helper()
	msgs := f.messages(t)
	require.NotEmpty(t, msgs)
	return msgs[len(msgs)-1]
}

func (f *fakeTransport) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.frames)
}

func (f *fakeTransport) closeState() (calls, code int, reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closeCalls, f.closeCode, f.closeReason
}

// newTestBroker returns a broker on a fake clock with a monitor interval long
// enough that scans only happen when a test calls reapStale.
func newTestBroker(t *testing.T, opts ...Option) (*Broker, *clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClock()
	cfg := DefaultConfig()
	cfg.MonitorInterval = time.Hour
	b := New(cfg, append([]Option{WithClock(clock)}, opts...)...)
	t.Cleanup(func() { _ = b.Shutdown(context.Background()) })
	return b, clock
}

// connect registers a new fake connection and returns its id and transport.
func connect(t *testing.T, b *Broker, clientID, userID string) (string, *fakeTransport) {
	t.Helper()
	ft := &fakeTransport{}
	id, err := b.Connect(context.Background(), ft, clientID, userID)
	require.NoError(t, err)
	return id, ft
}

// send feeds a JSON frame into the broker as if clientID had sent it.
func send(t *testing.T, b *Broker, clientID string, msg map[string]any) {
	t.Helper()
	raw, err := json.Marshal(msg)
	require.NoError(t, err)
	b.HandleMessage(context.Background(), clientID, raw)
}

// assertIndexInvariants checks that the channel index and every record's
// subscriptions agree, and that the user index holds only live records.
func assertIndexInvariants(t *testing.T, b *Broker) {
	t.Helper()
	b.mu.RLock()
	defer b.mu.RUnlock()

	for name, set := range b.channels {
		require.NotEmpty(t, set, "empty channel %q retained", name)
		for id := range set {
			c, ok := b.conns[id]
			require.True(t, ok, "channel %q references unknown id %s", name, id)
			_, subscribed := c.subscriptions[name]
			require.True(t, subscribed, "channel %q lists %s but record disagrees", name, id)
		}
	}
	for id, c := range b.conns {
		for name := range c.subscriptions {
			_, ok := b.channels[name][id]
			require.True(t, ok, "record %s subscribed to %q but channel index disagrees", id, name)
		}
	}
	for user, set := range b.users {
		require.NotEmpty(t, set, "empty user entry %q retained", user)
		for id := range set {
			c, ok := b.conns[id]
			require.True(t, ok, "user %q references unknown id %s", user, id)
			require.Equal(t, user, c.UserID)
		}
	}
}

// gatedTransport holds its first WriteFrame and/or its Close until the test
// releases them, signalling on entered when a held call starts.
type gatedTransport struct {
	fakeTransport
	holdWrite chan struct{}
	holdClose chan struct{}
	entered   chan string
	once      sync.Once
}

func newGatedTransport(holdWrite, holdClose bool) *gatedTransport {
	g := &gatedTransport{entered: make(chan string, 2)}
	if holdWrite {
		g.holdWrite = make(chan struct{})
	}
	if holdClose {
		g.holdClose = make(chan struct{})
	}
	return g
}

func (g *gatedTransport) WriteFrame(data []byte) error {
	if g.holdWrite != nil {
		g.once.Do(func() {
			g.entered <- "write"
			<-g.holdWrite
		})
	}
	return g.fakeTransport.WriteFrame(data)
}

func (g *gatedTransport) Close(code int, reason string) error {
	if g.holdClose != nil {
		g.entered <- "close"
		<-g.holdClose
	}
	return g.fakeTransport.Close(code, reason)
}

// waitEntered fails the test unless a held call starts within a second.
func (g *gatedTransport) waitEntered(t *testing.T, want string) {
	t.Helper()
	select {
	case got := <-g.entered:
		require.Equal(t, want, got)
	case <-time.After(time.Second):
		t.Fatalf("transport %s was never called", want)
	}
}
