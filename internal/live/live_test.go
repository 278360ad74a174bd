package live

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

type fakeConn struct {
	mu     sync.Mutex
	fail   bool
	closed bool
	got    []any
}

func (c *fakeConn) WriteJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail || c.closed {
		return errors.New("broken pipe")
	}
	c.got = append(c.got, v)
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) messages() []any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]any(nil), c.got...)
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// stalledConn blocks every write until it is closed, like a client that
// stopped reading.
type stalledConn struct {
	once    sync.Once
	release chan struct{}
	writing chan struct{}
}

func newStalledConn() *stalledConn {
	return &stalledConn{release: make(chan struct{}), writing: make(chan struct{}, 1)}
}

func (c *stalledConn) WriteJSON(any) error {
	select {
	case c.writing <- struct{}{}:
	default:
	}
	<-c.release
	return errors.New("write deadline exceeded")
}

func (c *stalledConn) Close() error {
	c.once.Do(func() { close(c.release) })
	return nil
}

func newTestHub() *Hub {
	return NewHub(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

// eventually polls cond until it holds or two seconds pass.
func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSendToConnectedSession(t *testing.T) {
	h := newTestHub()
	c := &fakeConn{}
	h.Connect("s1", c)

	if !h.IsConnected("s1") {
		t.Fatal("expected s1 connected")
	}
	if !h.Send("s1", "hello") {
		t.Fatal("Send returned false")
	}
	eventually(t, "delivery", func() bool { return len(c.messages()) == 1 })
	if got := c.messages(); got[0] != "hello" {
		t.Errorf("got %v, want [hello]", got)
	}
}

func TestSendUnknownSession(t *testing.T) {
	h := newTestHub()
	if h.Send("nope", "x") {
		t.Error("Send to unknown session returned true")
	}
}

func TestSendPreservesOrder(t *testing.T) {
	h := newTestHub()
	c := &fakeConn{}
	h.Connect("s1", c)

	for i := range 10 {
		if !h.Send("s1", i) {
			t.Fatalf("Send %d returned false", i)
		}
	}
	eventually(t, "delivery", func() bool { return len(c.messages()) == 10 })
	for i, v := range c.messages() {
		if v != i {
			t.Fatalf("message %d = %v, want %d", i, v, i)
		}
	}
}

func TestConnectReplacesPrevious(t *testing.T) {
	h := newTestHub()
	first := &fakeConn{}
	second := &fakeConn{}
	h.Connect("s1", first)
	h.Connect("s1", second)

	if h.Count() != 1 {
		t.Fatalf("Count = %d, want 1", h.Count())
	}
	if !first.isClosed() {
		t.Error("replaced connection should be closed")
	}
	h.Send("s1", "x")
	eventually(t, "delivery", func() bool { return len(second.messages()) == 1 })
	if len(first.messages()) != 0 {
		t.Error("message should go to the newest connection only")
	}
}

func TestWriteFailureDisconnects(t *testing.T) {
	h := newTestHub()
	c := &fakeConn{fail: true}
	h.Connect("s1", c)

	h.Send("s1", "x")
	eventually(t, "disconnect", func() bool { return !h.IsConnected("s1") })
	if !c.isClosed() {
		t.Error("failed connection should be closed")
	}
	if h.Send("s1", "y") {
		t.Error("Send after disconnect should fail")
	}
}

func TestSendDoesNotWaitForStalledConnection(t *testing.T) {
	h := newTestHub()
	stuck := newStalledConn()
	healthy := &fakeConn{}
	h.Connect("stuck", stuck)
	h.Connect("healthy", healthy)
	defer h.CloseAll()

	h.Send("stuck", "first")
	<-stuck.writing

	done := make(chan struct{})
	go func() {
		defer close(done)
		h.Send("stuck", "second")
		h.Send("healthy", "hello")
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Send blocked behind a stalled connection")
	}
	eventually(t, "healthy delivery", func() bool { return len(healthy.messages()) == 1 })
}

func TestStalledConnectionDroppedWhenOutboxFull(t *testing.T) {
	h := newTestHub()
	stuck := newStalledConn()
	h.Connect("s1", stuck)

	h.Send("s1", "first")
	<-stuck.writing
	for i := range outboxSize {
		if !h.Send("s1", i) {
			t.Fatalf("Send %d rejected before the outbox filled", i)
		}
	}
	if h.Send("s1", "overflow") {
		t.Fatal("Send to a full outbox should fail")
	}
	if h.IsConnected("s1") {
		t.Error("connection that fell behind should be disconnected")
	}
	select {
	case <-stuck.release:
	default:
		t.Error("dropped connection should be closed")
	}
}

func TestBroadcastIsolatesFailures(t *testing.T) {
	h := newTestHub()
	good1, bad, good2 := &fakeConn{}, &fakeConn{fail: true}, &fakeConn{}
	h.Connect("a", good1)
	h.Connect("b", bad)
	h.Connect("c", good2)

	if n := h.Broadcast("ping"); n != 3 {
		t.Errorf("Broadcast queued %d, want 3", n)
	}
	eventually(t, "failed connection removed", func() bool { return h.Count() == 2 })
	eventually(t, "healthy deliveries", func() bool {
		return len(good1.messages()) == 1 && len(good2.messages()) == 1
	})
	if h.IsConnected("b") {
		t.Error("failing connection should be disconnected")
	}
}

func TestReleaseIgnoresStaleConn(t *testing.T) {
	h := newTestHub()
	old := &fakeConn{}
	cur := &fakeConn{}
	h.Connect("s1", old)
	h.Connect("s1", cur)

	h.Release("s1", old)
	if !h.IsConnected("s1") {
		t.Fatal("release of a replaced connection must not drop the current one")
	}

	h.Release("s1", cur)
	if h.IsConnected("s1") {
		t.Error("release of the current connection should disconnect")
	}
}

func TestDisconnect(t *testing.T) {
	h := newTestHub()
	c := &fakeConn{}
	h.Connect("s1", c)
	h.Disconnect("s1")
	h.Disconnect("s1")

	if h.IsConnected("s1") || h.Count() != 0 {
		t.Error("expected no connections")
	}
	if !c.isClosed() {
		t.Error("connection should be closed")
	}
}

func TestConcurrentSend(t *testing.T) {
	h := newTestHub()
	c := &fakeConn{}
	h.Connect("s1", c)

	const n = 20
	var wg sync.WaitGroup
	for range n {
		wg.Go(func() { h.Send("s1", "x") })
	}
	wg.Wait()

	eventually(t, "all deliveries", func() bool { return len(c.messages()) == n })
}
