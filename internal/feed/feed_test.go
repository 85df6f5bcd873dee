package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/lotguard/internal/domain"
	"github.com/alanyoungcy/lotguard/internal/metrics"
)

var nifty = domain.InstrumentKey{Segment: "NSE_FNO", SecurityID: "43512"}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestTickBuffer_DropsOldest(t *testing.T) {
	b := NewTickBuffer(3, metrics.New())
	for i := 1; i <= 5; i++ {
		b.Push(domain.Tick{Segment: "NSE_FNO", SecurityID: "43512", LastPrice: float64(i)})
	}
	assert.Equal(t, 3, b.Len())
	assert.Equal(t, int64(2), b.Dropped())

	ctx, cancel := context.WithCancel(context.Background())
	var got []float64
	err := b.Run(ctx, func(_ context.Context, tk domain.Tick) {
		got = append(got, tk.LastPrice)
		if len(got) == 3 {
			cancel()
		}
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, []float64{3, 4, 5}, got)
}

func TestTickBuffer_ConcurrentProducers(t *testing.T) {
	b := NewTickBuffer(8, nil)
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				b.Push(domain.Tick{LastPrice: 1})
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 8, b.Len())
	assert.Equal(t, int64(800-8), b.Dropped())
}

func TestDecodeOrderUpdate(t *testing.T) {
	ev, err := DecodeOrderUpdate([]byte(`{"type":"fill","order_ref":"o1","segment":"NSE_FNO","security_id":"43512",
		"side":"BUY","filled_qty":150,"fill_price":101.25,"lot_size":75,"ts":"2026-03-02T09:20:00Z"}`))
	require.NoError(t, err)
	require.NotNil(t, ev.Fill)
	assert.Equal(t, domain.OrderEventFill, ev.Type)
	assert.Equal(t, domain.OrderSideBuy, ev.Fill.Side)
	assert.Equal(t, int64(150), ev.Fill.FilledQty)
	assert.Equal(t, time.Date(2026, 3, 2, 9, 20, 0, 0, time.UTC), ev.Fill.Timestamp)

	ev, err = DecodeOrderUpdate([]byte(`{"type":"reject","order_ref":"o2","reason":"margin"}`))
	require.NoError(t, err)
	require.NotNil(t, ev.Cancel)
	assert.True(t, ev.Cancel.Rejected)
	assert.Equal(t, "margin", ev.Cancel.Reason)

	for _, bad := range []string{
		`not json`,
		`{"type":"fill","side":"buy"}`,
		`{"type":"fill","order_ref":"o3","side":"hold"}`,
		`{"type":"modify","order_ref":"o4"}`,
	} {
		_, err := DecodeOrderUpdate([]byte(bad))
		assert.Error(t, err, bad)
	}
}

type memStream struct {
	mu      sync.Mutex
	entries []domain.StreamMessage
}

func (s *memStream) add(payload string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, domain.StreamMessage{
		ID:      fmt.Sprintf("%d-0", len(s.entries)+1),
		Payload: []byte(payload),
	})
}

func seq(id string) int {
	var n int
	_, _ = fmt.Sscanf(id, "%d-", &n)
	return n
}

func (s *memStream) Publish(context.Context, string, []byte) error { return nil }
func (s *memStream) Subscribe(context.Context, string) (<-chan []byte, error) {
	return nil, errors.New("not supported")
}
func (s *memStream) StreamAppend(_ context.Context, _ string, payload []byte) error {
	s.add(string(payload))
	return nil
}

func (s *memStream) StreamRead(_ context.Context, _ string, lastID string, count int) ([]domain.StreamMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.StreamMessage
	for _, e := range s.entries {
		if seq(e.ID) > seq(lastID) && len(out) < count {
			out = append(out, e)
		}
	}
	return out, nil
}

type flakyQueue struct {
	mu       sync.Mutex
	events   []domain.OrderEvent
	attempts int
	failOnce atomic.Bool
}

func (q *flakyQueue) Enqueue(_ context.Context, ev domain.OrderEvent) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.attempts++
	if q.failOnce.CompareAndSwap(true, false) {
		return domain.ErrQueueFull
	}
	q.events = append(q.events, ev)
	return nil
}

func (q *flakyQueue) snapshot() ([]domain.OrderEvent, int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]domain.OrderEvent(nil), q.events...), q.attempts
}

func TestOrderStream_ForwardsAndRetries(t *testing.T) {
	bus := &memStream{}
	bus.add(`{"type":"fill","order_ref":"o1","segment":"NSE_FNO","security_id":"43512","side":"buy","filled_qty":75,"fill_price":100,"lot_size":75}`)
	bus.add(`garbage`)
	bus.add(`{"type":"cancel","order_ref":"o2"}`)

	q := &flakyQueue{}
	q.failOnce.Store(true)
	s := NewOrderStream(bus, q, OrderStreamConfig{StartID: "0-0", BatchSize: 2, PollInterval: 5 * time.Millisecond}, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = s.Run(ctx) }()

	require.Eventually(t, func() bool {
		evs, _ := q.snapshot()
		return len(evs) == 2
	}, time.Second, 5*time.Millisecond)

	evs, attempts := q.snapshot()
	assert.Equal(t, "o1", evs[0].Fill.OrderRef)
	assert.Equal(t, "o2", evs[1].Cancel.OrderRef)
	assert.Equal(t, 3, attempts)
}

func TestWSFeed_SubscribeTickAndResubscribe(t *testing.T) {
	var conns atomic.Int32
	cmds := make(chan wsCommand, 16)
	upgrader := websocket.Upgrader{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()
		n := conns.Add(1)
		for {
			_, data, err := c.ReadMessage()
			if err != nil {
				return
			}
			var cmd wsCommand
			if json.Unmarshal(data, &cmd) != nil {
				continue
			}
			cmds <- cmd
			if n == 1 && cmd.Action == "subscribe" {
				tick := `{"type":"tick","segment":"NSE_FNO","security_id":"43512","ltp":101.5,"ts":"2026-03-02T09:20:00Z"}`
				_ = c.WriteMessage(websocket.TextMessage, []byte(tick))
				time.Sleep(20 * time.Millisecond)
				return
			}
		}
	}))
	defer srv.Close()

	buf := NewTickBuffer(16, nil)
	f := NewWSFeed(WSConfig{
		URL:            "ws" + strings.TrimPrefix(srv.URL, "http"),
		ReconnectDelay: 10 * time.Millisecond,
	}, buf, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = f.Run(ctx)
		close(done)
	}()
	defer func() {
		cancel()
		<-done
	}()

	require.Eventually(t, func() bool {
		return f.Subscribe(ctx, nifty) == nil
	}, 2*time.Second, 10*time.Millisecond)

	first := <-cmds
	assert.Equal(t, "subscribe", first.Action)
	assert.Equal(t, []instrument{{Segment: "NSE_FNO", SecurityID: "43512"}}, first.Instruments)

	require.Eventually(t, func() bool { return buf.Len() == 1 }, time.Second, 5*time.Millisecond)

	var restored wsCommand
	select {
	case restored = <-cmds:
	case <-time.After(2 * time.Second):
		t.Fatal("subscription not restored after reconnect")
	}
	assert.Equal(t, "subscribe", restored.Action)
	assert.Equal(t, first.Instruments, restored.Instruments)
	assert.Equal(t, int32(2), conns.Load())

	require.NoError(t, f.Unsubscribe(ctx, nifty))
	unsub := <-cmds
	assert.Equal(t, "unsubscribe", unsub.Action)
	assert.Zero(t, f.Subscriptions())
}

func TestWSFeed_SubscribeWhileDisconnected(t *testing.T) {
	f := NewWSFeed(WSConfig{URL: "ws://127.0.0.1:1"}, NewTickBuffer(1, nil), discardLogger())
	err := f.Subscribe(context.Background(), nifty)
	assert.ErrorIs(t, err, domain.ErrWSDisconnect)
	assert.NoError(t, f.Unsubscribe(context.Background(), nifty))
}
