// file: tests/pipeline_e2e_test.go
package tests

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/uhyunpark/swapflow/pkg/api"
	"github.com/uhyunpark/swapflow/pkg/order"
	"github.com/uhyunpark/swapflow/pkg/pipeline"
	"github.com/uhyunpark/swapflow/pkg/queue"
	"github.com/uhyunpark/swapflow/pkg/util"
	"github.com/uhyunpark/swapflow/pkg/venue"
)

var txHashRe = regexp.MustCompile(`^(venueA|venueB)_.+`)

// node is a fully wired pipeline with fast simulated latencies.
type node struct {
	store *order.Store
	ts    *httptest.Server
}

func startNode(t *testing.T, qcfg queue.Config, scfg venue.SimConfig) *node {
	t.Helper()
	venueA := venue.NewSimulated("venueA", scfg, util.RealClock{})
	venueB := venue.NewSimulated("venueB", scfg, util.RealClock{})
	return startNodeWithVenues(t, qcfg, venueA, venueB)
}

func startNodeWithVenues(t *testing.T, qcfg queue.Config, venueA, venueB venue.Venue) *node {
	t.Helper()

	journal, err := queue.OpenJournal(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { journal.Close() })

	log := zap.NewNop().Sugar()
	store := order.NewStore()
	q := queue.New(qcfg, journal, util.RealClock{}, log)

	hub := api.NewHub(store, log)
	server := api.NewServer(store, q, hub, log)
	exec := pipeline.NewExecutor(store, venueA, venueB, hub, log)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go q.Consume(ctx, exec.Process)

	ts := httptest.NewServer(server.Handler())
	t.Cleanup(ts.Close)

	return &node{store: store, ts: ts}
}

func fastSim() venue.SimConfig {
	return venue.SimConfig{
		Spread:         0.03,
		QuoteLatency:   100 * time.Millisecond,
		ExecMinLatency: 100 * time.Millisecond,
		ExecMaxLatency: 200 * time.Millisecond,
	}
}

func fastQueue() queue.Config {
	return queue.Config{
		Attempts:     3,
		BackoffBase:  100 * time.Millisecond,
		Concurrency:  10,
		DispatchRate: 100,
		Buffer:       64,
	}
}

func (n *node) submit(t *testing.T, body string) (*http.Response, api.ExecuteOrderResponse) {
	t.Helper()
	resp, err := http.Post(n.ts.URL+"/api/orders/execute", "application/json", bytes.NewBufferString(body))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })

	var ack api.ExecuteOrderResponse
	if resp.StatusCode == http.StatusAccepted {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&ack))
	}
	return resp, ack
}

func (n *node) dial(t *testing.T, orderID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(n.ts.URL, "http") + "/ws/orders/" + orderID
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

// collect reads events until pred returns true or the deadline passes.
func collect(t *testing.T, conn *websocket.Conn, deadline time.Duration, pred func(pipeline.Event) bool) []pipeline.Event {
	t.Helper()
	var events []pipeline.Event
	conn.SetReadDeadline(time.Now().Add(deadline))
	for {
		_, msg, err := conn.ReadMessage()
		require.NoError(t, err, "events so far: %+v", events)
		var ev pipeline.Event
		require.NoError(t, json.Unmarshal(msg, &ev))
		events = append(events, ev)
		if pred(ev) {
			return events
		}
	}
}

func statusIndex(events []pipeline.Event, s order.Status) int {
	for i, ev := range events {
		if ev.Status == s {
			return i
		}
	}
	return -1
}

func TestSubmitAndWatchToConfirmation(t *testing.T) {
	n := startNode(t, fastQueue(), fastSim())

	resp, ack := n.submit(t, `{"tokenIn":"SOL","tokenOut":"USDC","amount":1.5}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	require.NotEmpty(t, ack.OrderID)
	require.Equal(t, "pending", ack.Status)
	require.Equal(t, "/ws/orders/"+ack.OrderID, ack.WSEndpoint)

	conn := n.dial(t, ack.OrderID)
	events := collect(t, conn, 10*time.Second, func(ev pipeline.Event) bool {
		return ev.Status == order.StatusConfirmed
	})

	// routing, building, submitted, confirmed appear in that relative
	// order (the first event may be a pending or routing snapshot).
	iR := statusIndex(events, order.StatusRouting)
	iB := statusIndex(events, order.StatusBuilding)
	iS := statusIndex(events, order.StatusSubmitted)
	iC := statusIndex(events, order.StatusConfirmed)
	require.True(t, iB >= 0 && iS >= 0 && iC >= 0, "missing stages in %+v", events)
	if iR >= 0 {
		assert.Less(t, iR, iB)
	}
	assert.Less(t, iB, iS)
	assert.Less(t, iS, iC)

	final := events[len(events)-1]
	assert.Equal(t, ack.OrderID, final.OrderID)
	assert.Regexp(t, txHashRe, final.TxHash)
	assert.GreaterOrEqual(t, final.ExecutedPrice, 97.0)
	assert.LessOrEqual(t, final.ExecutedPrice, 103.0)

	stored, ok := n.store.Get(ack.OrderID)
	require.True(t, ok)
	assert.Equal(t, order.StatusConfirmed, stored.Status)
	assert.Equal(t, final.TxHash, stored.TxHash)
}

func TestSubmitValidationFailures(t *testing.T) {
	n := startNode(t, fastQueue(), fastSim())

	resp, _ := n.submit(t, `{"tokenIn":"SOL","tokenOut":"USDC","amount":-1}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = n.submit(t, `{"tokenIn":"INVALID","tokenOut":"USDC","amount":1}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

// Execution fails on the first two attempts and succeeds on the third. The
// order goes failed -> (backoff ~base) -> failed -> (backoff ~2*base) ->
// confirmed, and each failed event carries the fault message.
func TestRetryRecoversAfterTransientFaults(t *testing.T) {
	qcfg := fastQueue()

	// One simulated venue serves as both quote sources so the routing
	// choice cannot dodge the fault window: the first two executions fail,
	// the third succeeds.
	shared := venue.NewSimulated("venueA", fastSim(), util.RealClock{})
	shared.FailNext(2, "venue congestion")
	n := startNodeWithVenues(t, qcfg, shared, shared)

	resp, ack := n.submit(t, `{"tokenIn":"ETH","tokenOut":"USDT","amount":2}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	conn := n.dial(t, ack.OrderID)

	type stamped struct {
		ev pipeline.Event
		at time.Time
	}
	var seen []stamped
	conn.SetReadDeadline(time.Now().Add(20 * time.Second))
	for {
		_, msg, err := conn.ReadMessage()
		require.NoError(t, err)
		var ev pipeline.Event
		require.NoError(t, json.Unmarshal(msg, &ev))
		seen = append(seen, stamped{ev, time.Now()})
		if ev.Status == order.StatusConfirmed {
			break
		}
	}

	var fails []stamped
	for _, s := range seen {
		if s.ev.Status == order.StatusFailed {
			fails = append(fails, s)
			assert.Equal(t, "venue congestion", s.ev.Error)
		}
	}
	require.Len(t, fails, 2, "expected two failed attempts, events: %+v", seen)

	// Redelivery gap after the first failure is at least the backoff base.
	gap := fails[1].at.Sub(fails[0].at)
	assert.GreaterOrEqual(t, gap, qcfg.BackoffBase)

	stored, _ := n.store.Get(ack.OrderID)
	assert.Equal(t, order.StatusConfirmed, stored.Status)
	assert.Regexp(t, txHashRe, stored.TxHash)
	assert.Empty(t, stored.Error)
}

// N concurrent submissions produce N unique ids, every order confirms, and
// each order's event stream only ever mentions its own id.
func TestConcurrentOrdersAreIndependent(t *testing.T) {
	n := startNode(t, fastQueue(), fastSim())
	const orders = 8

	ids := make([]string, orders)
	var wg sync.WaitGroup
	var mu sync.Mutex
	for i := 0; i < orders; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resp, err := http.Post(n.ts.URL+"/api/orders/execute", "application/json",
				bytes.NewBufferString(`{"tokenIn":"SOL","tokenOut":"USDC","amount":1}`))
			if err != nil {
				t.Error(err)
				return
			}
			defer resp.Body.Close()
			var ack api.ExecuteOrderResponse
			if err := json.NewDecoder(resp.Body).Decode(&ack); err != nil {
				t.Error(err)
				return
			}
			mu.Lock()
			ids[i] = ack.OrderID
			mu.Unlock()
		}(i)
	}
	wg.Wait()

	unique := make(map[string]bool)
	for _, id := range ids {
		require.NotEmpty(t, id)
		require.False(t, unique[id], "duplicate order id %s", id)
		unique[id] = true
	}

	// Watch one order while the rest race; its stream must stay clean.
	conn := n.dial(t, ids[0])
	events := collect(t, conn, 15*time.Second, func(ev pipeline.Event) bool {
		return ev.Status.Terminal()
	})
	for _, ev := range events {
		assert.Equal(t, ids[0], ev.OrderID, "cross-talk in order stream")
	}

	for _, id := range ids {
		id := id
		require.Eventually(t, func() bool {
			ord, ok := n.store.Get(id)
			return ok && ord.Status == order.StatusConfirmed
		}, 20*time.Second, 50*time.Millisecond, "order %s never confirmed", id)
	}
}

// An order whose client never connects still runs to a terminal state; the
// dropped notifications are a no-op.
func TestPipelineRunsWithoutClient(t *testing.T) {
	n := startNode(t, fastQueue(), fastSim())

	resp, ack := n.submit(t, `{"tokenIn":"USDT","tokenOut":"ETH","amount":10}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	require.Eventually(t, func() bool {
		ord, ok := n.store.Get(ack.OrderID)
		return ok && ord.Status == order.StatusConfirmed
	}, 10*time.Second, 50*time.Millisecond)

	// A client connecting afterwards gets a single terminal snapshot.
	conn := n.dial(t, ack.OrderID)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	var ev pipeline.Event
	require.NoError(t, json.Unmarshal(msg, &ev))
	assert.Equal(t, order.StatusConfirmed, ev.Status)
	assert.Regexp(t, txHashRe, ev.TxHash)
}
