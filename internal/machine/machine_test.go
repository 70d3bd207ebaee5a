package machine

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/core/types"

	"launchwatch/internal/catalog"
	"launchwatch/internal/config"
	"launchwatch/internal/eventbus"
	"launchwatch/internal/models"
	"launchwatch/internal/monitor"
	"launchwatch/internal/rpcpool"
)

// chainStub is a minimal chain: one-second blocks from genesis, no transfer
// logs, every balance read returns zero.
type chainStub struct {
	genesis int64
	head    uint64
}

func (c *chainStub) BlockNumber(ctx context.Context) (uint64, error) {
	return c.head, nil
}

func (c *chainStub) HeaderByNumber(ctx context.Context, n *big.Int) (*types.Header, error) {
	num := c.head
	if n != nil {
		num = n.Uint64()
	}
	return &types.Header{Time: uint64(c.genesis) + num}, nil
}

func (c *chainStub) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	return nil, nil
}

func (c *chainStub) CallContract(ctx context.Context, msg ethereum.CallMsg, block *big.Int) ([]byte, error) {
	return make([]byte, 32), nil
}

func (c *chainStub) Close() {}

type recordingSink struct {
	mu   sync.Mutex
	last models.StateSnapshot
}

func (r *recordingSink) UpdateSnapshot(snap models.StateSnapshot) {
	r.mu.Lock()
	r.last = snap
	r.mu.Unlock()
}

func (r *recordingSink) snapshot() models.StateSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last
}

type recordingNotifier struct {
	mu       sync.Mutex
	messages []string
}

func (r *recordingNotifier) Notify(ctx context.Context, msg string) error {
	r.mu.Lock()
	r.messages = append(r.messages, msg)
	r.mu.Unlock()
	return nil
}

type stubSub struct {
	mu        sync.Mutex
	handlers  []rpcpool.LogHandler
	connected bool
	destroyed bool
}

func (s *stubSub) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed {
		return errors.New("destroyed")
	}
	s.connected = true
	return nil
}

func (s *stubSub) AddSubscription(q ethereum.FilterQuery, h rpcpool.LogHandler) {
	s.mu.Lock()
	s.handlers = append(s.handlers, h)
	s.mu.Unlock()
}

func (s *stubSub) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

func (s *stubSub) Destroy() {
	s.mu.Lock()
	s.connected = false
	s.destroyed = true
	s.mu.Unlock()
}

func testConfig(apiBase string) *config.Config {
	cfg := &config.Config{}
	cfg.Chain.RPC.HTTP = []string{"http://a.example.org"}
	cfg.Chain.RPC.WSS = []string{"wss://a.example.org"}
	cfg.Virtuals.APIBase = apiBase
	cfg.Virtuals.PollIntervalMs = 100
	cfg.Virtuals.MaxProjectAgeMinutes = 180
	cfg.Addresses.BuybackAddr = "0x00000000000000000000000000000000000000aa"
	cfg.Addresses.VirtualToken = "0x00000000000000000000000000000000000000bb"
	cfg.Thresholds.BigTradeVirtual = "1000000000000000000000"
	cfg.Thresholds.TaxWindowMinutes = 100
	cfg.Thresholds.BuybackRateWindowMinutes = 20
	cfg.Thresholds.StallAlertMinutes = 30
	return cfg
}

func newTestMachine(t *testing.T, apiBase string, chain *chainStub) (*Machine, *eventbus.Bus, *recordingSink, *stubSub) {
	t.Helper()
	cfg := testConfig(apiBase)
	pool := rpcpool.NewWithDialer(cfg.Chain.RPC.HTTP, cfg.Chain.RPC.WSS,
		func(url string) (rpcpool.Backend, error) { return chain, nil })
	bus := eventbus.New()
	sink := &recordingSink{}

	m, err := New(cfg, pool, catalog.New(cfg), bus, sink)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	sub := &stubSub{}
	m.newSub = func() monitor.Subscriber { return sub }
	return m, bus, sink, sub
}

func selected(t0 time.Time) *models.SelectedProject {
	return &models.SelectedProject{
		Project: models.Project{
			ID:         11,
			Name:       "Test Agent",
			Symbol:     "TST",
			Status:     models.StatusUndergrad,
			LpAddress:  "0x00000000000000000000000000000000000000cc",
			LaunchedAt: &t0,
		},
		PoolType:    models.PoolAMMV2,
		PoolAddress: "0x00000000000000000000000000000000000000cc",
		T0:          t0,
	}
}

func TestTransition_PublishesStateChange(t *testing.T) {
	m, bus, sink, _ := newTestMachine(t, "http://unused.example.org", &chainStub{})

	changes := make(chan eventbus.Event, 4)
	bus.Subscribe(models.EventStateChange, changes)

	m.transition(models.PhaseWaitT0)

	select {
	case ev := <-changes:
		snap, ok := ev.Data.(models.StateSnapshot)
		if !ok {
			t.Fatalf("payload type %T", ev.Data)
		}
		if snap.State != models.PhaseWaitT0 {
			t.Errorf("announced state %s", snap.State)
		}
	case <-time.After(time.Second):
		t.Fatal("no state_change published")
	}

	if got := sink.snapshot().State; got != models.PhaseWaitT0 {
		t.Errorf("sink state = %s", got)
	}
}

func TestHandleDiscover_SelectsAndArmsWindow(t *testing.T) {
	now := time.Now().UTC()
	launched := now.Add(-30 * time.Minute)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"data":[{"id":11,"name":"Test Agent","symbol":"TST","status":"UNDERGRAD",
			"preTokenPair":"0xA000000000000000000000000000000000000000",
			"createdAt":%q,"launchedAt":%q}],
			"meta":{"pagination":{"page":1,"pageSize":50,"pageCount":1,"total":1}}}`,
			launched.Add(-time.Hour).Format(time.RFC3339), launched.Format(time.RFC3339))
	}))
	defer srv.Close()

	m, _, _, _ := newTestMachine(t, srv.URL, &chainStub{})

	if err := m.handleDiscover(context.Background()); err != nil {
		t.Fatalf("handleDiscover: %v", err)
	}
	if m.phase != models.PhaseWaitT0 {
		t.Fatalf("phase = %s", m.phase)
	}
	if m.sel == nil || m.sel.Project.ID != 11 {
		t.Fatalf("selected %+v", m.sel)
	}
	if want := m.t0.Add(100 * time.Minute); !m.t1.Equal(want) {
		t.Errorf("t1 = %s, want t0 + tax window", m.t1)
	}
}

func TestHandleWaitT0_StartsMonitors(t *testing.T) {
	genesis := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	chain := &chainStub{genesis: genesis.Unix(), head: 200}

	m, bus, _, sub := newTestMachine(t, "http://unused.example.org", chain)
	starts := make(chan eventbus.Event, 1)
	bus.Subscribe(models.EventProjectStart, starts)

	t0 := genesis.Add(100 * time.Second)
	m.sel = selected(t0)
	m.t0 = t0
	m.t1 = t0.Add(100 * time.Minute)
	m.phase = models.PhaseWaitT0

	if err := m.handleWaitT0(context.Background()); err != nil {
		t.Fatalf("handleWaitT0: %v", err)
	}
	if m.phase != models.PhaseLaunchWindow {
		t.Fatalf("phase = %s", m.phase)
	}
	if m.tax == nil || m.whale == nil {
		t.Fatal("monitors not armed")
	}
	if got := m.tax.LastProcessedBlock(); got != 100 {
		t.Errorf("tax anchored at block %d, want 100", got)
	}
	if !sub.Connected() {
		t.Error("whale subscription not connected")
	}

	select {
	case <-starts:
	case <-time.After(time.Second):
		t.Fatal("project_start not published")
	}
}

func TestHandleLaunchWindow_ClosesAtT1(t *testing.T) {
	genesis := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	chain := &chainStub{genesis: genesis.Unix(), head: 200}

	m, bus, _, _ := newTestMachine(t, "http://unused.example.org", chain)
	taxUpdates := make(chan eventbus.Event, 1)
	bus.Subscribe(models.EventTaxUpdate, taxUpdates)

	t0 := genesis.Add(100 * time.Second)
	m.sel = selected(t0)
	m.t0 = t0
	m.t1 = t0.Add(100 * time.Minute)
	m.phase = models.PhaseWaitT0
	if err := m.handleWaitT0(context.Background()); err != nil {
		t.Fatalf("handleWaitT0: %v", err)
	}

	// One second past T1 the window closes and the budget is fixed.
	m.now = func() time.Time { return m.t1.Add(time.Second) }
	m.lastGradPoll = m.now()

	if err := m.handleLaunchWindow(context.Background()); err != nil {
		t.Fatalf("handleLaunchWindow: %v", err)
	}
	if m.phase != models.PhaseBuybackPhase {
		t.Fatalf("phase = %s, want buyback", m.phase)
	}
	if m.taxTotal == nil || m.taxTotal.Sign() != 0 {
		t.Errorf("taxTotal = %v, want fixed zero budget", m.taxTotal)
	}

	select {
	case <-taxUpdates:
	case <-time.After(time.Second):
		t.Fatal("final tax_update not published")
	}
}

func TestHandleBuyback_ZeroBudgetCompletesAndResets(t *testing.T) {
	genesis := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	chain := &chainStub{genesis: genesis.Unix(), head: 200}

	m, bus, _, sub := newTestMachine(t, "http://unused.example.org", chain)
	notifier := &recordingNotifier{}
	m.notifier = notifier
	completes := make(chan eventbus.Event, 1)
	bus.Subscribe(models.EventProjectComplete, completes)

	t0 := genesis.Add(100 * time.Second)
	m.sel = selected(t0)
	m.t0 = t0
	m.t1 = t0.Add(100 * time.Minute)
	m.phase = models.PhaseBuybackPhase
	m.now = func() time.Time { return m.t1.Add(time.Minute) }
	m.lastGradPoll = m.now()

	if err := m.handleBuyback(context.Background()); err != nil {
		t.Fatalf("handleBuyback: %v", err)
	}
	if m.phase != models.PhaseDone {
		t.Fatalf("phase = %s, want done", m.phase)
	}

	if err := m.handleDone(context.Background()); err != nil {
		t.Fatalf("handleDone: %v", err)
	}
	if m.phase != models.PhaseDiscover {
		t.Fatalf("phase = %s, want discover after done", m.phase)
	}
	if !sub.destroyed {
		t.Error("buyback subscription not destroyed on teardown")
	}

	select {
	case <-completes:
	case <-time.After(time.Second):
		t.Fatal("project_complete not published")
	}
}

func TestPollGraduation_OneFetchPerPoll(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		status := "UNDERGRAD"
		if atomic.AddInt32(&calls, 1) >= 2 {
			status = "AVAILABLE"
		}
		fmt.Fprintf(w, `{"data":{"id":11,"symbol":"TST","status":%q,
			"preTokenPair":"0xA000000000000000000000000000000000000000",
			"createdAt":"2025-06-01T10:00:00Z"}}`, status)
	}))
	defer srv.Close()

	m, _, _, _ := newTestMachine(t, srv.URL, &chainStub{})
	t0 := time.Date(2025, 6, 1, 11, 0, 0, 0, time.UTC)
	m.sel = selected(t0)

	now := t0.Add(30 * time.Minute)
	graduated, err := m.pollGraduation(context.Background(), now)
	if err != nil || graduated {
		t.Fatalf("first poll: graduated=%v err=%v", graduated, err)
	}
	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Fatalf("first poll issued %d catalog requests, want 1", n)
	}

	// Inside the poll interval the catalog is not consulted again.
	if graduated, err := m.pollGraduation(context.Background(), now.Add(30*time.Second)); err != nil || graduated {
		t.Fatalf("gated poll: graduated=%v err=%v", graduated, err)
	}
	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Errorf("gated poll hit the catalog (%d requests)", n)
	}

	graduated, err = m.pollGraduation(context.Background(), now.Add(2*time.Minute))
	if err != nil || !graduated {
		t.Fatalf("expected graduation on AVAILABLE: graduated=%v err=%v", graduated, err)
	}
}

func TestBuildSnapshot_WindowTimes(t *testing.T) {
	m, _, _, _ := newTestMachine(t, "http://unused.example.org", &chainStub{})

	t0 := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	m.sel = selected(t0)
	m.t0 = t0
	m.t1 = t0.Add(100 * time.Minute)
	m.phase = models.PhaseLaunchWindow
	m.now = func() time.Time { return t0.Add(40 * time.Minute) }

	snap := m.buildSnapshot()
	if snap.State != models.PhaseLaunchWindow {
		t.Errorf("state = %s", snap.State)
	}
	if snap.Project == nil || snap.Project.Symbol != "TST" {
		t.Errorf("project = %+v", snap.Project)
	}
	if snap.ElapsedMinutes != 40 {
		t.Errorf("elapsed = %v", snap.ElapsedMinutes)
	}
	if snap.RemainingMinutes != 60 {
		t.Errorf("remaining = %v", snap.RemainingMinutes)
	}
	if snap.TaxTotal != "0" {
		t.Errorf("taxTotal = %q, want zero string before accounting", snap.TaxTotal)
	}
}
