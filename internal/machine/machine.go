// Package machine runs the launch lifecycle: discover a project, wait out
// the launch window while accounting tax inflow, then track the buyback until
// it completes. A single goroutine owns the phase and the monitors.
package machine

import (
	"context"
	"fmt"
	"log"
	"math/big"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"launchwatch/internal/catalog"
	"launchwatch/internal/config"
	"launchwatch/internal/errs"
	"launchwatch/internal/eventbus"
	"launchwatch/internal/fdv"
	"launchwatch/internal/models"
	"launchwatch/internal/monitor"
	"launchwatch/internal/rpcpool"
)

const (
	tickInterval     = time.Second
	errorSleep       = 5 * time.Second
	healthEveryTicks = 60
	taxRefreshEvery  = 5 * time.Minute
	graduationEvery  = 60 * time.Second
	buybackPublishAt = 10 * time.Minute
)

// Notifier delivers human-readable lifecycle notices to an external channel.
// Delivery failures are swallowed; the lifecycle never blocks on chat.
type Notifier interface {
	Notify(ctx context.Context, message string) error
}

// NopNotifier is the default Notifier.
type NopNotifier struct{}

func (NopNotifier) Notify(context.Context, string) error { return nil }

// HealthSink receives periodic lifecycle snapshots for the external
// process-level probe.
type HealthSink interface {
	Push(snapshot models.StateSnapshot)
}

type nopHealth struct{}

func (nopHealth) Push(models.StateSnapshot) {}

// StateSink receives the refreshed snapshot every tick. The API server
// implements it.
type StateSink interface {
	UpdateSnapshot(snapshot models.StateSnapshot)
}

// Machine is the lifecycle orchestrator. All fields are owned by the Run
// goroutine; external components only see snapshots.
type Machine struct {
	cfg      *config.Config
	pool     *rpcpool.Pool
	catalog  *catalog.Client
	quotes   *fdv.Fetcher
	bus      *eventbus.Bus
	sink     StateSink
	notifier Notifier
	health   HealthSink
	newSub   func() monitor.Subscriber
	now      func() time.Time

	phase     models.Phase
	sel       *models.SelectedProject
	t0, t1    time.Time
	tax       *monitor.TaxTracker
	whale     *monitor.WhaleDetector
	buyback   *monitor.BuybackTracker
	whaleSub  monitor.Subscriber
	spendSub  monitor.Subscriber
	taxTotal  *big.Int
	threshold *big.Int

	onchainFdv     *big.Int
	onchainFdvUSD  float64
	apiFdv         float64
	apiFdvUSD      float64
	lastTaxRefresh time.Time
	lastGradPoll   time.Time
	lastBuybackPub time.Time
	ticks          uint64
}

// Option adjusts an optional collaborator.
type Option func(*Machine)

func WithNotifier(n Notifier) Option { return func(m *Machine) { m.notifier = n } }

func WithHealthSink(h HealthSink) Option { return func(m *Machine) { m.health = h } }

// New builds the machine. threshold is pre-parsed from config so a bad value
// fails at startup, not mid-window.
func New(cfg *config.Config, pool *rpcpool.Pool, cat *catalog.Client, bus *eventbus.Bus, sink StateSink, opts ...Option) (*Machine, error) {
	threshold, err := cfg.BigTradeThreshold()
	if err != nil {
		return nil, err
	}
	m := &Machine{
		cfg:       cfg,
		pool:      pool,
		catalog:   cat,
		quotes:    fdv.NewFetcher(),
		bus:       bus,
		sink:      sink,
		notifier:  NopNotifier{},
		health:    nopHealth{},
		newSub:    func() monitor.Subscriber { return rpcpool.NewPushClient(pool) },
		now:       time.Now,
		phase:     models.PhaseDiscover,
		threshold: threshold,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Run drives the tick loop until ctx is cancelled or an unrecoverable error
// surfaces. On cancellation the monitors are destroyed and nil is returned.
func (m *Machine) Run(ctx context.Context) error {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	defer m.teardown()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		if err := m.tickSafe(ctx); err != nil {
			if !errs.Recoverable(err) {
				return err
			}
			log.Printf("[machine] %s handler error: %v", m.phase, err)
			m.bus.Publish(eventbus.Event{Kind: models.EventError, Data: map[string]string{
				"phase": string(m.phase),
				"error": err.Error(),
			}})
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(errorSleep):
			}
		}

		m.ticks++
		m.sink.UpdateSnapshot(m.buildSnapshot())
		if m.ticks%healthEveryTicks == 0 {
			m.health.Push(m.buildSnapshot())
		}
	}
}

// tickSafe converts a handler panic into a recoverable error.
func (m *Machine) tickSafe(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in %s handler: %v", m.phase, r)
		}
	}()
	switch m.phase {
	case models.PhaseDiscover:
		return m.handleDiscover(ctx)
	case models.PhaseWaitT0:
		return m.handleWaitT0(ctx)
	case models.PhaseLaunchWindow:
		return m.handleLaunchWindow(ctx)
	case models.PhaseBuybackPhase:
		return m.handleBuyback(ctx)
	case models.PhaseDone:
		return m.handleDone(ctx)
	}
	return nil
}

// transition is the only place the phase changes. It refreshes the API and
// health snapshots immediately.
func (m *Machine) transition(to models.Phase) {
	log.Printf("[machine] %s -> %s", m.phase, to)
	m.phase = to
	snap := m.buildSnapshot()
	m.sink.UpdateSnapshot(snap)
	m.health.Push(snap)
	m.bus.Publish(eventbus.Event{Kind: models.EventStateChange, Data: snap})
}

func (m *Machine) handleDiscover(ctx context.Context) error {
	m.resetContext()

	sel, err := m.catalog.DiscoverProject(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		// Ten consecutive catalog failures end the run.
		return &errs.ConfigError{Msg: fmt.Sprintf("discovery failed: %v", err)}
	}
	m.sel = sel
	m.t0 = sel.T0
	m.t1 = sel.T0.Add(m.cfg.TaxWindow())
	m.transition(models.PhaseWaitT0)
	return nil
}

// handleWaitT0 brings the launch-window monitors up: the tax tracker anchored
// at T0 and the whale detector on the project pool. Either failing leaves the
// phase unchanged so the next tick retries.
func (m *Machine) handleWaitT0(ctx context.Context) error {
	if m.tax == nil {
		m.notify(ctx, fmt.Sprintf("watching %s (%s): launch window until %s",
			m.sel.Project.Name, m.sel.Project.Symbol, m.t1.UTC().Format(time.RFC3339)))
		m.bus.Publish(eventbus.Event{Kind: models.EventProjectStart, Data: *m.sel})

		tracker := monitor.NewTaxTracker(m.pool, m.virtualToken(), common.HexToAddress(m.cfg.Addresses.BuybackAddr))
		if err := tracker.Init(ctx, m.t0); err != nil {
			return err
		}
		m.tax = tracker
	}

	if m.whale == nil {
		poolAddr := common.HexToAddress(m.sel.PoolAddress)
		detector := monitor.NewWhaleDetector(poolAddr, m.virtualToken(), m.threshold, func(trade models.WhaleTrade) {
			m.bus.Publish(eventbus.Event{Kind: models.EventWhaleTrade, Data: trade})
		})
		sub := m.newSub()

		var err error
		if m.sel.PoolType == models.PoolAMMV2 {
			backend, berr := m.pool.Backend()
			if berr != nil {
				m.pool.Rotate()
				return berr
			}
			err = detector.StartAMM(ctx, backend, sub)
		} else {
			err = detector.StartCurve(ctx, sub)
		}
		if err != nil {
			sub.Destroy()
			return err
		}
		m.whale = detector
		m.whaleSub = sub
	}

	m.transition(models.PhaseLaunchWindow)
	return nil
}

func (m *Machine) handleLaunchWindow(ctx context.Context) error {
	now := m.now()

	if !now.Before(m.t1) {
		// Final accounting fixes the buyback budget.
		if err := m.tax.CatchUp(ctx); err != nil {
			return err
		}
		status, err := m.tax.Update(ctx)
		if err != nil {
			return err
		}
		m.taxTotal = m.tax.TaxTotal()
		m.bus.Publish(eventbus.Event{Kind: models.EventTaxUpdate, Data: status})
		m.notify(ctx, fmt.Sprintf("launch window closed: tax total %s VIRTUAL",
			models.FormatUnits(m.taxTotal)))
		m.transition(models.PhaseBuybackPhase)
		return nil
	}

	if now.Sub(m.lastTaxRefresh) >= taxRefreshEvery {
		m.lastTaxRefresh = now
		if err := m.tax.CatchUp(ctx); err != nil {
			return err
		}
		status, err := m.tax.Update(ctx)
		if err != nil {
			return err
		}
		m.taxTotal = m.tax.TaxTotal()
		m.bus.Publish(eventbus.Event{Kind: models.EventTaxUpdate, Data: status})
		m.notify(ctx, fmt.Sprintf("tax inflow %s VIRTUAL, %.0f min remaining",
			models.FormatUnits(m.taxTotal), m.t1.Sub(now).Minutes()))
	}

	if m.sel.PoolType == models.PoolCurve {
		m.refreshFDV(ctx)
	}

	if graduated, err := m.pollGraduation(ctx, now); err == nil && graduated {
		m.transition(models.PhaseDone)
	}
	return nil
}

func (m *Machine) handleBuyback(ctx context.Context) error {
	now := m.now()

	if m.buyback == nil {
		budget := m.taxTotal
		if budget == nil {
			budget = new(big.Int)
		}
		var tracker *monitor.BuybackTracker
		tracker = monitor.NewBuybackTracker(
			m.virtualToken(),
			common.HexToAddress(m.cfg.Addresses.BuybackAddr),
			m.cfg.RateWindow(), m.cfg.StallAlert(),
			func(amount *big.Int) {
				m.bus.Publish(eventbus.Event{Kind: models.EventBuybackUpdate, Data: tracker.Status()})
			},
		)
		sub := m.newSub()
		if err := tracker.Start(ctx, sub, budget); err != nil {
			sub.Destroy()
			return err
		}
		m.buyback = tracker
		m.spendSub = sub
		m.lastBuybackPub = now
	}

	if m.buyback.Complete() {
		m.notify(ctx, "buyback complete")
		m.transition(models.PhaseDone)
		return nil
	}

	if graduated, err := m.pollGraduation(ctx, now); err == nil && graduated {
		m.transition(models.PhaseDone)
		return nil
	}

	if now.Sub(m.lastBuybackPub) >= buybackPublishAt {
		m.lastBuybackPub = now
		status := m.buyback.Status()
		m.bus.Publish(eventbus.Event{Kind: models.EventBuybackUpdate, Data: status})
		m.notify(ctx, fmt.Sprintf("buyback %.1f%% done, rate %.1f VIRTUAL/h",
			status.Progress, status.RatePerHour))
	}

	if m.buyback.CheckStall() {
		m.notify(ctx, fmt.Sprintf("buyback stalled: no spend for %s", m.cfg.StallAlert()))
		m.bus.Publish(eventbus.Event{Kind: models.EventError, Data: map[string]string{
			"phase": string(m.phase),
			"error": "buyback stalled",
		}})
	}
	return nil
}

func (m *Machine) handleDone(ctx context.Context) error {
	m.bus.Publish(eventbus.Event{Kind: models.EventProjectComplete, Data: m.sel})
	m.notify(ctx, fmt.Sprintf("%s cycle complete", m.sel.Project.Symbol))
	m.teardown()
	m.transition(models.PhaseDiscover)
	return nil
}

// pollGraduation asks the catalog for the watched project at most once per
// minute. Graduation is an AVAILABLE status or a newly appeared LP address.
// The same fetch refreshes the catalog market-cap estimate.
func (m *Machine) pollGraduation(ctx context.Context, now time.Time) (bool, error) {
	if now.Sub(m.lastGradPoll) < graduationEvery {
		return false, nil
	}
	m.lastGradPoll = now

	p, err := m.catalog.ByID(ctx, m.sel.Project.ID)
	if err != nil {
		log.Printf("[machine] graduation poll failed: %v", err)
		return false, err
	}
	if p == nil {
		return false, nil
	}

	if p.McapVirtual > 0 {
		m.apiFdv = p.McapVirtual
		if usd, uerr := m.quotes.VirtualUSDPrice(ctx); uerr == nil {
			m.apiFdvUSD = p.McapVirtual * usd
		}
	}

	if p.Status == models.StatusAvailable || p.LpAddress != "" {
		log.Printf("[machine] project %d graduated (status=%s lp=%s)", p.ID, p.Status, p.LpAddress)
		return true, nil
	}
	return false, nil
}

// refreshFDV recomputes the on-chain valuation from the bonding curve. On
// failure the previous on-chain figure is cleared so the catalog estimate
// shows through.
func (m *Machine) refreshFDV(ctx context.Context) {
	backend, err := m.pool.Backend()
	if err != nil {
		m.onchainFdv = nil
		return
	}
	curve := common.HexToAddress(m.sel.PoolAddress)
	value, err := fdv.ComputeCurveFDV(ctx, backend, curve)
	if err != nil {
		m.onchainFdv = nil
		return
	}
	m.onchainFdv = value
	if usd, err := m.quotes.VirtualUSDPrice(ctx); err == nil {
		m.onchainFdvUSD = fdv.ToUSD(value, usd)
	}
}

func (m *Machine) notify(ctx context.Context, message string) {
	if err := m.notifier.Notify(ctx, message); err != nil {
		log.Printf("[machine] notify failed: %v", err)
	}
}

func (m *Machine) virtualToken() common.Address {
	return common.HexToAddress(m.cfg.Addresses.VirtualToken)
}

func (m *Machine) resetContext() {
	m.sel = nil
	m.t0, m.t1 = time.Time{}, time.Time{}
	m.tax = nil
	m.whale = nil
	m.buyback = nil
	m.taxTotal = nil
	m.onchainFdv = nil
	m.onchainFdvUSD = 0
	m.apiFdv = 0
	m.apiFdvUSD = 0
	m.lastTaxRefresh = time.Time{}
	m.lastGradPoll = time.Time{}
	m.lastBuybackPub = time.Time{}
}

func (m *Machine) teardown() {
	if m.whaleSub != nil {
		m.whaleSub.Destroy()
		m.whaleSub = nil
	}
	if m.spendSub != nil {
		m.spendSub.Destroy()
		m.spendSub = nil
	}
}

// buildSnapshot assembles the dashboard state. On-chain FDV figures take
// precedence over catalog estimates; both are carried so the UI can mark the
// estimate.
func (m *Machine) buildSnapshot() models.StateSnapshot {
	snap := models.StateSnapshot{
		State:    m.phase,
		TaxTotal: models.AmountString(m.taxTotal),
	}
	if m.sel != nil {
		project := m.sel.Project
		snap.Project = &project
		t0, t1 := m.t0, m.t1
		snap.T0, snap.T1 = &t0, &t1

		now := m.now()
		if now.After(m.t0) {
			snap.ElapsedMinutes = now.Sub(m.t0).Minutes()
		}
		if now.Before(m.t1) {
			snap.RemainingMinutes = m.t1.Sub(now).Minutes()
		}
	}
	if m.tax != nil {
		status := m.tax.Status()
		snap.Tax = &status
		if sb := m.tax.StartBalance(); sb != nil {
			snap.StartBalance = sb.String()
		}
	}
	if m.buyback != nil {
		status := m.buyback.Status()
		snap.Buyback = &status
	}
	if m.onchainFdv != nil {
		snap.OnchainFdvVirtual = models.FormatUnits(m.onchainFdv)
		snap.OnchainFdvUsd = strconv.FormatFloat(m.onchainFdvUSD, 'f', 2, 64)
	}
	if m.apiFdv > 0 {
		snap.ApiFdvVirtual = strconv.FormatFloat(m.apiFdv, 'f', 2, 64)
		snap.ApiFdvUsd = strconv.FormatFloat(m.apiFdvUSD, 'f', 2, 64)
	}
	return snap
}
