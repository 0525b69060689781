package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"price-tracker/internal/alert"
	"price-tracker/internal/config"
	"price-tracker/internal/extract"
	"price-tracker/internal/proxy"
	"price-tracker/internal/storage"
)

type recordedError struct {
	count     int
	status    storage.ItemStatus
	lastError string
}

type fakeItemStore struct {
	mu           sync.Mutex
	due          []storage.TrackedItem
	listErr      error
	observations map[int64]storage.SnapshotUpdate
	snapshots    map[int64]storage.Snapshot
	errorStates  map[int64]recordedError
}

func newFakeItemStore(due ...storage.TrackedItem) *fakeItemStore {
	return &fakeItemStore{
		due:          due,
		observations: make(map[int64]storage.SnapshotUpdate),
		snapshots:    make(map[int64]storage.Snapshot),
		errorStates:  make(map[int64]recordedError),
	}
}

func (f *fakeItemStore) ListDueItems(ctx context.Context, limit int) ([]storage.TrackedItem, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	if len(f.due) > limit {
		return f.due[:limit], nil
	}
	return f.due, nil
}

func (f *fakeItemStore) GetItem(ctx context.Context, id int64) (storage.TrackedItem, error) {
	for _, item := range f.due {
		if item.ID == id {
			return item, nil
		}
	}
	return storage.TrackedItem{}, fmt.Errorf("item %d not found", id)
}

func (f *fakeItemStore) RecordObservation(ctx context.Context, id int64, update storage.SnapshotUpdate, snap storage.Snapshot) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.observations[id] = update
	f.snapshots[id] = snap
	return nil
}

func (f *fakeItemStore) SetErrorState(ctx context.Context, id int64, errorCount int, status storage.ItemStatus, lastError string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errorStates[id] = recordedError{count: errorCount, status: status, lastError: lastError}
	return nil
}

func (f *fakeItemStore) ListRecentItems(ctx context.Context, limit int) ([]storage.TrackedItem, error) {
	return f.due, nil
}

func (f *fakeItemStore) ListPriceHistory(ctx context.Context, itemID int64, from, to time.Time) ([]storage.Snapshot, error) {
	return nil, nil
}

var _ storage.ItemStore = (*fakeItemStore)(nil)

// lockedItemStore simulates another process holding the advisory lock.
type lockedItemStore struct {
	*fakeItemStore
	listCalls atomic.Int64
}

func (l *lockedItemStore) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	return nil, false, nil
}

func (l *lockedItemStore) ListDueItems(ctx context.Context, limit int) ([]storage.TrackedItem, error) {
	l.listCalls.Add(1)
	return l.fakeItemStore.ListDueItems(ctx, limit)
}

type fakePool struct {
	mu        sync.Mutex
	exhausted bool
	successes int
	failures  int
}

func (f *fakePool) Acquire() (string, bool) {
	if f.exhausted {
		return "", false
	}
	return "http://proxy.test:8080", true
}

func (f *fakePool) Report(endpoint string, outcome proxy.Outcome, latency time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if outcome == proxy.OutcomeSuccess {
		f.successes++
	} else {
		f.failures++
	}
}

type fakeDispatcher struct {
	mu     sync.Mutex
	events []storage.AlertEvent
}

func (f *fakeDispatcher) Dispatch(ctx context.Context, event storage.AlertEvent, item storage.TrackedItem) (alert.DeliveryResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
	return alert.DeliveryResult{EventID: int64(len(f.events)), Delivered: true, Method: "webhook"}, nil
}

type fakeExtractor struct {
	marketplace storage.Marketplace
	extract     func(url string) (extract.Fields, error)
}

func (f *fakeExtractor) Marketplace() storage.Marketplace { return f.marketplace }

func (f *fakeExtractor) Extract(ctx context.Context, client *http.Client, url string) (extract.Fields, error) {
	return f.extract(url)
}

func testConfig() *config.Config {
	return &config.Config{
		Scraper: config.ScraperConfig{
			Concurrency:    50,
			BatchLimit:     5000,
			RequestTimeout: time.Second,
			ErrorCeiling:   10,
			QueueSize:      8,
		},
		Alerting: config.AlertingConfig{Enabled: true, DropPct: 10.0},
	}
}

func newTestService(cfg *config.Config, items storage.ItemStore, pool ProxySource, registry *extract.Registry, dispatcher AlertDispatcher) *Service {
	svc := New(cfg, nil, items, pool, registry, dispatcher, nil, zerolog.Nop())
	svc.clientFor = func(string) *http.Client { return &http.Client{} }
	return svc
}

func dueItem(id int64) storage.TrackedItem {
	return storage.TrackedItem{
		ID:          id,
		Marketplace: storage.MarketplaceAmazon,
		URL:         fmt.Sprintf("https://amazon.test/dp/ITEM%d", id),
		Title:       fmt.Sprintf("Item %d", id),
		Currency:    "USD",
		Status:      storage.StatusActive,
		InStock:     true,
	}
}

func steadyExtractor(price string, fail func(url string) bool) *fakeExtractor {
	return &fakeExtractor{
		marketplace: storage.MarketplaceAmazon,
		extract: func(url string) (extract.Fields, error) {
			if fail != nil && fail(url) {
				return extract.Fields{}, &extract.FetchError{StatusCode: http.StatusServiceUnavailable}
			}
			return extract.Fields{
				Title:   "Item",
				Price:   decimal.RequireFromString(price),
				InStock: true,
			}, nil
		},
	}
}

func TestRunCycleTalliesEveryItem(t *testing.T) {
	const total = 5000
	items := make([]storage.TrackedItem, 0, total)
	for i := int64(1); i <= total; i++ {
		items = append(items, dueItem(i))
	}
	store := newFakeItemStore(items...)
	pool := &fakePool{}

	// every tenth item fails its fetch
	failing := func(url string) bool {
		var id int64
		fmt.Sscanf(url, "https://amazon.test/dp/ITEM%d", &id)
		return id%10 == 0
	}
	registry := extract.NewRegistry(steadyExtractor("19.99", failing))

	svc := newTestService(testConfig(), store, pool, registry, &fakeDispatcher{})

	summary, err := svc.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("cycle failed: %v", err)
	}

	if summary.Selected != total {
		t.Fatalf("selected = %d, want %d", summary.Selected, total)
	}
	if got := summary.Succeeded + summary.Failed + summary.Skipped; got != total {
		t.Fatalf("tally = %d, want %d", got, total)
	}
	if summary.Succeeded != 4500 || summary.Failed != 500 {
		t.Fatalf("succeeded/failed = %d/%d, want 4500/500", summary.Succeeded, summary.Failed)
	}

	if len(store.observations) != 4500 {
		t.Fatalf("observations = %d", len(store.observations))
	}
	if len(store.errorStates) != 500 {
		t.Fatalf("error states = %d", len(store.errorStates))
	}
	if pool.successes != 4500 || pool.failures != 500 {
		t.Fatalf("pool reports = %d/%d", pool.successes, pool.failures)
	}
}

func TestRunCycleBoundsConcurrency(t *testing.T) {
	const budget = 5
	var current, peak atomic.Int64

	extractor := &fakeExtractor{
		marketplace: storage.MarketplaceAmazon,
		extract: func(url string) (extract.Fields, error) {
			n := current.Add(1)
			for {
				old := peak.Load()
				if n <= old || peak.CompareAndSwap(old, n) {
					break
				}
			}
			time.Sleep(2 * time.Millisecond)
			current.Add(-1)
			return extract.Fields{Price: decimal.RequireFromString("5.00"), InStock: true}, nil
		},
	}

	items := make([]storage.TrackedItem, 0, 60)
	for i := int64(1); i <= 60; i++ {
		items = append(items, dueItem(i))
	}

	cfg := testConfig()
	cfg.Scraper.Concurrency = budget
	svc := newTestService(cfg, newFakeItemStore(items...), &fakePool{}, extract.NewRegistry(extractor), &fakeDispatcher{})

	if _, err := svc.RunCycle(context.Background()); err != nil {
		t.Fatalf("cycle failed: %v", err)
	}
	if got := peak.Load(); got > budget {
		t.Fatalf("peak concurrency = %d, budget %d", got, budget)
	}
}

func TestRunCycleSkipsInflightItems(t *testing.T) {
	store := newFakeItemStore(dueItem(1), dueItem(2))
	svc := newTestService(testConfig(), store, &fakePool{}, extract.NewRegistry(steadyExtractor("9.99", nil)), &fakeDispatcher{})

	// item 1 is being fetched by a previous, still-running cycle
	svc.markInflight(1)

	summary, err := svc.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("cycle failed: %v", err)
	}
	if summary.Skipped != 1 || summary.Succeeded != 1 {
		t.Fatalf("skipped/succeeded = %d/%d, want 1/1", summary.Skipped, summary.Succeeded)
	}
	if _, recorded := store.observations[1]; recorded {
		t.Fatal("in-flight item must not be fetched twice")
	}
}

func TestRunCycleProxyExhaustionSkips(t *testing.T) {
	store := newFakeItemStore(dueItem(1), dueItem(2), dueItem(3))
	pool := &fakePool{exhausted: true}
	svc := newTestService(testConfig(), store, pool, extract.NewRegistry(steadyExtractor("9.99", nil)), &fakeDispatcher{})

	summary, err := svc.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("cycle failed: %v", err)
	}
	if summary.Skipped != 3 || summary.Failed != 0 {
		t.Fatalf("skipped/failed = %d/%d, want 3/0", summary.Skipped, summary.Failed)
	}
	if len(store.errorStates) != 0 {
		t.Fatal("proxy exhaustion must not count against the item")
	}
}

func TestErrorCeilingMovesItemToErrorStatus(t *testing.T) {
	atCeiling := dueItem(1)
	atCeiling.ErrorCount = 9
	belowCeiling := dueItem(2)
	belowCeiling.ErrorCount = 3

	store := newFakeItemStore(atCeiling, belowCeiling)
	svc := newTestService(testConfig(), store, &fakePool{}, extract.NewRegistry(steadyExtractor("9.99", func(string) bool { return true })), &fakeDispatcher{})

	if _, err := svc.RunCycle(context.Background()); err != nil {
		t.Fatalf("cycle failed: %v", err)
	}

	got := store.errorStates[1]
	if got.count != 10 || got.status != storage.StatusError {
		t.Fatalf("at ceiling: count=%d status=%s", got.count, got.status)
	}
	got = store.errorStates[2]
	if got.count != 4 || got.status != storage.StatusActive {
		t.Fatalf("below ceiling: count=%d status=%s", got.count, got.status)
	}
}

func TestSuccessfulScrapeFiresDropAlert(t *testing.T) {
	item := dueItem(1)
	oldPrice := decimal.RequireFromString("100.00")
	item.CurrentPrice = &oldPrice
	item.CheckCount = 4
	avg := decimal.RequireFromString("102.00")
	item.AvgPrice = &avg
	min := decimal.RequireFromString("98.00")
	item.MinPrice = &min
	max := decimal.RequireFromString("110.00")
	item.MaxPrice = &max

	store := newFakeItemStore(item)
	dispatcher := &fakeDispatcher{}
	svc := newTestService(testConfig(), store, &fakePool{}, extract.NewRegistry(steadyExtractor("85.00", nil)), dispatcher)

	if _, err := svc.RunCycle(context.Background()); err != nil {
		t.Fatalf("cycle failed: %v", err)
	}

	var drop *storage.AlertEvent
	for i := range dispatcher.events {
		if dispatcher.events[i].Kind == storage.AlertPriceDrop {
			drop = &dispatcher.events[i]
		}
	}
	if drop == nil {
		t.Fatal("expected a price drop alert")
	}
	if !drop.ChangePct.Equal(decimal.RequireFromString("-15")) {
		t.Fatalf("change pct = %s, want -15", drop.ChangePct)
	}

	update := store.observations[1]
	if update.CheckCount != 5 {
		t.Fatalf("check count = %d, want 5", update.CheckCount)
	}
	if !update.MinPrice.Equal(decimal.RequireFromString("85.00")) {
		t.Fatalf("min = %s, want 85.00", update.MinPrice)
	}
	if !update.MaxPrice.Equal(max) {
		t.Fatalf("max = %s, want %s", update.MaxPrice, max)
	}
	// (102*4 + 85) / 5 = 98.6
	if !update.AvgPrice.Equal(decimal.RequireFromString("98.6")) {
		t.Fatalf("avg = %s, want 98.6", update.AvgPrice)
	}
}

func TestListDueItemsFailureAbortsCycle(t *testing.T) {
	store := newFakeItemStore()
	store.listErr = errors.New("connection refused")
	svc := newTestService(testConfig(), store, &fakePool{}, extract.NewRegistry(steadyExtractor("9.99", nil)), &fakeDispatcher{})

	if _, err := svc.RunCycle(context.Background()); err == nil {
		t.Fatal("unreachable store must abort the cycle")
	}
}

func TestAdvisoryLockHeldElsewhereSkipsCycle(t *testing.T) {
	store := &lockedItemStore{fakeItemStore: newFakeItemStore(dueItem(1))}
	cfg := testConfig()
	cfg.Scheduler.AdvisoryLockKey = 42
	svc := newTestService(cfg, store, &fakePool{}, extract.NewRegistry(steadyExtractor("9.99", nil)), &fakeDispatcher{})

	summary, err := svc.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("lock contention is not an error: %v", err)
	}
	if summary.Selected != 0 {
		t.Fatalf("selected = %d, want 0", summary.Selected)
	}
	if store.listCalls.Load() != 0 {
		t.Fatal("cycle must not touch the store while the lock is held elsewhere")
	}
}

func TestExtractorPanicCountsAsFailure(t *testing.T) {
	extractor := &fakeExtractor{
		marketplace: storage.MarketplaceAmazon,
		extract: func(url string) (extract.Fields, error) {
			panic("selector blew up")
		},
	}
	store := newFakeItemStore(dueItem(1))
	svc := newTestService(testConfig(), store, &fakePool{}, extract.NewRegistry(extractor), &fakeDispatcher{})

	summary, err := svc.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("panic must not escape the cycle: %v", err)
	}
	if summary.Failed != 1 {
		t.Fatalf("failed = %d, want 1", summary.Failed)
	}
	if store.errorStates[1].count != 1 {
		t.Fatal("panic must be recorded against the item")
	}
}

func TestScrapeOneRunsThroughSharedMachinery(t *testing.T) {
	store := newFakeItemStore(dueItem(7))
	svc := newTestService(testConfig(), store, &fakePool{}, extract.NewRegistry(steadyExtractor("12.00", nil)), &fakeDispatcher{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go svc.consumeQueue(ctx)

	if err := svc.ScrapeOne(7); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		store.mu.Lock()
		_, done := store.observations[7]
		store.mu.Unlock()
		if done {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("on-demand scrape never completed")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestCancelledCycleAccountsForEveryItem(t *testing.T) {
	const total = 200
	items := make([]storage.TrackedItem, 0, total)
	for i := int64(1); i <= total; i++ {
		items = append(items, dueItem(i))
	}

	extractor := &fakeExtractor{
		marketplace: storage.MarketplaceAmazon,
		extract: func(url string) (extract.Fields, error) {
			time.Sleep(10 * time.Millisecond)
			return extract.Fields{Price: decimal.RequireFromString("2.00"), InStock: true}, nil
		},
	}

	cfg := testConfig()
	cfg.Scraper.Concurrency = 5
	svc := newTestService(cfg, newFakeItemStore(items...), &fakePool{}, extract.NewRegistry(extractor), &fakeDispatcher{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	time.AfterFunc(25*time.Millisecond, cancel)

	summary, err := svc.RunCycle(ctx)
	if err != nil {
		t.Fatalf("cancellation must not fail the cycle: %v", err)
	}
	if summary.Selected != total {
		t.Fatalf("selected = %d, want %d", summary.Selected, total)
	}
	if got := summary.Succeeded + summary.Failed + summary.Skipped; got != total {
		t.Fatalf("tally = %d, want %d (%+v)", got, total, summary)
	}
	if summary.Skipped == 0 {
		t.Fatal("mid-cycle cancellation must skip the unlaunched remainder")
	}
}

func TestDirectConnectionsWithoutPool(t *testing.T) {
	store := newFakeItemStore(dueItem(1))
	svc := newTestService(testConfig(), store, nil, extract.NewRegistry(steadyExtractor("7.50", nil)), &fakeDispatcher{})

	summary, err := svc.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("cycle failed: %v", err)
	}
	if summary.Succeeded != 1 {
		t.Fatalf("succeeded = %d, want 1", summary.Succeeded)
	}
}

func TestScrapeSync(t *testing.T) {
	store := newFakeItemStore(dueItem(3))
	svc := newTestService(testConfig(), store, &fakePool{}, extract.NewRegistry(steadyExtractor("4.20", nil)), &fakeDispatcher{})

	if err := svc.ScrapeSync(context.Background(), 3); err != nil {
		t.Fatalf("sync scrape failed: %v", err)
	}
	if _, recorded := store.observations[3]; !recorded {
		t.Fatal("observation not recorded")
	}

	if err := svc.ScrapeSync(context.Background(), 99); err == nil {
		t.Fatal("unknown item must fail")
	}
}

func TestScrapeOneQueueFull(t *testing.T) {
	cfg := testConfig()
	cfg.Scraper.QueueSize = 1
	svc := newTestService(cfg, newFakeItemStore(), &fakePool{}, extract.NewRegistry(steadyExtractor("1.00", nil)), &fakeDispatcher{})

	if err := svc.ScrapeOne(1); err != nil {
		t.Fatalf("first enqueue failed: %v", err)
	}
	if err := svc.ScrapeOne(2); err == nil {
		t.Fatal("full queue must reject, not block")
	}
}
