package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"price-tracker/internal/alert"
	"price-tracker/internal/config"
	"price-tracker/internal/extract"
	"price-tracker/internal/proxy"
	"price-tracker/internal/realtime"
	"price-tracker/internal/scheduler"
	"price-tracker/internal/storage"
)

// ProxySource is the slice of the proxy pool the orchestrator needs.
type ProxySource interface {
	Acquire() (endpoint string, ok bool)
	Report(endpoint string, outcome proxy.Outcome, latency time.Duration)
}

// AlertDispatcher delivers a fired alert and records the outcome.
type AlertDispatcher interface {
	Dispatch(ctx context.Context, event storage.AlertEvent, item storage.TrackedItem) (alert.DeliveryResult, error)
}

var (
	_ ProxySource     = (*proxy.Pool)(nil)
	_ AlertDispatcher = (*alert.Dispatcher)(nil)
)

// CycleSummary tallies one orchestrator pass over the due batch.
type CycleSummary struct {
	Selected  int
	Succeeded int
	Failed    int
	Skipped   int
}

type itemOutcome int

const (
	outcomeSucceeded itemOutcome = iota
	outcomeFailed
	outcomeSkipped
)

// Service orchestrates fetching, persistence, and alerting. Fetches run as
// independent tasks bounded by a fixed semaphore; one in-flight fetch per
// item is enforced by the in-flight set, which also spans cycles so an
// overlapping cycle skips items still being fetched.
type Service struct {
	scheduler  *scheduler.Scheduler
	items      storage.ItemStore
	pool       ProxySource
	registry   *extract.Registry
	dispatcher AlertDispatcher
	publisher  *realtime.Publisher
	logger     zerolog.Logger

	locker  storage.AdvisoryLocker
	lockKey int64

	sem   chan struct{}
	queue chan int64

	mu       sync.Mutex
	inflight map[int64]struct{}

	batchLimit     int
	errorCeiling   int
	requestTimeout time.Duration
	alertsOn       bool
	dropPct        decimal.Decimal

	// clientFor builds the proxy-routed transport for one fetch; swappable
	// in tests.
	clientFor func(endpoint string) *http.Client
}

// New constructs the scraping service.
func New(cfg *config.Config, sched *scheduler.Scheduler, items storage.ItemStore, pool ProxySource, registry *extract.Registry, dispatcher AlertDispatcher, publisher *realtime.Publisher, logger zerolog.Logger) *Service {
	var locker storage.AdvisoryLocker
	if l, ok := items.(storage.AdvisoryLocker); ok {
		locker = l
	}

	requestTimeout := cfg.Scraper.RequestTimeout
	if requestTimeout <= 0 {
		requestTimeout = 30 * time.Second
	}

	s := &Service{
		scheduler:      sched,
		items:          items,
		pool:           pool,
		registry:       registry,
		dispatcher:     dispatcher,
		publisher:      publisher,
		logger:         logger.With().Str("component", "service").Logger(),
		locker:         locker,
		lockKey:        cfg.Scheduler.AdvisoryLockKey,
		sem:            make(chan struct{}, cfg.Scraper.Concurrency),
		queue:          make(chan int64, cfg.Scraper.QueueSize),
		inflight:       make(map[int64]struct{}),
		batchLimit:     cfg.Scraper.BatchLimit,
		errorCeiling:   cfg.Scraper.ErrorCeiling,
		requestTimeout: requestTimeout,
		alertsOn:       cfg.Alerting.Enabled,
		dropPct:        decimal.NewFromFloat(cfg.Alerting.DropPct),
	}
	s.clientFor = func(endpoint string) *http.Client {
		return proxyClient(endpoint, requestTimeout)
	}
	return s
}

// Run drives scheduled cycles and the on-demand queue until ctx is
// cancelled.
func (s *Service) Run(ctx context.Context) error {
	if s.scheduler == nil {
		return fmt.Errorf("scheduler not configured")
	}

	go s.consumeQueue(ctx)

	return s.scheduler.Run(ctx, func(ctx context.Context, _ time.Time) error {
		_, err := s.RunCycle(ctx)
		return err
	})
}

// RunCycle selects the due batch and fetches it at bounded concurrency.
// Every per-item error is converted into item state; the only error
// returned is an unreachable item store, which makes the whole cycle
// pointless.
func (s *Service) RunCycle(ctx context.Context) (CycleSummary, error) {
	unlock, proceed, err := s.acquireLock(ctx)
	if err != nil {
		return CycleSummary{}, err
	}
	if !proceed {
		s.logger.Debug().Msg("skip cycle because advisory lock held elsewhere")
		return CycleSummary{}, nil
	}
	if unlock != nil {
		defer unlock()
	}

	return s.executeCycle(ctx)
}

func (s *Service) executeCycle(ctx context.Context) (CycleSummary, error) {
	items, err := s.items.ListDueItems(ctx, s.batchLimit)
	if err != nil {
		return CycleSummary{}, fmt.Errorf("list due items: %w", err)
	}

	summary := CycleSummary{Selected: len(items)}
	s.logger.Info().Int("due", len(items)).Msg("starting scrape cycle")

	var tallyMu sync.Mutex
	skip := func() {
		tallyMu.Lock()
		summary.Skipped++
		tallyMu.Unlock()
	}
	var wg sync.WaitGroup

launch:
	for i, item := range items {
		if !s.markInflight(item.ID) {
			skip()
			continue
		}

		select {
		case <-ctx.Done():
			s.clearInflight(item.ID)
			// cancelled mid-cycle; stop launching and settle what started.
			// The unlaunched remainder counts as skipped so the tally still
			// accounts for every selected item.
			tallyMu.Lock()
			summary.Skipped += len(items) - i
			tallyMu.Unlock()
			break launch
		case s.sem <- struct{}{}:
		}

		wg.Add(1)
		go func(item storage.TrackedItem) {
			defer wg.Done()
			defer func() { <-s.sem }()
			defer s.clearInflight(item.ID)

			outcome := s.scrapeItem(ctx, item)

			tallyMu.Lock()
			switch outcome {
			case outcomeSucceeded:
				summary.Succeeded++
			case outcomeFailed:
				summary.Failed++
			case outcomeSkipped:
				summary.Skipped++
			}
			tallyMu.Unlock()
		}(item)
	}

	wg.Wait()

	s.logger.Info().
		Int("selected", summary.Selected).
		Int("succeeded", summary.Succeeded).
		Int("failed", summary.Failed).
		Int("skipped", summary.Skipped).
		Msg("scrape cycle complete")
	return summary, nil
}

// ScrapeOne enqueues an on-demand scrape for a single item. The request is
// consumed by the same bounded-concurrency path as scheduled cycles.
func (s *Service) ScrapeOne(itemID int64) error {
	select {
	case s.queue <- itemID:
		return nil
	default:
		return fmt.Errorf("scrape queue full")
	}
}

// ScrapeSync fetches a single item immediately, still honoring the
// concurrency budget and the single-flight guarantee. Used by the one-shot
// CLI path.
func (s *Service) ScrapeSync(ctx context.Context, itemID int64) error {
	item, err := s.items.GetItem(ctx, itemID)
	if err != nil {
		return fmt.Errorf("load item %d: %w", itemID, err)
	}

	if !s.markInflight(itemID) {
		return fmt.Errorf("item %d is already being fetched", itemID)
	}
	defer s.clearInflight(itemID)

	select {
	case <-ctx.Done():
		return ctx.Err()
	case s.sem <- struct{}{}:
	}
	defer func() { <-s.sem }()

	switch s.scrapeItem(ctx, item) {
	case outcomeFailed:
		return fmt.Errorf("scrape of item %d failed; error recorded against the item", itemID)
	case outcomeSkipped:
		return fmt.Errorf("no eligible proxy endpoint for item %d", itemID)
	}
	return nil
}

func (s *Service) consumeQueue(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case id := <-s.queue:
			if !s.markInflight(id) {
				s.logger.Debug().Int64("item_id", id).Msg("item already in flight; on-demand scrape dropped")
				continue
			}

			select {
			case <-ctx.Done():
				s.clearInflight(id)
				return
			case s.sem <- struct{}{}:
			}

			go func(id int64) {
				defer func() { <-s.sem }()
				defer s.clearInflight(id)

				item, err := s.items.GetItem(ctx, id)
				if err != nil {
					s.logger.Error().Err(err).Int64("item_id", id).Msg("on-demand scrape: item lookup failed")
					return
				}
				s.scrapeItem(ctx, item)
			}(id)
		}
	}
}

// scrapeItem runs one item's full lifecycle: proxy acquire, extract,
// persist, evaluate, dispatch. Nothing escapes; panics from extractor
// variants are recovered at this boundary.
func (s *Service) scrapeItem(ctx context.Context, item storage.TrackedItem) (result itemOutcome) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().Interface("panic", r).Int64("item_id", item.ID).Msg("extractor panicked")
			s.recordFailure(ctx, item, fmt.Errorf("extractor panic: %v", r))
			result = outcomeFailed
		}
	}()

	extractor, ok := s.registry.Lookup(item.Marketplace)
	if !ok {
		s.recordFailure(ctx, item, fmt.Errorf("unsupported marketplace %q", item.Marketplace))
		return outcomeFailed
	}

	// no pool configured means direct connections; with a pool, no
	// eligible endpoint defers the item to the next cycle
	var endpoint string
	client := &http.Client{Timeout: s.requestTimeout}
	if s.pool != nil {
		var ok bool
		endpoint, ok = s.pool.Acquire()
		if !ok {
			s.logger.Warn().Int64("item_id", item.ID).Msg("no eligible proxy endpoint; item skipped this cycle")
			return outcomeSkipped
		}
		client = s.clientFor(endpoint)
	}

	fetchCtx, cancel := context.WithTimeout(ctx, s.requestTimeout)
	defer cancel()

	start := time.Now()
	fields, err := extractor.Extract(fetchCtx, client, item.URL)
	latency := time.Since(start)

	if err != nil {
		if s.pool != nil {
			s.pool.Report(endpoint, proxy.OutcomeFailure, latency)
		}
		s.recordFailure(ctx, item, err)
		return outcomeFailed
	}
	if s.pool != nil {
		s.pool.Report(endpoint, proxy.OutcomeSuccess, latency)
	}

	if err := s.recordSuccess(ctx, item, fields, latency); err != nil {
		s.logger.Error().Err(err).Int64("item_id", item.ID).Msg("failed to persist observation")
		return outcomeFailed
	}
	return outcomeSucceeded
}

func (s *Service) recordSuccess(ctx context.Context, item storage.TrackedItem, fields extract.Fields, latency time.Duration) error {
	now := time.Now().UTC()

	currency := fields.Currency
	if currency == "" {
		currency = item.Currency
	}

	snap := storage.Snapshot{
		ItemID:       item.ID,
		Price:        fields.Price,
		Currency:     currency,
		InStock:      fields.InStock,
		SellerName:   fields.SellerName,
		SellerRating: fields.SellerRating,
		ShippingCost: fields.ShippingCost,
		ReviewsCount: fields.ReviewsCount,
		LatencyMS:    latency.Milliseconds(),
		ObservedAt:   now,
	}

	update := recomputeStats(item, fields, now)
	if err := s.items.RecordObservation(ctx, item.ID, update, snap); err != nil {
		return err
	}

	s.logger.Debug().
		Int64("item_id", item.ID).
		Str("price", fields.Price.String()).
		Bool("in_stock", fields.InStock).
		Int64("latency_ms", snap.LatencyMS).
		Msg("observation recorded")

	if s.alertsOn && s.dispatcher != nil {
		prev := alert.Previous{
			Price:         item.CurrentPrice,
			HistoricalMin: item.MinPrice,
			TargetPrice:   item.TargetPrice,
			InStock:       item.InStock,
		}
		for _, event := range alert.Evaluate(prev, snap, s.dropPct) {
			if _, err := s.dispatcher.Dispatch(ctx, event, item); err != nil {
				s.logger.Error().Err(err).Int64("item_id", item.ID).Str("kind", string(event.Kind)).Msg("alert dispatch failed")
			}
		}
	}

	changePct := decimal.Zero
	if item.CurrentPrice != nil && !item.CurrentPrice.IsZero() {
		changePct = fields.Price.Sub(*item.CurrentPrice).Div(*item.CurrentPrice).Mul(decimal.NewFromInt(100))
	}
	s.publisher.PublishPriceUpdate(ctx, realtime.PriceUpdate{
		ItemID:    item.ID,
		OldPrice:  item.CurrentPrice,
		NewPrice:  fields.Price,
		Currency:  currency,
		ChangePct: changePct,
		Timestamp: now,
	})

	return nil
}

func (s *Service) recordFailure(ctx context.Context, item storage.TrackedItem, cause error) {
	count := item.ErrorCount + 1
	status := item.Status
	if count >= s.errorCeiling {
		status = storage.StatusError
		s.logger.Warn().
			Int64("item_id", item.ID).
			Int("error_count", count).
			Msg("item moved to error status; scheduling stops until reactivated")
	}

	var parseErr *extract.ParseError
	errorClass := "transient"
	if errors.As(cause, &parseErr) {
		errorClass = "parse"
	}
	s.logger.Warn().
		Err(cause).
		Int64("item_id", item.ID).
		Str("marketplace", string(item.Marketplace)).
		Str("error_class", errorClass).
		Msg("item fetch failed")

	if err := s.items.SetErrorState(ctx, item.ID, count, status, cause.Error()); err != nil {
		s.logger.Error().Err(err).Int64("item_id", item.ID).Msg("failed to persist error state")
	}
}

// recomputeStats folds the new price into the item's running summary. The
// average is recomputed incrementally: newAvg = (oldAvg*(n-1) + price)/n.
func recomputeStats(item storage.TrackedItem, fields extract.Fields, now time.Time) storage.SnapshotUpdate {
	count := item.CheckCount + 1

	min := fields.Price
	if item.MinPrice != nil && item.MinPrice.LessThan(fields.Price) {
		min = *item.MinPrice
	}
	max := fields.Price
	if item.MaxPrice != nil && item.MaxPrice.GreaterThan(fields.Price) {
		max = *item.MaxPrice
	}
	avg := fields.Price
	if item.AvgPrice != nil && item.CheckCount > 0 {
		avg = item.AvgPrice.Mul(decimal.NewFromInt(item.CheckCount)).Add(fields.Price).Div(decimal.NewFromInt(count))
	}

	title := item.Title
	if fields.Title != "" {
		title = fields.Title
	}

	return storage.SnapshotUpdate{
		MarketplaceID: fields.MarketplaceID,
		Title:         title,
		CurrentPrice:  fields.Price,
		InStock:       fields.InStock,
		MinPrice:      min,
		MaxPrice:      max,
		AvgPrice:      avg,
		CheckCount:    count,
		CheckedAt:     now,
	}
}

func (s *Service) markInflight(id int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.inflight[id]; exists {
		return false
	}
	s.inflight[id] = struct{}{}
	return true
}

func (s *Service) clearInflight(id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inflight, id)
}

func (s *Service) acquireLock(ctx context.Context) (func(), bool, error) {
	if s.lockKey == 0 || s.locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := s.locker.TryAdvisoryLock(ctx, s.lockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}

func proxyClient(endpoint string, timeout time.Duration) *http.Client {
	client := &http.Client{Timeout: timeout}
	if proxyURL, err := url.Parse(endpoint); err == nil {
		client.Transport = &http.Transport{Proxy: http.ProxyURL(proxyURL)}
	}
	return client
}
