// Package realtime publishes near-real-time price updates and alert
// counters to an optional redis backend. A nil Publisher is valid and every
// method degrades to a no-op, so a missing redis never blocks scraping.
package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"price-tracker/internal/config"
	"price-tracker/internal/storage"
)

// Publisher wraps the redis client used for pub/sub and counters.
type Publisher struct {
	client     *redis.Client
	counterTTL time.Duration
	logger     zerolog.Logger
}

// NewPublisher builds a Publisher from config. An empty URL disables
// publishing entirely (nil return, which all methods tolerate).
func NewPublisher(cfg config.RedisConfig, logger zerolog.Logger) (*Publisher, error) {
	if cfg.URL == "" {
		return nil, nil
	}

	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	if cfg.DialTimeout > 0 {
		opts.DialTimeout = cfg.DialTimeout
	}

	ttlDays := cfg.CounterTTLDays
	if ttlDays <= 0 {
		ttlDays = 7
	}

	return &Publisher{
		client:     redis.NewClient(opts),
		counterTTL: time.Duration(ttlDays) * 24 * time.Hour,
		logger:     logger.With().Str("component", "realtime").Logger(),
	}, nil
}

// PriceUpdate is the payload published on an item's price-change topic.
type PriceUpdate struct {
	ItemID    int64            `json:"item_id"`
	OldPrice  *decimal.Decimal `json:"old_price"`
	NewPrice  decimal.Decimal  `json:"new_price"`
	Currency  string           `json:"currency"`
	ChangePct decimal.Decimal  `json:"change_percent"`
	Timestamp time.Time        `json:"timestamp"`
}

// PublishPriceUpdate pushes a price change onto the item-keyed topic.
// Failures are logged and swallowed.
func (p *Publisher) PublishPriceUpdate(ctx context.Context, update PriceUpdate) {
	if p == nil || p.client == nil {
		return
	}

	payload, err := json.Marshal(update)
	if err != nil {
		p.logger.Error().Err(err).Int64("item_id", update.ItemID).Msg("marshal price update")
		return
	}

	topic := fmt.Sprintf("price_update:%d", update.ItemID)
	if err := p.client.Publish(ctx, topic, payload).Err(); err != nil {
		p.logger.Debug().Err(err).Str("topic", topic).Msg("publish price update failed")
	}
}

// TrackAlertSent bumps the daily per-kind alert counter with expiry.
func (p *Publisher) TrackAlertSent(ctx context.Context, kind storage.AlertKind) {
	if p == nil || p.client == nil {
		return
	}

	key := fmt.Sprintf("alerts:sent:%s", time.Now().UTC().Format("2006-01-02"))
	pipe := p.client.Pipeline()
	pipe.HIncrBy(ctx, key, string(kind), 1)
	pipe.Expire(ctx, key, p.counterTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		p.logger.Debug().Err(err).Str("key", key).Msg("track alert counter failed")
	}
}

// Close releases the redis client.
func (p *Publisher) Close() {
	if p == nil || p.client == nil {
		return
	}
	if err := p.client.Close(); err != nil {
		p.logger.Debug().Err(err).Msg("close redis client")
	}
}
