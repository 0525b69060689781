package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
)

const (
	listDueItemsSQL = `SELECT
        id, marketplace, marketplace_id, url, title, currency,
        target_price, check_interval_hours, status,
        current_price, min_price, max_price, avg_price,
        check_count, in_stock, error_count, last_error, last_checked, created_at
    FROM tracked_items
    WHERE status = 'active'
      AND (last_checked IS NULL
           OR last_checked < now() - (check_interval_hours * interval '1 hour'))
    ORDER BY last_checked NULLS FIRST
    LIMIT $1;`

	getItemSQL = `SELECT
        id, marketplace, marketplace_id, url, title, currency,
        target_price, check_interval_hours, status,
        current_price, min_price, max_price, avg_price,
        check_count, in_stock, error_count, last_error, last_checked, created_at
    FROM tracked_items
    WHERE id = $1;`

	listRecentItemsSQL = `SELECT
        id, marketplace, marketplace_id, url, title, currency,
        target_price, check_interval_hours, status,
        current_price, min_price, max_price, avg_price,
        check_count, in_stock, error_count, last_error, last_checked, created_at
    FROM tracked_items
    ORDER BY last_checked DESC NULLS LAST
    LIMIT $1;`

	updateObservationSQL = `UPDATE tracked_items
    SET marketplace_id = COALESCE($2, marketplace_id),
        title          = $3,
        current_price  = $4,
        in_stock       = $5,
        min_price      = $6,
        max_price      = $7,
        avg_price      = $8,
        check_count    = $9,
        last_checked   = $10,
        error_count    = 0,
        last_error     = NULL
    WHERE id = $1;`

	appendHistorySQL = `INSERT INTO price_history (
        item_id, price, currency, in_stock,
        seller_name, seller_rating, shipping_cost, reviews_count,
        response_time_ms, observed_at
    ) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10);`

	setErrorStateSQL = `UPDATE tracked_items
    SET error_count = $2,
        status      = $3,
        last_error  = $4,
        last_checked = now()
    WHERE id = $1;`

	listPriceHistorySQL = `SELECT
        item_id, price, currency, in_stock,
        seller_name, seller_rating, shipping_cost, reviews_count,
        response_time_ms, observed_at
    FROM price_history
    WHERE item_id = $1
      AND observed_at >= $2
      AND observed_at < $3
    ORDER BY observed_at;`

	createAlertSQL = `INSERT INTO alerts (
        item_id, kind, old_price, new_price, change_pct, threshold, status
    ) VALUES ($1,$2,$3,$4,$5,$6,'pending')
    RETURNING id;`

	markAlertDeliveredSQL = `UPDATE alerts
    SET status = 'sent', method = $2, sent_at = $3
    WHERE id = $1;`

	markAlertFailedSQL = `UPDATE alerts
    SET status = 'failed', error_summary = $2
    WHERE id = $1;`

	listRecentAlertsSQL = `SELECT
        id, item_id, kind, old_price, new_price, change_pct, threshold,
        status, method, error_summary, created_at, sent_at
    FROM alerts
    ORDER BY created_at DESC
    LIMIT $1;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// ItemStore defines operations the orchestrator performs against tracked items.
type ItemStore interface {
	ListDueItems(ctx context.Context, limit int) ([]TrackedItem, error)
	GetItem(ctx context.Context, id int64) (TrackedItem, error)
	RecordObservation(ctx context.Context, id int64, update SnapshotUpdate, snap Snapshot) error
	SetErrorState(ctx context.Context, id int64, errorCount int, status ItemStatus, lastError string) error
	ListRecentItems(ctx context.Context, limit int) ([]TrackedItem, error)
	ListPriceHistory(ctx context.Context, itemID int64, from, to time.Time) ([]Snapshot, error)
}

// EventStore defines operations for alert auditing.
type EventStore interface {
	CreateAlert(ctx context.Context, event AlertEvent) (int64, error)
	MarkDelivered(ctx context.Context, id int64, method string, at time.Time) error
	MarkFailed(ctx context.Context, id int64, summary string) error
	ListRecentAlerts(ctx context.Context, limit int) ([]AlertEvent, error)
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Store aggregates access to tracked items, price history, and alerts.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		// unlock is best effort; the lock dies with the session anyway
		_, _ = conn.Exec(ctxUnlock, advisoryUnlockSQL, key)
		conn.Release()
	}
	return unlock, true, nil
}

// ListDueItems returns active items whose check interval has elapsed.
func (s *Store) ListDueItems(ctx context.Context, limit int) ([]TrackedItem, error) {
	return s.listItems(ctx, listDueItemsSQL, limit)
}

// ListRecentItems lists items ordered by most recently checked.
func (s *Store) ListRecentItems(ctx context.Context, limit int) ([]TrackedItem, error) {
	return s.listItems(ctx, listRecentItemsSQL, limit)
}

func (s *Store) listItems(ctx context.Context, query string, limit int) ([]TrackedItem, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, query, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list tracked items: %w", queryErr)
	}
	defer rows.Close()

	items := make([]TrackedItem, 0, limit)
	for rows.Next() {
		item, scanErr := scanTrackedItem(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		items = append(items, item)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return items, nil
}

// GetItem fetches a single tracked item by id.
func (s *Store) GetItem(ctx context.Context, id int64) (TrackedItem, error) {
	pool, err := s.getPool()
	if err != nil {
		return TrackedItem{}, err
	}

	rows, queryErr := pool.Query(ctx, getItemSQL, id)
	if queryErr != nil {
		return TrackedItem{}, fmt.Errorf("get tracked item: %w", queryErr)
	}
	defer rows.Close()

	if !rows.Next() {
		if rows.Err() != nil {
			return TrackedItem{}, rows.Err()
		}
		return TrackedItem{}, pgx.ErrNoRows
	}
	return scanTrackedItem(rows)
}

// RecordObservation applies the snapshot update and appends the price history
// row inside a single transaction so a partial write never lands.
func (s *Store) RecordObservation(ctx context.Context, id int64, update SnapshotUpdate, snap Snapshot) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin observation tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var marketplaceID interface{}
	if update.MarketplaceID != nil {
		marketplaceID = *update.MarketplaceID
	}

	tag, execErr := tx.Exec(ctx, updateObservationSQL,
		id,
		marketplaceID,
		update.Title,
		update.CurrentPrice.String(),
		update.InStock,
		update.MinPrice.String(),
		update.MaxPrice.String(),
		update.AvgPrice.String(),
		update.CheckCount,
		update.CheckedAt,
	)
	if execErr != nil {
		return fmt.Errorf("update snapshot fields: %w", execErr)
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}

	if _, execErr := tx.Exec(ctx, appendHistorySQL,
		snap.ItemID,
		snap.Price.String(),
		snap.Currency,
		snap.InStock,
		snap.SellerName,
		snap.SellerRating,
		decimalPtrString(snap.ShippingCost),
		snap.ReviewsCount,
		snap.LatencyMS,
		snap.ObservedAt,
	); execErr != nil {
		return fmt.Errorf("append price history: %w", execErr)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit observation tx: %w", err)
	}
	return nil
}

// SetErrorState records a failed fetch against the item.
func (s *Store) SetErrorState(ctx context.Context, id int64, errorCount int, status ItemStatus, lastError string) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	tag, execErr := pool.Exec(ctx, setErrorStateSQL, id, errorCount, string(status), lastError)
	if execErr != nil {
		return fmt.Errorf("set error state: %w", execErr)
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

// ListPriceHistory returns snapshots for an item within a time window.
func (s *Store) ListPriceHistory(ctx context.Context, itemID int64, from, to time.Time) ([]Snapshot, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listPriceHistorySQL, itemID, from, to)
	if queryErr != nil {
		return nil, fmt.Errorf("list price history: %w", queryErr)
	}
	defer rows.Close()

	snaps := make([]Snapshot, 0)
	for rows.Next() {
		snap, scanErr := scanSnapshot(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		snaps = append(snaps, snap)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return snaps, nil
}

// CreateAlert persists a fired alert in pending state and returns its id.
func (s *Store) CreateAlert(ctx context.Context, event AlertEvent) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}

	var id int64
	if scanErr := pool.QueryRow(ctx, createAlertSQL,
		event.ItemID,
		string(event.Kind),
		event.OldPrice.String(),
		event.NewPrice.String(),
		event.ChangePct.String(),
		decimalPtrString(event.Threshold),
	).Scan(&id); scanErr != nil {
		return 0, fmt.Errorf("create alert: %w", scanErr)
	}
	return id, nil
}

// MarkDelivered marks an alert as sent through the given method.
func (s *Store) MarkDelivered(ctx context.Context, id int64, method string, at time.Time) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, markAlertDeliveredSQL, id, method, at); execErr != nil {
		return fmt.Errorf("mark alert delivered: %w", execErr)
	}
	return nil
}

// MarkFailed marks an alert as permanently failed with an aggregated summary.
func (s *Store) MarkFailed(ctx context.Context, id int64, summary string) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, markAlertFailedSQL, id, summary); execErr != nil {
		return fmt.Errorf("mark alert failed: %w", execErr)
	}
	return nil
}

// ListRecentAlerts lists most recent alerts.
func (s *Store) ListRecentAlerts(ctx context.Context, limit int) ([]AlertEvent, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentAlertsSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent alerts: %w", queryErr)
	}
	defer rows.Close()

	events := make([]AlertEvent, 0, limit)
	for rows.Next() {
		var (
			event        AlertEvent
			kind         string
			oldStr       string
			newStr       string
			pctStr       string
			thresholdStr sql.NullString
			status       string
			method       sql.NullString
			summary      sql.NullString
			sentAt       sql.NullTime
		)
		if err := rows.Scan(
			&event.ID,
			&event.ItemID,
			&kind,
			&oldStr,
			&newStr,
			&pctStr,
			&thresholdStr,
			&status,
			&method,
			&summary,
			&event.CreatedAt,
			&sentAt,
		); err != nil {
			return nil, err
		}

		event.Kind = AlertKind(kind)
		event.Status = DeliveryStatus(status)

		var convErr error
		if event.OldPrice, convErr = decimal.NewFromString(oldStr); convErr != nil {
			return nil, fmt.Errorf("parse old price: %w", convErr)
		}
		if event.NewPrice, convErr = decimal.NewFromString(newStr); convErr != nil {
			return nil, fmt.Errorf("parse new price: %w", convErr)
		}
		if event.ChangePct, convErr = decimal.NewFromString(pctStr); convErr != nil {
			return nil, fmt.Errorf("parse change pct: %w", convErr)
		}
		if thresholdStr.Valid {
			threshold, convErr := decimal.NewFromString(thresholdStr.String)
			if convErr != nil {
				return nil, fmt.Errorf("parse threshold: %w", convErr)
			}
			event.Threshold = &threshold
		}
		if method.Valid {
			m := method.String
			event.Method = &m
		}
		if summary.Valid {
			msg := summary.String
			event.ErrorSummary = &msg
		}
		if sentAt.Valid {
			ts := sentAt.Time
			event.SentAt = &ts
		}

		events = append(events, event)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return events, nil
}

func scanTrackedItem(rows pgx.Rows) (TrackedItem, error) {
	var (
		item          TrackedItem
		marketplace   string
		marketplaceID sql.NullString
		targetStr     sql.NullString
		status        string
		currentStr    sql.NullString
		minStr        sql.NullString
		maxStr        sql.NullString
		avgStr        sql.NullString
		lastError     sql.NullString
		lastChecked   sql.NullTime
	)

	if err := rows.Scan(
		&item.ID,
		&marketplace,
		&marketplaceID,
		&item.URL,
		&item.Title,
		&item.Currency,
		&targetStr,
		&item.CheckIntervalHours,
		&status,
		&currentStr,
		&minStr,
		&maxStr,
		&avgStr,
		&item.CheckCount,
		&item.InStock,
		&item.ErrorCount,
		&lastError,
		&lastChecked,
		&item.CreatedAt,
	); err != nil {
		return TrackedItem{}, err
	}

	item.Marketplace = Marketplace(marketplace)
	item.Status = ItemStatus(status)

	if marketplaceID.Valid {
		v := marketplaceID.String
		item.MarketplaceID = &v
	}
	if lastError.Valid {
		v := lastError.String
		item.LastError = &v
	}
	if lastChecked.Valid {
		v := lastChecked.Time
		item.LastChecked = &v
	}

	var err error
	if item.TargetPrice, err = nullDecimal(targetStr); err != nil {
		return TrackedItem{}, fmt.Errorf("parse target price: %w", err)
	}
	if item.CurrentPrice, err = nullDecimal(currentStr); err != nil {
		return TrackedItem{}, fmt.Errorf("parse current price: %w", err)
	}
	if item.MinPrice, err = nullDecimal(minStr); err != nil {
		return TrackedItem{}, fmt.Errorf("parse min price: %w", err)
	}
	if item.MaxPrice, err = nullDecimal(maxStr); err != nil {
		return TrackedItem{}, fmt.Errorf("parse max price: %w", err)
	}
	if item.AvgPrice, err = nullDecimal(avgStr); err != nil {
		return TrackedItem{}, fmt.Errorf("parse avg price: %w", err)
	}

	return item, nil
}

func scanSnapshot(rows pgx.Rows) (Snapshot, error) {
	var (
		snap         Snapshot
		priceStr     string
		sellerName   sql.NullString
		sellerRating sql.NullFloat64
		shippingStr  sql.NullString
		reviews      sql.NullInt64
	)

	if err := rows.Scan(
		&snap.ItemID,
		&priceStr,
		&snap.Currency,
		&snap.InStock,
		&sellerName,
		&sellerRating,
		&shippingStr,
		&reviews,
		&snap.LatencyMS,
		&snap.ObservedAt,
	); err != nil {
		return Snapshot{}, err
	}

	price, err := decimal.NewFromString(priceStr)
	if err != nil {
		return Snapshot{}, fmt.Errorf("parse snapshot price: %w", err)
	}
	snap.Price = price

	if sellerName.Valid {
		v := sellerName.String
		snap.SellerName = &v
	}
	if sellerRating.Valid {
		v := sellerRating.Float64
		snap.SellerRating = &v
	}
	if reviews.Valid {
		v := reviews.Int64
		snap.ReviewsCount = &v
	}
	if snap.ShippingCost, err = nullDecimal(shippingStr); err != nil {
		return Snapshot{}, fmt.Errorf("parse shipping cost: %w", err)
	}

	return snap, nil
}

func nullDecimal(v sql.NullString) (*decimal.Decimal, error) {
	if !v.Valid {
		return nil, nil
	}
	d, err := decimal.NewFromString(v.String)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func decimalPtrString(d *decimal.Decimal) interface{} {
	if d == nil {
		return nil
	}
	return d.String()
}

var (
	_ ItemStore      = (*Store)(nil)
	_ EventStore     = (*Store)(nil)
	_ AdvisoryLocker = (*Store)(nil)
)
