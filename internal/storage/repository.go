package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"pricewatch/internal/catalog"
)

const (
	pgLastPriceSQL = `SELECT COALESCE(
        (SELECT price::text FROM observations WHERE item_id = $1 ORDER BY observed_at DESC, id DESC LIMIT 1),
        (SELECT last_known_price::text FROM watched_items WHERE item_id = $1)
    );`

	pgLockKeySQL = `SELECT pg_advisory_xact_lock(hashtext($1));`

	pgInsertObservationSQL = `INSERT INTO observations (
        item_id,
        site,
        title,
        price,
        original_price,
        in_stock,
        url,
        category,
        observed_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9
    );`

	pgTouchWatchedItemSQL = `UPDATE watched_items
    SET last_known_price   = $2::numeric,
        lowest_known_price = LEAST(COALESCE(lowest_known_price, $2::numeric), $2::numeric),
        last_checked_at    = $3
    WHERE item_id = $1;`

	pgListHistorySQL = `SELECT
        id,
        item_id,
        site,
        title,
        price::text,
        original_price::text,
        in_stock,
        url,
        category,
        observed_at
    FROM observations
    WHERE item_id = $1
      AND observed_at >= $2
    ORDER BY observed_at DESC, id DESC
    LIMIT $3;`

	pgArmGateSQL = `INSERT INTO alert_gates (item_id, kind, armed_at)
    VALUES ($1,$2,$3)
    ON CONFLICT (item_id, kind) DO UPDATE
    SET armed_at = EXCLUDED.armed_at
    WHERE alert_gates.armed_at <= $4
    RETURNING armed_at;`

	pgInsertAlertSQL = `INSERT INTO alert_records (
        item_id,
        kind,
        detected_at,
        payload
    ) VALUES (
        $1,$2,$3,$4
    )
    RETURNING id;`

	pgActiveAlertSQL = `SELECT id, item_id, kind, detected_at, payload
    FROM alert_records
    WHERE item_id = $1
      AND kind = $2
      AND detected_at > $3
    ORDER BY detected_at DESC, id DESC
    LIMIT 1;`

	pgListRecentAlertsSQL = `SELECT id, item_id, kind, detected_at, payload
    FROM alert_records
    WHERE ($1::text = '' OR kind = $1::text)
    ORDER BY detected_at DESC, id DESC
    LIMIT $2;`

	pgDeleteAlertsBeforeSQL = `DELETE FROM alert_records WHERE detected_at < $1;`

	pgWatchedItemColumns = `w.item_id,
        w.site,
        w.title,
        w.url,
        w.added_by,
        w.added_at,
        w.last_known_price::text,
        w.lowest_known_price::text,
        w.last_checked_at`

	pgInsertWatchedItemSQL = `INSERT INTO watched_items (
        item_id,
        site,
        title,
        url,
        added_by,
        added_at,
        last_known_price,
        lowest_known_price
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$7
    )
    ON CONFLICT (item_id) DO NOTHING;`

	pgGetWatchedItemSQL = `SELECT ` + pgWatchedItemColumns + ` FROM watched_items w WHERE w.item_id = $1;`

	pgListWatchedItemsSQL = `SELECT ` + pgWatchedItemColumns + ` FROM watched_items w ORDER BY w.added_at, w.item_id;`

	pgListWatchedItemsForSQL = `SELECT ` + pgWatchedItemColumns + `
    FROM watched_items w
    JOIN item_subscriptions s ON s.item_id = w.item_id
    WHERE s.subscriber_id = $1
    ORDER BY w.added_at, w.item_id;`

	pgDeleteItemSubscriptionsSQL = `DELETE FROM item_subscriptions WHERE item_id = $1;`
	pgDeleteWatchedItemSQL       = `DELETE FROM watched_items WHERE item_id = $1;`

	pgSubscribeItemSQL = `INSERT INTO item_subscriptions (subscriber_id, item_id)
    VALUES ($1,$2)
    ON CONFLICT DO NOTHING;`

	pgUnsubscribeItemSQL = `DELETE FROM item_subscriptions WHERE subscriber_id = $1 AND item_id = $2;`

	pgItemSubscribersSQL = `SELECT subscriber_id FROM item_subscriptions WHERE item_id = $1 ORDER BY subscriber_id;`

	pgCategoryColumns = `c.category_id,
        c.name,
        c.search_query,
        c.site,
        c.added_by,
        c.added_at,
        c.last_checked_at,
        c.product_count,
        c.discounted_count`

	pgInsertCategorySQL = `INSERT INTO watched_categories (
        category_id,
        name,
        search_query,
        site,
        added_by,
        added_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6
    );`

	pgGetCategorySQL = `SELECT ` + pgCategoryColumns + ` FROM watched_categories c WHERE c.category_id = $1;`

	pgListCategoriesSQL = `SELECT ` + pgCategoryColumns + ` FROM watched_categories c ORDER BY c.added_at, c.category_id;`

	pgListCategoriesForSQL = `SELECT ` + pgCategoryColumns + `
    FROM watched_categories c
    JOIN category_subscriptions s ON s.category_id = c.category_id
    WHERE s.subscriber_id = $1
    ORDER BY c.added_at, c.category_id;`

	pgDeleteCategorySubscriptionsSQL = `DELETE FROM category_subscriptions WHERE category_id = $1;`
	pgDeleteCategoryItemsSQL         = `DELETE FROM category_items WHERE category_id = $1;`
	pgDeleteCategorySQL              = `DELETE FROM watched_categories WHERE category_id = $1;`

	pgSubscribeCategorySQL = `INSERT INTO category_subscriptions (subscriber_id, category_id)
    VALUES ($1,$2)
    ON CONFLICT DO NOTHING;`

	pgCategorySubscribersSQL = `SELECT subscriber_id FROM category_subscriptions WHERE category_id = $1 ORDER BY subscriber_id;`

	pgKnownDiscountSQL = `SELECT discount_pct::text FROM category_items WHERE category_id = $1 AND item_id = $2;`

	pgUpsertKnownItemSQL = `INSERT INTO category_items (
        category_id,
        item_id,
        price,
        discount_pct,
        last_seen
    ) VALUES (
        $1,$2,$3,$4,$5
    )
    ON CONFLICT (category_id, item_id) DO UPDATE
    SET price        = EXCLUDED.price,
        discount_pct = EXCLUDED.discount_pct,
        last_seen    = EXCLUDED.last_seen;`

	pgListKnownItemsSQL = `SELECT item_id, price::text, discount_pct::text, last_seen
    FROM category_items
    WHERE category_id = $1
    ORDER BY item_id;`

	pgMarkCategoryCheckedSQL = `UPDATE watched_categories
    SET last_checked_at = $2, product_count = $3, discounted_count = $4
    WHERE category_id = $1;`

	pgEnsureSubscriberSQL = `INSERT INTO subscribers (subscriber_id, username, created_at)
    VALUES ($1,$2,$3)
    ON CONFLICT (subscriber_id) DO UPDATE
    SET username = CASE WHEN EXCLUDED.username <> '' THEN EXCLUDED.username ELSE subscribers.username END
    RETURNING subscriber_id, username, big_discount_threshold::text, price_error_threshold::text, created_at;`

	pgGetSubscriberSQL = `SELECT subscriber_id, username, big_discount_threshold::text, price_error_threshold::text, created_at
    FROM subscribers
    WHERE subscriber_id = $1;`

	pgUpdateThresholdsSQL = `UPDATE subscribers
    SET big_discount_threshold = $2, price_error_threshold = $3
    WHERE subscriber_id = $1;`

	pgInsertComparisonSQL = `INSERT INTO comparisons (
        subscriber_id,
        product_name,
        search_query,
        offers,
        created_at
    ) VALUES (
        $1,$2,$3,$4,$5
    )
    RETURNING id;`

	pgListComparisonsSQL = `SELECT id, subscriber_id, product_name, search_query, offers, best_price::text, best_site, last_checked_at, created_at
    FROM comparisons
    ORDER BY id;`

	pgUpdateComparisonSQL = `UPDATE comparisons
    SET offers = $2, best_price = $3, best_site = $4, last_checked_at = $5
    WHERE id = $1;`

	pgCountsSQL = `SELECT
        (SELECT COUNT(*) FROM subscribers),
        (SELECT COUNT(*) FROM watched_items),
        (SELECT COUNT(*) FROM watched_categories),
        (SELECT COUNT(*) FROM observations),
        (SELECT COALESCE(ROUND(AVG(last_known_price), 2), 0)::text FROM watched_items);`

	pgAlertsByKindSQL = `SELECT kind, COUNT(*) FROM alert_records WHERE detected_at >= $1 GROUP BY kind;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// Store is the PostgreSQL Repository.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}

// Migrate applies the embedded schema. Statements are idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	schema, err := loadSchema("postgres.sql")
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("apply postgres schema: %w", err)
	}
	return nil
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
		// best effort; the session lock also dies with the connection
		_, _ = conn.Exec(ctxUnlock, advisoryUnlockSQL, key)
		conn.Release()
	}
	return unlock, true, nil
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

func (s *Store) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	tx, err := pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// GetLastPrice returns the latest observed price, falling back to the watched item's last known price.
func (s *Store) GetLastPrice(ctx context.Context, itemID string) (*decimal.Decimal, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	var raw *string
	if err := pool.QueryRow(ctx, pgLastPriceSQL, itemID).Scan(&raw); err != nil {
		return nil, fmt.Errorf("get last price: %w", err)
	}
	return parseOptionalDecimal("last price", raw)
}

// RecordObservation appends obs and returns the price it superseded.
func (s *Store) RecordObservation(ctx context.Context, obs catalog.Observation) (*decimal.Decimal, error) {
	var previous *decimal.Decimal
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, pgLockKeySQL, "obs:"+obs.ItemID); err != nil {
			return fmt.Errorf("lock item: %w", err)
		}

		var raw *string
		if err := tx.QueryRow(ctx, pgLastPriceSQL, obs.ItemID).Scan(&raw); err != nil {
			return fmt.Errorf("read previous price: %w", err)
		}
		prev, err := parseOptionalDecimal("previous price", raw)
		if err != nil {
			return err
		}
		previous = prev

		price := obs.CurrentPrice.String()
		if _, err := tx.Exec(ctx, pgInsertObservationSQL,
			obs.ItemID,
			obs.Site,
			obs.Title,
			price,
			decimalArg(obs.OriginalPrice),
			obs.InStock,
			obs.URL,
			obs.Category,
			obs.ObservedAt,
		); err != nil {
			return fmt.Errorf("insert observation: %w", err)
		}

		if _, err := tx.Exec(ctx, pgTouchWatchedItemSQL, obs.ItemID, price, obs.ObservedAt); err != nil {
			return fmt.Errorf("update watched item: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return previous, nil
}

// ListHistory lists observations of one item newest first.
func (s *Store) ListHistory(ctx context.Context, itemID string, since time.Time, limit int) ([]ObservationRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, pgListHistorySQL, itemID, since, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list history: %w", queryErr)
	}
	defer rows.Close()

	history := make([]ObservationRecord, 0)
	for rows.Next() {
		rec, scanErr := scanPgObservation(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		history = append(history, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return history, nil
}

// GetActiveAlert returns the newest alert for (itemID, kind) still inside cooldown.
func (s *Store) GetActiveAlert(ctx context.Context, itemID string, kind AlertKind, now time.Time, cooldown time.Duration) (AlertRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return AlertRecord{}, err
	}
	rec, err := scanPgAlert(pool.QueryRow(ctx, pgActiveAlertSQL, itemID, string(kind), gateCutoff(now, cooldown)))
	if errors.Is(err, pgx.ErrNoRows) {
		return AlertRecord{}, ErrNotFound
	}
	if err != nil {
		return AlertRecord{}, fmt.Errorf("get active alert: %w", err)
	}
	return rec, nil
}

// PutAlert arms the gate for (rec.ItemID, rec.Kind) and stores rec when no
// alert is active. Concurrent callers serialise on the gate row.
func (s *Store) PutAlert(ctx context.Context, rec AlertRecord, cooldown time.Duration) (AlertRecord, bool, error) {
	payload, err := encodePayload(rec.Payload)
	if err != nil {
		return AlertRecord{}, false, err
	}

	armed := false
	err = s.inTx(ctx, func(tx pgx.Tx) error {
		var armedAt time.Time
		scanErr := tx.QueryRow(ctx, pgArmGateSQL,
			rec.ItemID,
			string(rec.Kind),
			rec.DetectedAt,
			gateCutoff(rec.DetectedAt, cooldown),
		).Scan(&armedAt)
		if errors.Is(scanErr, pgx.ErrNoRows) {
			return nil
		}
		if scanErr != nil {
			return fmt.Errorf("arm alert gate: %w", scanErr)
		}

		if err := tx.QueryRow(ctx, pgInsertAlertSQL, rec.ItemID, string(rec.Kind), rec.DetectedAt, payload).Scan(&rec.ID); err != nil {
			return fmt.Errorf("insert alert: %w", err)
		}
		armed = true
		return nil
	})
	if err != nil {
		return AlertRecord{}, false, err
	}
	return rec, armed, nil
}

// AppendAlert stores rec without consulting the gate.
func (s *Store) AppendAlert(ctx context.Context, rec AlertRecord) (AlertRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return AlertRecord{}, err
	}
	payload, err := encodePayload(rec.Payload)
	if err != nil {
		return AlertRecord{}, err
	}
	if err := pool.QueryRow(ctx, pgInsertAlertSQL, rec.ItemID, string(rec.Kind), rec.DetectedAt, payload).Scan(&rec.ID); err != nil {
		return AlertRecord{}, fmt.Errorf("append alert: %w", err)
	}
	return rec, nil
}

// ListRecentAlerts lists most recent alerts, optionally of one kind.
func (s *Store) ListRecentAlerts(ctx context.Context, kind AlertKind, limit int) ([]AlertRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, pgListRecentAlertsSQL, string(kind), limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent alerts: %w", queryErr)
	}
	defer rows.Close()

	alerts := make([]AlertRecord, 0, limit)
	for rows.Next() {
		rec, scanErr := scanPgAlert(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		alerts = append(alerts, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return alerts, nil
}

// DeleteAlertsBefore deletes historical alerts.
func (s *Store) DeleteAlertsBefore(ctx context.Context, olderThan time.Time) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	tag, execErr := pool.Exec(ctx, pgDeleteAlertsBeforeSQL, olderThan)
	if execErr != nil {
		return 0, fmt.Errorf("delete alerts before: %w", execErr)
	}
	return tag.RowsAffected(), nil
}

// AddWatchedItem inserts item unless it is already watched; the first adder owns it.
func (s *Store) AddWatchedItem(ctx context.Context, item WatchedItem) (bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return false, err
	}
	tag, execErr := pool.Exec(ctx, pgInsertWatchedItemSQL,
		item.ItemID,
		item.Site,
		item.Title,
		item.URL,
		item.AddedBy,
		item.AddedAt,
		decimalArg(item.LastKnownPrice),
	)
	if execErr != nil {
		return false, fmt.Errorf("add watched item: %w", execErr)
	}
	return tag.RowsAffected() == 1, nil
}

// GetWatchedItem loads one watched item.
func (s *Store) GetWatchedItem(ctx context.Context, itemID string) (WatchedItem, error) {
	pool, err := s.getPool()
	if err != nil {
		return WatchedItem{}, err
	}
	item, err := scanPgWatchedItem(pool.QueryRow(ctx, pgGetWatchedItemSQL, itemID))
	if errors.Is(err, pgx.ErrNoRows) {
		return WatchedItem{}, ErrNotFound
	}
	if err != nil {
		return WatchedItem{}, fmt.Errorf("get watched item: %w", err)
	}
	return item, nil
}

// DeleteWatchedItem removes the item and every subscription to it.
func (s *Store) DeleteWatchedItem(ctx context.Context, itemID string) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, pgDeleteItemSubscriptionsSQL, itemID); err != nil {
			return fmt.Errorf("delete item subscriptions: %w", err)
		}
		tag, err := tx.Exec(ctx, pgDeleteWatchedItemSQL, itemID)
		if err != nil {
			return fmt.Errorf("delete watched item: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// ListWatchedItems lists all watched items in insertion order.
func (s *Store) ListWatchedItems(ctx context.Context) ([]WatchedItem, error) {
	return s.queryWatchedItems(ctx, pgListWatchedItemsSQL)
}

// ListWatchedItemsFor lists the items a subscriber follows.
func (s *Store) ListWatchedItemsFor(ctx context.Context, subscriberID int64) ([]WatchedItem, error) {
	return s.queryWatchedItems(ctx, pgListWatchedItemsForSQL, subscriberID)
}

func (s *Store) queryWatchedItems(ctx context.Context, query string, args ...any) ([]WatchedItem, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, queryErr := pool.Query(ctx, query, args...)
	if queryErr != nil {
		return nil, fmt.Errorf("list watched items: %w", queryErr)
	}
	defer rows.Close()

	items := make([]WatchedItem, 0)
	for rows.Next() {
		item, scanErr := scanPgWatchedItem(rows)
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

// SubscribeItem subscribes subscriberID to itemID; repeated calls are no-ops.
func (s *Store) SubscribeItem(ctx context.Context, subscriberID int64, itemID string) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, pgSubscribeItemSQL, subscriberID, itemID); err != nil {
		return fmt.Errorf("subscribe item: %w", err)
	}
	return nil
}

// UnsubscribeItem drops one subscription.
func (s *Store) UnsubscribeItem(ctx context.Context, subscriberID int64, itemID string) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, pgUnsubscribeItemSQL, subscriberID, itemID); err != nil {
		return fmt.Errorf("unsubscribe item: %w", err)
	}
	return nil
}

// ListSubscribersForItem lists subscriber ids in ascending order.
func (s *Store) ListSubscribersForItem(ctx context.Context, itemID string) ([]int64, error) {
	return s.queryIDs(ctx, pgItemSubscribersSQL, itemID)
}

// AddCategory inserts a watched category.
func (s *Store) AddCategory(ctx context.Context, cat WatchedCategory) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, pgInsertCategorySQL,
		cat.ID,
		cat.Name,
		cat.SearchQuery,
		cat.Site,
		cat.AddedBy,
		cat.AddedAt,
	); err != nil {
		return fmt.Errorf("add category: %w", err)
	}
	return nil
}

// GetCategory loads one watched category.
func (s *Store) GetCategory(ctx context.Context, categoryID string) (WatchedCategory, error) {
	pool, err := s.getPool()
	if err != nil {
		return WatchedCategory{}, err
	}
	cat, err := scanPgCategory(pool.QueryRow(ctx, pgGetCategorySQL, categoryID))
	if errors.Is(err, pgx.ErrNoRows) {
		return WatchedCategory{}, ErrNotFound
	}
	if err != nil {
		return WatchedCategory{}, fmt.Errorf("get category: %w", err)
	}
	return cat, nil
}

// DeleteCategory removes the category with its subscriptions and known items.
func (s *Store) DeleteCategory(ctx context.Context, categoryID string) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, pgDeleteCategorySubscriptionsSQL, categoryID); err != nil {
			return fmt.Errorf("delete category subscriptions: %w", err)
		}
		if _, err := tx.Exec(ctx, pgDeleteCategoryItemsSQL, categoryID); err != nil {
			return fmt.Errorf("delete category items: %w", err)
		}
		tag, err := tx.Exec(ctx, pgDeleteCategorySQL, categoryID)
		if err != nil {
			return fmt.Errorf("delete category: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// ListCategories lists all watched categories.
func (s *Store) ListCategories(ctx context.Context) ([]WatchedCategory, error) {
	return s.queryCategories(ctx, pgListCategoriesSQL)
}

// ListCategoriesFor lists the categories a subscriber follows.
func (s *Store) ListCategoriesFor(ctx context.Context, subscriberID int64) ([]WatchedCategory, error) {
	return s.queryCategories(ctx, pgListCategoriesForSQL, subscriberID)
}

func (s *Store) queryCategories(ctx context.Context, query string, args ...any) ([]WatchedCategory, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, queryErr := pool.Query(ctx, query, args...)
	if queryErr != nil {
		return nil, fmt.Errorf("list categories: %w", queryErr)
	}
	defer rows.Close()

	cats := make([]WatchedCategory, 0)
	for rows.Next() {
		cat, scanErr := scanPgCategory(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		cats = append(cats, cat)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return cats, nil
}

// SubscribeCategory subscribes subscriberID to a category; repeated calls are no-ops.
func (s *Store) SubscribeCategory(ctx context.Context, subscriberID int64, categoryID string) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, pgSubscribeCategorySQL, subscriberID, categoryID); err != nil {
		return fmt.Errorf("subscribe category: %w", err)
	}
	return nil
}

// ListSubscribersForCategory lists subscriber ids in ascending order.
func (s *Store) ListSubscribersForCategory(ctx context.Context, categoryID string) ([]int64, error) {
	return s.queryIDs(ctx, pgCategorySubscribersSQL, categoryID)
}

func (s *Store) queryIDs(ctx context.Context, query string, arg string) ([]int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, queryErr := pool.Query(ctx, query, arg)
	if queryErr != nil {
		return nil, fmt.Errorf("list subscribers: %w", queryErr)
	}
	defer rows.Close()

	ids := make([]int64, 0)
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return ids, nil
}

// TrackCategoryItem compares and upserts the known state of one category item.
func (s *Store) TrackCategoryItem(ctx context.Context, categoryID string, item KnownItem) (bool, error) {
	fire := false
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, pgLockKeySQL, "cat:"+categoryID+":"+item.ItemID); err != nil {
			return fmt.Errorf("lock category item: %w", err)
		}

		var raw string
		var previous *decimal.Decimal
		scanErr := tx.QueryRow(ctx, pgKnownDiscountSQL, categoryID, item.ItemID).Scan(&raw)
		switch {
		case errors.Is(scanErr, pgx.ErrNoRows):
		case scanErr != nil:
			return fmt.Errorf("read known item: %w", scanErr)
		default:
			d, err := parseDecimal("known discount", raw)
			if err != nil {
				return err
			}
			previous = &d
		}
		fire = newDiscount(item.DiscountPct, previous)

		if _, err := tx.Exec(ctx, pgUpsertKnownItemSQL,
			categoryID,
			item.ItemID,
			item.Price.String(),
			item.DiscountPct.String(),
			item.LastSeen,
		); err != nil {
			return fmt.Errorf("upsert known item: %w", err)
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	return fire, nil
}

// ListKnownItems lists the known items of a category.
func (s *Store) ListKnownItems(ctx context.Context, categoryID string) ([]KnownItem, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, queryErr := pool.Query(ctx, pgListKnownItemsSQL, categoryID)
	if queryErr != nil {
		return nil, fmt.Errorf("list known items: %w", queryErr)
	}
	defer rows.Close()

	items := make([]KnownItem, 0)
	for rows.Next() {
		var (
			item                  KnownItem
			priceStr, discountStr string
		)
		if err := rows.Scan(&item.ItemID, &priceStr, &discountStr, &item.LastSeen); err != nil {
			return nil, err
		}
		if item.Price, err = parseDecimal("known price", priceStr); err != nil {
			return nil, err
		}
		if item.DiscountPct, err = parseDecimal("known discount", discountStr); err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return items, nil
}

// MarkCategoryChecked stores sweep counters.
func (s *Store) MarkCategoryChecked(ctx context.Context, categoryID string, checkedAt time.Time, productCount, discountedCount int) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, pgMarkCategoryCheckedSQL, categoryID, checkedAt, productCount, discountedCount); err != nil {
		return fmt.Errorf("mark category checked: %w", err)
	}
	return nil
}

// EnsureSubscriber creates the subscriber on first contact and returns the stored row.
func (s *Store) EnsureSubscriber(ctx context.Context, sub Subscriber) (Subscriber, error) {
	pool, err := s.getPool()
	if err != nil {
		return Subscriber{}, err
	}
	createdAt := sub.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	stored, err := scanPgSubscriber(pool.QueryRow(ctx, pgEnsureSubscriberSQL, sub.ID, sub.Username, createdAt))
	if err != nil {
		return Subscriber{}, fmt.Errorf("ensure subscriber: %w", err)
	}
	return stored, nil
}

// GetSubscriber loads one subscriber.
func (s *Store) GetSubscriber(ctx context.Context, subscriberID int64) (Subscriber, error) {
	pool, err := s.getPool()
	if err != nil {
		return Subscriber{}, err
	}
	sub, err := scanPgSubscriber(pool.QueryRow(ctx, pgGetSubscriberSQL, subscriberID))
	if errors.Is(err, pgx.ErrNoRows) {
		return Subscriber{}, ErrNotFound
	}
	if err != nil {
		return Subscriber{}, fmt.Errorf("get subscriber: %w", err)
	}
	return sub, nil
}

// UpdateSubscriberThresholds replaces both per-subscriber overrides; nil clears one.
func (s *Store) UpdateSubscriberThresholds(ctx context.Context, subscriberID int64, bigDiscount, priceError *decimal.Decimal) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	tag, execErr := pool.Exec(ctx, pgUpdateThresholdsSQL, subscriberID, decimalArg(bigDiscount), decimalArg(priceError))
	if execErr != nil {
		return fmt.Errorf("update thresholds: %w", execErr)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// AddComparison stores a new comparison and returns it with its id.
func (s *Store) AddComparison(ctx context.Context, cmp Comparison) (Comparison, error) {
	pool, err := s.getPool()
	if err != nil {
		return Comparison{}, err
	}
	offers, err := encodeOffers(cmp.Offers)
	if err != nil {
		return Comparison{}, err
	}
	if cmp.CreatedAt.IsZero() {
		cmp.CreatedAt = time.Now().UTC()
	}
	if err := pool.QueryRow(ctx, pgInsertComparisonSQL,
		cmp.SubscriberID,
		cmp.ProductName,
		cmp.SearchQuery,
		offers,
		cmp.CreatedAt,
	).Scan(&cmp.ID); err != nil {
		return Comparison{}, fmt.Errorf("add comparison: %w", err)
	}
	return cmp, nil
}

// ListComparisons lists every comparison.
func (s *Store) ListComparisons(ctx context.Context) ([]Comparison, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, queryErr := pool.Query(ctx, pgListComparisonsSQL)
	if queryErr != nil {
		return nil, fmt.Errorf("list comparisons: %w", queryErr)
	}
	defer rows.Close()

	out := make([]Comparison, 0)
	for rows.Next() {
		var (
			cmp     Comparison
			offers  []byte
			bestRaw *string
		)
		if err := rows.Scan(
			&cmp.ID,
			&cmp.SubscriberID,
			&cmp.ProductName,
			&cmp.SearchQuery,
			&offers,
			&bestRaw,
			&cmp.BestSite,
			&cmp.LastCheckedAt,
			&cmp.CreatedAt,
		); err != nil {
			return nil, err
		}
		if cmp.Offers, err = decodeOffers(offers); err != nil {
			return nil, err
		}
		if cmp.BestPrice, err = parseOptionalDecimal("best price", bestRaw); err != nil {
			return nil, err
		}
		out = append(out, cmp)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}

// UpdateComparison stores the latest offers and best price.
func (s *Store) UpdateComparison(ctx context.Context, cmp Comparison) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	offers, err := encodeOffers(cmp.Offers)
	if err != nil {
		return err
	}
	tag, execErr := pool.Exec(ctx, pgUpdateComparisonSQL, cmp.ID, offers, decimalArg(cmp.BestPrice), cmp.BestSite, cmp.LastCheckedAt)
	if execErr != nil {
		return fmt.Errorf("update comparison: %w", execErr)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Stats aggregates counters; alerts are counted from alertsSince.
func (s *Store) Stats(ctx context.Context, alertsSince time.Time) (Stats, error) {
	pool, err := s.getPool()
	if err != nil {
		return Stats{}, err
	}

	var (
		st     Stats
		avgStr string
	)
	if err := pool.QueryRow(ctx, pgCountsSQL).Scan(&st.Subscribers, &st.WatchedItems, &st.Categories, &st.Observations, &avgStr); err != nil {
		return Stats{}, fmt.Errorf("count rows: %w", err)
	}
	if st.AvgLastKnownPrice, err = parseDecimal("average price", avgStr); err != nil {
		return Stats{}, err
	}

	rows, queryErr := pool.Query(ctx, pgAlertsByKindSQL, alertsSince)
	if queryErr != nil {
		return Stats{}, fmt.Errorf("count alerts: %w", queryErr)
	}
	defer rows.Close()

	st.AlertsByKind = make(map[AlertKind]int64)
	for rows.Next() {
		var (
			kind  string
			count int64
		)
		if err := rows.Scan(&kind, &count); err != nil {
			return Stats{}, err
		}
		st.AlertsByKind[AlertKind(kind)] = count
	}
	if rows.Err() != nil {
		return Stats{}, rows.Err()
	}
	return st, nil
}

func scanPgObservation(row rowScanner) (ObservationRecord, error) {
	var (
		rec         ObservationRecord
		priceStr    string
		originalRaw *string
	)
	if err := row.Scan(
		&rec.ID,
		&rec.ItemID,
		&rec.Site,
		&rec.Title,
		&priceStr,
		&originalRaw,
		&rec.InStock,
		&rec.URL,
		&rec.Category,
		&rec.ObservedAt,
	); err != nil {
		return ObservationRecord{}, err
	}

	var err error
	if rec.Price, err = parseDecimal("price", priceStr); err != nil {
		return ObservationRecord{}, err
	}
	if rec.OriginalPrice, err = parseOptionalDecimal("original price", originalRaw); err != nil {
		return ObservationRecord{}, err
	}
	return rec, nil
}

func scanPgAlert(row rowScanner) (AlertRecord, error) {
	var (
		rec     AlertRecord
		kind    string
		payload []byte
	)
	if err := row.Scan(&rec.ID, &rec.ItemID, &kind, &rec.DetectedAt, &payload); err != nil {
		return AlertRecord{}, err
	}
	rec.Kind = AlertKind(kind)

	var err error
	if rec.Payload, err = decodePayload(payload); err != nil {
		return AlertRecord{}, err
	}
	return rec, nil
}

func scanPgWatchedItem(row rowScanner) (WatchedItem, error) {
	var (
		item               WatchedItem
		lastRaw, lowestRaw *string
	)
	if err := row.Scan(
		&item.ItemID,
		&item.Site,
		&item.Title,
		&item.URL,
		&item.AddedBy,
		&item.AddedAt,
		&lastRaw,
		&lowestRaw,
		&item.LastCheckedAt,
	); err != nil {
		return WatchedItem{}, err
	}

	var err error
	if item.LastKnownPrice, err = parseOptionalDecimal("last known price", lastRaw); err != nil {
		return WatchedItem{}, err
	}
	if item.LowestKnownPrice, err = parseOptionalDecimal("lowest known price", lowestRaw); err != nil {
		return WatchedItem{}, err
	}
	return item, nil
}

func scanPgCategory(row rowScanner) (WatchedCategory, error) {
	var cat WatchedCategory
	if err := row.Scan(
		&cat.ID,
		&cat.Name,
		&cat.SearchQuery,
		&cat.Site,
		&cat.AddedBy,
		&cat.AddedAt,
		&cat.LastCheckedAt,
		&cat.ProductCount,
		&cat.DiscountedCount,
	); err != nil {
		return WatchedCategory{}, err
	}
	return cat, nil
}

func scanPgSubscriber(row rowScanner) (Subscriber, error) {
	var (
		sub            Subscriber
		bigRaw, errRaw *string
	)
	if err := row.Scan(&sub.ID, &sub.Username, &bigRaw, &errRaw, &sub.CreatedAt); err != nil {
		return Subscriber{}, err
	}

	var err error
	if sub.BigDiscountThreshold, err = parseOptionalDecimal("big discount threshold", bigRaw); err != nil {
		return Subscriber{}, err
	}
	if sub.PriceErrorThreshold, err = parseOptionalDecimal("price error threshold", errRaw); err != nil {
		return Subscriber{}, err
	}
	return sub, nil
}

var _ Repository = (*Store)(nil)
var _ AdvisoryLocker = (*Store)(nil)
