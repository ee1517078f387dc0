package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	"pricewatch/internal/catalog"
)

const (
	liteLastPriceSQL = `SELECT COALESCE(
        (SELECT price FROM observations WHERE item_id = ?1 ORDER BY observed_at DESC, id DESC LIMIT 1),
        (SELECT last_known_price FROM watched_items WHERE item_id = ?1)
    );`

	liteInsertObservationSQL = `INSERT INTO observations (
        item_id, site, title, price, original_price, in_stock, url, category, observed_at
    ) VALUES (?,?,?,?,?,?,?,?,?);`

	liteLowestPriceSQL = `SELECT lowest_known_price FROM watched_items WHERE item_id = ?;`

	liteTouchWatchedItemSQL = `UPDATE watched_items
    SET last_known_price = ?, lowest_known_price = ?, last_checked_at = ?
    WHERE item_id = ?;`

	liteListHistorySQL = `SELECT id, item_id, site, title, price, original_price, in_stock, url, category, observed_at
    FROM observations
    WHERE item_id = ? AND observed_at >= ?
    ORDER BY observed_at DESC, id DESC
    LIMIT ?;`

	liteArmGateSQL = `INSERT INTO alert_gates (item_id, kind, armed_at)
    VALUES (?,?,?)
    ON CONFLICT (item_id, kind) DO UPDATE
    SET armed_at = excluded.armed_at
    WHERE alert_gates.armed_at <= ?
    RETURNING armed_at;`

	liteInsertAlertSQL = `INSERT INTO alert_records (item_id, kind, detected_at, payload) VALUES (?,?,?,?);`

	liteActiveAlertSQL = `SELECT id, item_id, kind, detected_at, payload
    FROM alert_records
    WHERE item_id = ? AND kind = ? AND detected_at > ?
    ORDER BY detected_at DESC, id DESC
    LIMIT 1;`

	liteListRecentAlertsSQL = `SELECT id, item_id, kind, detected_at, payload
    FROM alert_records
    WHERE (?1 = '' OR kind = ?1)
    ORDER BY detected_at DESC, id DESC
    LIMIT ?2;`

	liteDeleteAlertsBeforeSQL = `DELETE FROM alert_records WHERE detected_at < ?;`

	liteWatchedItemColumns = `w.item_id, w.site, w.title, w.url, w.added_by, w.added_at,
        w.last_known_price, w.lowest_known_price, w.last_checked_at`

	liteInsertWatchedItemSQL = `INSERT INTO watched_items (
        item_id, site, title, url, added_by, added_at, last_known_price, lowest_known_price
    ) VALUES (?1,?2,?3,?4,?5,?6,?7,?7)
    ON CONFLICT (item_id) DO NOTHING;`

	liteGetWatchedItemSQL = `SELECT ` + liteWatchedItemColumns + ` FROM watched_items w WHERE w.item_id = ?;`

	liteListWatchedItemsSQL = `SELECT ` + liteWatchedItemColumns + ` FROM watched_items w ORDER BY w.added_at, w.item_id;`

	liteListWatchedItemsForSQL = `SELECT ` + liteWatchedItemColumns + `
    FROM watched_items w
    JOIN item_subscriptions s ON s.item_id = w.item_id
    WHERE s.subscriber_id = ?
    ORDER BY w.added_at, w.item_id;`

	liteDeleteItemSubscriptionsSQL = `DELETE FROM item_subscriptions WHERE item_id = ?;`
	liteDeleteWatchedItemSQL       = `DELETE FROM watched_items WHERE item_id = ?;`
	liteSubscribeItemSQL           = `INSERT OR IGNORE INTO item_subscriptions (subscriber_id, item_id) VALUES (?,?);`
	liteUnsubscribeItemSQL         = `DELETE FROM item_subscriptions WHERE subscriber_id = ? AND item_id = ?;`
	liteItemSubscribersSQL         = `SELECT subscriber_id FROM item_subscriptions WHERE item_id = ? ORDER BY subscriber_id;`

	liteCategoryColumns = `c.category_id, c.name, c.search_query, c.site, c.added_by, c.added_at,
        c.last_checked_at, c.product_count, c.discounted_count`

	liteInsertCategorySQL = `INSERT INTO watched_categories (
        category_id, name, search_query, site, added_by, added_at
    ) VALUES (?,?,?,?,?,?);`

	liteGetCategorySQL = `SELECT ` + liteCategoryColumns + ` FROM watched_categories c WHERE c.category_id = ?;`

	liteListCategoriesSQL = `SELECT ` + liteCategoryColumns + ` FROM watched_categories c ORDER BY c.added_at, c.category_id;`

	liteListCategoriesForSQL = `SELECT ` + liteCategoryColumns + `
    FROM watched_categories c
    JOIN category_subscriptions s ON s.category_id = c.category_id
    WHERE s.subscriber_id = ?
    ORDER BY c.added_at, c.category_id;`

	liteDeleteCategorySubscriptionsSQL = `DELETE FROM category_subscriptions WHERE category_id = ?;`
	liteDeleteCategoryItemsSQL         = `DELETE FROM category_items WHERE category_id = ?;`
	liteDeleteCategorySQL              = `DELETE FROM watched_categories WHERE category_id = ?;`
	liteSubscribeCategorySQL           = `INSERT OR IGNORE INTO category_subscriptions (subscriber_id, category_id) VALUES (?,?);`
	liteCategorySubscribersSQL         = `SELECT subscriber_id FROM category_subscriptions WHERE category_id = ? ORDER BY subscriber_id;`

	liteKnownDiscountSQL = `SELECT discount_pct FROM category_items WHERE category_id = ? AND item_id = ?;`

	liteUpsertKnownItemSQL = `INSERT INTO category_items (category_id, item_id, price, discount_pct, last_seen)
    VALUES (?,?,?,?,?)
    ON CONFLICT (category_id, item_id) DO UPDATE
    SET price = excluded.price, discount_pct = excluded.discount_pct, last_seen = excluded.last_seen;`

	liteListKnownItemsSQL = `SELECT item_id, price, discount_pct, last_seen
    FROM category_items
    WHERE category_id = ?
    ORDER BY item_id;`

	liteMarkCategoryCheckedSQL = `UPDATE watched_categories
    SET last_checked_at = ?, product_count = ?, discounted_count = ?
    WHERE category_id = ?;`

	liteEnsureSubscriberSQL = `INSERT INTO subscribers (subscriber_id, username, created_at)
    VALUES (?,?,?)
    ON CONFLICT (subscriber_id) DO UPDATE
    SET username = CASE WHEN excluded.username <> '' THEN excluded.username ELSE subscribers.username END
    RETURNING subscriber_id, username, big_discount_threshold, price_error_threshold, created_at;`

	liteGetSubscriberSQL = `SELECT subscriber_id, username, big_discount_threshold, price_error_threshold, created_at
    FROM subscribers
    WHERE subscriber_id = ?;`

	liteUpdateThresholdsSQL = `UPDATE subscribers
    SET big_discount_threshold = ?, price_error_threshold = ?
    WHERE subscriber_id = ?;`

	liteInsertComparisonSQL = `INSERT INTO comparisons (subscriber_id, product_name, search_query, offers, created_at)
    VALUES (?,?,?,?,?);`

	liteListComparisonsSQL = `SELECT id, subscriber_id, product_name, search_query, offers, best_price, best_site, last_checked_at, created_at
    FROM comparisons
    ORDER BY id;`

	liteUpdateComparisonSQL = `UPDATE comparisons
    SET offers = ?, best_price = ?, best_site = ?, last_checked_at = ?
    WHERE id = ?;`

	liteCountsSQL = `SELECT
        (SELECT COUNT(*) FROM subscribers),
        (SELECT COUNT(*) FROM watched_items),
        (SELECT COUNT(*) FROM watched_categories),
        (SELECT COUNT(*) FROM observations);`

	liteKnownPricesSQL = `SELECT last_known_price FROM watched_items WHERE last_known_price IS NOT NULL;`

	liteAlertsByKindSQL = `SELECT kind, COUNT(*) FROM alert_records WHERE detected_at >= ? GROUP BY kind;`
)

// SQLiteStore is the embedded Repository. It keeps a single connection open so
// transactions double as the write lock.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the database at path; ":memory:" gives a
// private in-memory database.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	if path == "" {
		path = "pricewatch.db"
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	if path != ":memory:" {
		for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000"} {
			if _, err := db.ExecContext(ctx, pragma); err != nil {
				_ = db.Close()
				return nil, fmt.Errorf("%s: %w", pragma, err)
			}
		}
	}

	return &SQLiteStore{db: db}, nil
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Migrate applies the embedded schema.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}
	schema, err := loadSchema("sqlite.sql")
	if err != nil {
		return err
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("apply sqlite schema: %w", err)
	}
	return nil
}

func (s *SQLiteStore) getDB() (*sql.DB, error) {
	if s == nil || s.db == nil {
		return nil, ErrNotConfigured
	}
	return s.db, nil
}

// inTx runs fn in a transaction. fn must only use tx: the pool has one
// connection and tx holds it.
func (s *SQLiteStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func toMillis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func optionalMillis(t *time.Time) any {
	if t == nil {
		return nil
	}
	return toMillis(*t)
}

func fromNullMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMillis(v.Int64)
	return &t
}

func nullDecimal(field string, v sql.NullString) (*decimal.Decimal, error) {
	if !v.Valid {
		return nil, nil
	}
	return parseOptionalDecimal(field, &v.String)
}

// GetLastPrice returns the latest observed price, falling back to the watched item's last known price.
func (s *SQLiteStore) GetLastPrice(ctx context.Context, itemID string) (*decimal.Decimal, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}
	var raw sql.NullString
	if err := db.QueryRowContext(ctx, liteLastPriceSQL, itemID).Scan(&raw); err != nil {
		return nil, fmt.Errorf("get last price: %w", err)
	}
	return nullDecimal("last price", raw)
}

// RecordObservation appends obs and returns the price it superseded.
func (s *SQLiteStore) RecordObservation(ctx context.Context, obs catalog.Observation) (*decimal.Decimal, error) {
	var previous *decimal.Decimal
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var raw sql.NullString
		if err := tx.QueryRowContext(ctx, liteLastPriceSQL, obs.ItemID).Scan(&raw); err != nil {
			return fmt.Errorf("read previous price: %w", err)
		}
		prev, err := nullDecimal("previous price", raw)
		if err != nil {
			return err
		}
		previous = prev

		if _, err := tx.ExecContext(ctx, liteInsertObservationSQL,
			obs.ItemID,
			obs.Site,
			obs.Title,
			obs.CurrentPrice.String(),
			decimalArg(obs.OriginalPrice),
			obs.InStock,
			obs.URL,
			obs.Category,
			toMillis(obs.ObservedAt),
		); err != nil {
			return fmt.Errorf("insert observation: %w", err)
		}

		var lowestRaw sql.NullString
		scanErr := tx.QueryRowContext(ctx, liteLowestPriceSQL, obs.ItemID).Scan(&lowestRaw)
		if errors.Is(scanErr, sql.ErrNoRows) {
			return nil
		}
		if scanErr != nil {
			return fmt.Errorf("read lowest price: %w", scanErr)
		}
		lowest, err := nullDecimal("lowest price", lowestRaw)
		if err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, liteTouchWatchedItemSQL,
			obs.CurrentPrice.String(),
			lowerOf(obs.CurrentPrice, lowest).String(),
			toMillis(obs.ObservedAt),
			obs.ItemID,
		); err != nil {
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
func (s *SQLiteStore) ListHistory(ctx context.Context, itemID string, since time.Time, limit int) ([]ObservationRecord, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, liteListHistorySQL, itemID, toMillis(since), limit)
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	defer rows.Close()

	history := make([]ObservationRecord, 0)
	for rows.Next() {
		var (
			rec         ObservationRecord
			priceStr    string
			originalRaw sql.NullString
			observedAt  int64
		)
		if err := rows.Scan(&rec.ID, &rec.ItemID, &rec.Site, &rec.Title, &priceStr, &originalRaw, &rec.InStock, &rec.URL, &rec.Category, &observedAt); err != nil {
			return nil, err
		}
		if rec.Price, err = parseDecimal("price", priceStr); err != nil {
			return nil, err
		}
		if rec.OriginalPrice, err = nullDecimal("original price", originalRaw); err != nil {
			return nil, err
		}
		rec.ObservedAt = fromMillis(observedAt)
		history = append(history, rec)
	}
	return history, rows.Err()
}

// GetActiveAlert returns the newest alert for (itemID, kind) still inside cooldown.
func (s *SQLiteStore) GetActiveAlert(ctx context.Context, itemID string, kind AlertKind, now time.Time, cooldown time.Duration) (AlertRecord, error) {
	db, err := s.getDB()
	if err != nil {
		return AlertRecord{}, err
	}
	rec, err := scanLiteAlert(db.QueryRowContext(ctx, liteActiveAlertSQL, itemID, string(kind), toMillis(gateCutoff(now, cooldown))))
	if errors.Is(err, sql.ErrNoRows) {
		return AlertRecord{}, ErrNotFound
	}
	if err != nil {
		return AlertRecord{}, fmt.Errorf("get active alert: %w", err)
	}
	return rec, nil
}

// PutAlert arms the gate for (rec.ItemID, rec.Kind) and stores rec when no alert is active.
func (s *SQLiteStore) PutAlert(ctx context.Context, rec AlertRecord, cooldown time.Duration) (AlertRecord, bool, error) {
	payload, err := encodePayload(rec.Payload)
	if err != nil {
		return AlertRecord{}, false, err
	}

	armed := false
	err = s.inTx(ctx, func(tx *sql.Tx) error {
		var armedAt int64
		scanErr := tx.QueryRowContext(ctx, liteArmGateSQL,
			rec.ItemID,
			string(rec.Kind),
			toMillis(rec.DetectedAt),
			toMillis(gateCutoff(rec.DetectedAt, cooldown)),
		).Scan(&armedAt)
		if errors.Is(scanErr, sql.ErrNoRows) {
			return nil
		}
		if scanErr != nil {
			return fmt.Errorf("arm alert gate: %w", scanErr)
		}

		res, err := tx.ExecContext(ctx, liteInsertAlertSQL, rec.ItemID, string(rec.Kind), toMillis(rec.DetectedAt), string(payload))
		if err != nil {
			return fmt.Errorf("insert alert: %w", err)
		}
		if rec.ID, err = res.LastInsertId(); err != nil {
			return fmt.Errorf("alert id: %w", err)
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
func (s *SQLiteStore) AppendAlert(ctx context.Context, rec AlertRecord) (AlertRecord, error) {
	db, err := s.getDB()
	if err != nil {
		return AlertRecord{}, err
	}
	payload, err := encodePayload(rec.Payload)
	if err != nil {
		return AlertRecord{}, err
	}
	res, err := db.ExecContext(ctx, liteInsertAlertSQL, rec.ItemID, string(rec.Kind), toMillis(rec.DetectedAt), string(payload))
	if err != nil {
		return AlertRecord{}, fmt.Errorf("append alert: %w", err)
	}
	if rec.ID, err = res.LastInsertId(); err != nil {
		return AlertRecord{}, fmt.Errorf("alert id: %w", err)
	}
	return rec, nil
}

// ListRecentAlerts lists most recent alerts, optionally of one kind.
func (s *SQLiteStore) ListRecentAlerts(ctx context.Context, kind AlertKind, limit int) ([]AlertRecord, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, liteListRecentAlertsSQL, string(kind), limit)
	if err != nil {
		return nil, fmt.Errorf("list recent alerts: %w", err)
	}
	defer rows.Close()

	alerts := make([]AlertRecord, 0, limit)
	for rows.Next() {
		rec, err := scanLiteAlert(rows)
		if err != nil {
			return nil, err
		}
		alerts = append(alerts, rec)
	}
	return alerts, rows.Err()
}

// DeleteAlertsBefore deletes historical alerts.
func (s *SQLiteStore) DeleteAlertsBefore(ctx context.Context, olderThan time.Time) (int64, error) {
	db, err := s.getDB()
	if err != nil {
		return 0, err
	}
	res, err := db.ExecContext(ctx, liteDeleteAlertsBeforeSQL, toMillis(olderThan))
	if err != nil {
		return 0, fmt.Errorf("delete alerts before: %w", err)
	}
	return res.RowsAffected()
}

// AddWatchedItem inserts item unless it is already watched.
func (s *SQLiteStore) AddWatchedItem(ctx context.Context, item WatchedItem) (bool, error) {
	db, err := s.getDB()
	if err != nil {
		return false, err
	}
	res, err := db.ExecContext(ctx, liteInsertWatchedItemSQL,
		item.ItemID,
		item.Site,
		item.Title,
		item.URL,
		item.AddedBy,
		toMillis(item.AddedAt),
		decimalArg(item.LastKnownPrice),
	)
	if err != nil {
		return false, fmt.Errorf("add watched item: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// GetWatchedItem loads one watched item.
func (s *SQLiteStore) GetWatchedItem(ctx context.Context, itemID string) (WatchedItem, error) {
	db, err := s.getDB()
	if err != nil {
		return WatchedItem{}, err
	}
	item, err := scanLiteWatchedItem(db.QueryRowContext(ctx, liteGetWatchedItemSQL, itemID))
	if errors.Is(err, sql.ErrNoRows) {
		return WatchedItem{}, ErrNotFound
	}
	if err != nil {
		return WatchedItem{}, fmt.Errorf("get watched item: %w", err)
	}
	return item, nil
}

// DeleteWatchedItem removes the item and every subscription to it.
func (s *SQLiteStore) DeleteWatchedItem(ctx context.Context, itemID string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, liteDeleteItemSubscriptionsSQL, itemID); err != nil {
			return fmt.Errorf("delete item subscriptions: %w", err)
		}
		res, err := tx.ExecContext(ctx, liteDeleteWatchedItemSQL, itemID)
		if err != nil {
			return fmt.Errorf("delete watched item: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// ListWatchedItems lists all watched items in insertion order.
func (s *SQLiteStore) ListWatchedItems(ctx context.Context) ([]WatchedItem, error) {
	return s.queryWatchedItems(ctx, liteListWatchedItemsSQL)
}

// ListWatchedItemsFor lists the items a subscriber follows.
func (s *SQLiteStore) ListWatchedItemsFor(ctx context.Context, subscriberID int64) ([]WatchedItem, error) {
	return s.queryWatchedItems(ctx, liteListWatchedItemsForSQL, subscriberID)
}

func (s *SQLiteStore) queryWatchedItems(ctx context.Context, query string, args ...any) ([]WatchedItem, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list watched items: %w", err)
	}
	defer rows.Close()

	items := make([]WatchedItem, 0)
	for rows.Next() {
		item, err := scanLiteWatchedItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// SubscribeItem subscribes subscriberID to itemID; repeated calls are no-ops.
func (s *SQLiteStore) SubscribeItem(ctx context.Context, subscriberID int64, itemID string) error {
	return s.exec(ctx, "subscribe item", liteSubscribeItemSQL, subscriberID, itemID)
}

// UnsubscribeItem drops one subscription.
func (s *SQLiteStore) UnsubscribeItem(ctx context.Context, subscriberID int64, itemID string) error {
	return s.exec(ctx, "unsubscribe item", liteUnsubscribeItemSQL, subscriberID, itemID)
}

// ListSubscribersForItem lists subscriber ids in ascending order.
func (s *SQLiteStore) ListSubscribersForItem(ctx context.Context, itemID string) ([]int64, error) {
	return s.queryIDs(ctx, liteItemSubscribersSQL, itemID)
}

// AddCategory inserts a watched category.
func (s *SQLiteStore) AddCategory(ctx context.Context, cat WatchedCategory) error {
	return s.exec(ctx, "add category", liteInsertCategorySQL,
		cat.ID,
		cat.Name,
		cat.SearchQuery,
		cat.Site,
		cat.AddedBy,
		toMillis(cat.AddedAt),
	)
}

// GetCategory loads one watched category.
func (s *SQLiteStore) GetCategory(ctx context.Context, categoryID string) (WatchedCategory, error) {
	db, err := s.getDB()
	if err != nil {
		return WatchedCategory{}, err
	}
	cat, err := scanLiteCategory(db.QueryRowContext(ctx, liteGetCategorySQL, categoryID))
	if errors.Is(err, sql.ErrNoRows) {
		return WatchedCategory{}, ErrNotFound
	}
	if err != nil {
		return WatchedCategory{}, fmt.Errorf("get category: %w", err)
	}
	return cat, nil
}

// DeleteCategory removes the category with its subscriptions and known items.
func (s *SQLiteStore) DeleteCategory(ctx context.Context, categoryID string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, liteDeleteCategorySubscriptionsSQL, categoryID); err != nil {
			return fmt.Errorf("delete category subscriptions: %w", err)
		}
		if _, err := tx.ExecContext(ctx, liteDeleteCategoryItemsSQL, categoryID); err != nil {
			return fmt.Errorf("delete category items: %w", err)
		}
		res, err := tx.ExecContext(ctx, liteDeleteCategorySQL, categoryID)
		if err != nil {
			return fmt.Errorf("delete category: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// ListCategories lists all watched categories.
func (s *SQLiteStore) ListCategories(ctx context.Context) ([]WatchedCategory, error) {
	return s.queryCategories(ctx, liteListCategoriesSQL)
}

// ListCategoriesFor lists the categories a subscriber follows.
func (s *SQLiteStore) ListCategoriesFor(ctx context.Context, subscriberID int64) ([]WatchedCategory, error) {
	return s.queryCategories(ctx, liteListCategoriesForSQL, subscriberID)
}

func (s *SQLiteStore) queryCategories(ctx context.Context, query string, args ...any) ([]WatchedCategory, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list categories: %w", err)
	}
	defer rows.Close()

	cats := make([]WatchedCategory, 0)
	for rows.Next() {
		cat, err := scanLiteCategory(rows)
		if err != nil {
			return nil, err
		}
		cats = append(cats, cat)
	}
	return cats, rows.Err()
}

// SubscribeCategory subscribes subscriberID to a category; repeated calls are no-ops.
func (s *SQLiteStore) SubscribeCategory(ctx context.Context, subscriberID int64, categoryID string) error {
	return s.exec(ctx, "subscribe category", liteSubscribeCategorySQL, subscriberID, categoryID)
}

// ListSubscribersForCategory lists subscriber ids in ascending order.
func (s *SQLiteStore) ListSubscribersForCategory(ctx context.Context, categoryID string) ([]int64, error) {
	return s.queryIDs(ctx, liteCategorySubscribersSQL, categoryID)
}

func (s *SQLiteStore) queryIDs(ctx context.Context, query, arg string) ([]int64, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, fmt.Errorf("list subscribers: %w", err)
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
	return ids, rows.Err()
}

// TrackCategoryItem compares and upserts the known state of one category item.
func (s *SQLiteStore) TrackCategoryItem(ctx context.Context, categoryID string, item KnownItem) (bool, error) {
	fire := false
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var raw string
		var previous *decimal.Decimal
		scanErr := tx.QueryRowContext(ctx, liteKnownDiscountSQL, categoryID, item.ItemID).Scan(&raw)
		switch {
		case errors.Is(scanErr, sql.ErrNoRows):
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

		if _, err := tx.ExecContext(ctx, liteUpsertKnownItemSQL,
			categoryID,
			item.ItemID,
			item.Price.String(),
			item.DiscountPct.String(),
			toMillis(item.LastSeen),
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
func (s *SQLiteStore) ListKnownItems(ctx context.Context, categoryID string) ([]KnownItem, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, liteListKnownItemsSQL, categoryID)
	if err != nil {
		return nil, fmt.Errorf("list known items: %w", err)
	}
	defer rows.Close()

	items := make([]KnownItem, 0)
	for rows.Next() {
		var (
			item                  KnownItem
			priceStr, discountStr string
			lastSeen              int64
		)
		if err := rows.Scan(&item.ItemID, &priceStr, &discountStr, &lastSeen); err != nil {
			return nil, err
		}
		if item.Price, err = parseDecimal("known price", priceStr); err != nil {
			return nil, err
		}
		if item.DiscountPct, err = parseDecimal("known discount", discountStr); err != nil {
			return nil, err
		}
		item.LastSeen = fromMillis(lastSeen)
		items = append(items, item)
	}
	return items, rows.Err()
}

// MarkCategoryChecked stores sweep counters.
func (s *SQLiteStore) MarkCategoryChecked(ctx context.Context, categoryID string, checkedAt time.Time, productCount, discountedCount int) error {
	return s.exec(ctx, "mark category checked", liteMarkCategoryCheckedSQL, toMillis(checkedAt), productCount, discountedCount, categoryID)
}

// EnsureSubscriber creates the subscriber on first contact and returns the stored row.
func (s *SQLiteStore) EnsureSubscriber(ctx context.Context, sub Subscriber) (Subscriber, error) {
	db, err := s.getDB()
	if err != nil {
		return Subscriber{}, err
	}
	createdAt := sub.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	stored, err := scanLiteSubscriber(db.QueryRowContext(ctx, liteEnsureSubscriberSQL, sub.ID, sub.Username, toMillis(createdAt)))
	if err != nil {
		return Subscriber{}, fmt.Errorf("ensure subscriber: %w", err)
	}
	return stored, nil
}

// GetSubscriber loads one subscriber.
func (s *SQLiteStore) GetSubscriber(ctx context.Context, subscriberID int64) (Subscriber, error) {
	db, err := s.getDB()
	if err != nil {
		return Subscriber{}, err
	}
	sub, err := scanLiteSubscriber(db.QueryRowContext(ctx, liteGetSubscriberSQL, subscriberID))
	if errors.Is(err, sql.ErrNoRows) {
		return Subscriber{}, ErrNotFound
	}
	if err != nil {
		return Subscriber{}, fmt.Errorf("get subscriber: %w", err)
	}
	return sub, nil
}

// UpdateSubscriberThresholds replaces both per-subscriber overrides; nil clears one.
func (s *SQLiteStore) UpdateSubscriberThresholds(ctx context.Context, subscriberID int64, bigDiscount, priceError *decimal.Decimal) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}
	res, err := db.ExecContext(ctx, liteUpdateThresholdsSQL, decimalArg(bigDiscount), decimalArg(priceError), subscriberID)
	if err != nil {
		return fmt.Errorf("update thresholds: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// AddComparison stores a new comparison and returns it with its id.
func (s *SQLiteStore) AddComparison(ctx context.Context, cmp Comparison) (Comparison, error) {
	db, err := s.getDB()
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
	res, err := db.ExecContext(ctx, liteInsertComparisonSQL, cmp.SubscriberID, cmp.ProductName, cmp.SearchQuery, string(offers), toMillis(cmp.CreatedAt))
	if err != nil {
		return Comparison{}, fmt.Errorf("add comparison: %w", err)
	}
	if cmp.ID, err = res.LastInsertId(); err != nil {
		return Comparison{}, fmt.Errorf("comparison id: %w", err)
	}
	return cmp, nil
}

// ListComparisons lists every comparison.
func (s *SQLiteStore) ListComparisons(ctx context.Context) ([]Comparison, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, liteListComparisonsSQL)
	if err != nil {
		return nil, fmt.Errorf("list comparisons: %w", err)
	}
	defer rows.Close()

	out := make([]Comparison, 0)
	for rows.Next() {
		var (
			cmp         Comparison
			offers      string
			bestRaw     sql.NullString
			lastChecked sql.NullInt64
			createdAt   int64
		)
		if err := rows.Scan(&cmp.ID, &cmp.SubscriberID, &cmp.ProductName, &cmp.SearchQuery, &offers, &bestRaw, &cmp.BestSite, &lastChecked, &createdAt); err != nil {
			return nil, err
		}
		if cmp.Offers, err = decodeOffers([]byte(offers)); err != nil {
			return nil, err
		}
		if cmp.BestPrice, err = nullDecimal("best price", bestRaw); err != nil {
			return nil, err
		}
		cmp.LastCheckedAt = fromNullMillis(lastChecked)
		cmp.CreatedAt = fromMillis(createdAt)
		out = append(out, cmp)
	}
	return out, rows.Err()
}

// UpdateComparison stores the latest offers and best price.
func (s *SQLiteStore) UpdateComparison(ctx context.Context, cmp Comparison) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}
	offers, err := encodeOffers(cmp.Offers)
	if err != nil {
		return err
	}
	res, err := db.ExecContext(ctx, liteUpdateComparisonSQL, string(offers), decimalArg(cmp.BestPrice), cmp.BestSite, optionalMillis(cmp.LastCheckedAt), cmp.ID)
	if err != nil {
		return fmt.Errorf("update comparison: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Stats aggregates counters; alerts are counted from alertsSince.
func (s *SQLiteStore) Stats(ctx context.Context, alertsSince time.Time) (Stats, error) {
	db, err := s.getDB()
	if err != nil {
		return Stats{}, err
	}

	var st Stats
	if err := db.QueryRowContext(ctx, liteCountsSQL).Scan(&st.Subscribers, &st.WatchedItems, &st.Categories, &st.Observations); err != nil {
		return Stats{}, fmt.Errorf("count rows: %w", err)
	}

	// prices are TEXT here, so average them as decimals rather than in SQL
	prices, err := db.QueryContext(ctx, liteKnownPricesSQL)
	if err != nil {
		return Stats{}, fmt.Errorf("list known prices: %w", err)
	}
	sum, n := decimal.Zero, int64(0)
	for prices.Next() {
		var raw string
		if err := prices.Scan(&raw); err != nil {
			prices.Close()
			return Stats{}, err
		}
		p, err := parseDecimal("last known price", raw)
		if err != nil {
			prices.Close()
			return Stats{}, err
		}
		sum = sum.Add(p)
		n++
	}
	prices.Close()
	if err := prices.Err(); err != nil {
		return Stats{}, err
	}
	if n > 0 {
		st.AvgLastKnownPrice = sum.Div(decimal.NewFromInt(n)).Round(2)
	}

	rows, err := db.QueryContext(ctx, liteAlertsByKindSQL, toMillis(alertsSince))
	if err != nil {
		return Stats{}, fmt.Errorf("count alerts: %w", err)
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
	return st, rows.Err()
}

func (s *SQLiteStore) exec(ctx context.Context, op, query string, args ...any) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}
	if _, err := db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func scanLiteAlert(row rowScanner) (AlertRecord, error) {
	var (
		rec        AlertRecord
		kind       string
		detectedAt int64
		payload    string
	)
	if err := row.Scan(&rec.ID, &rec.ItemID, &kind, &detectedAt, &payload); err != nil {
		return AlertRecord{}, err
	}
	rec.Kind = AlertKind(kind)
	rec.DetectedAt = fromMillis(detectedAt)

	var err error
	if rec.Payload, err = decodePayload([]byte(payload)); err != nil {
		return AlertRecord{}, err
	}
	return rec, nil
}

func scanLiteWatchedItem(row rowScanner) (WatchedItem, error) {
	var (
		item            WatchedItem
		addedAt         int64
		lastRaw, lowest sql.NullString
		lastChecked     sql.NullInt64
	)
	if err := row.Scan(&item.ItemID, &item.Site, &item.Title, &item.URL, &item.AddedBy, &addedAt, &lastRaw, &lowest, &lastChecked); err != nil {
		return WatchedItem{}, err
	}
	item.AddedAt = fromMillis(addedAt)
	item.LastCheckedAt = fromNullMillis(lastChecked)

	var err error
	if item.LastKnownPrice, err = nullDecimal("last known price", lastRaw); err != nil {
		return WatchedItem{}, err
	}
	if item.LowestKnownPrice, err = nullDecimal("lowest known price", lowest); err != nil {
		return WatchedItem{}, err
	}
	return item, nil
}

func scanLiteCategory(row rowScanner) (WatchedCategory, error) {
	var (
		cat         WatchedCategory
		addedAt     int64
		lastChecked sql.NullInt64
	)
	if err := row.Scan(&cat.ID, &cat.Name, &cat.SearchQuery, &cat.Site, &cat.AddedBy, &addedAt, &lastChecked, &cat.ProductCount, &cat.DiscountedCount); err != nil {
		return WatchedCategory{}, err
	}
	cat.AddedAt = fromMillis(addedAt)
	cat.LastCheckedAt = fromNullMillis(lastChecked)
	return cat, nil
}

func scanLiteSubscriber(row rowScanner) (Subscriber, error) {
	var (
		sub            Subscriber
		bigRaw, errRaw sql.NullString
		createdAt      int64
	)
	if err := row.Scan(&sub.ID, &sub.Username, &bigRaw, &errRaw, &createdAt); err != nil {
		return Subscriber{}, err
	}
	sub.CreatedAt = fromMillis(createdAt)

	var err error
	if sub.BigDiscountThreshold, err = nullDecimal("big discount threshold", bigRaw); err != nil {
		return Subscriber{}, err
	}
	if sub.PriceErrorThreshold, err = nullDecimal("price error threshold", errRaw); err != nil {
		return Subscriber{}, err
	}
	return sub, nil
}

var _ Repository = (*SQLiteStore)(nil)
