package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"dropwatch/internal/domain"
)

const (
	insertSignalSQL = `INSERT INTO signal_events (
        product_id,
        retailer_id,
        signal_type,
        observed_at
    ) VALUES ($1,$2,$3,$4)
    RETURNING id;`

	lockOccurrenceSQL = `SELECT pg_advisory_xact_lock(hashtext($1), hashtext($2));`

	outcomeColumns = `id,
        product_id,
        retailer_id,
        drop_at,
        first_seen_at,
        seen_inferred,
        first_in_stock_at,
        buy_window_seconds,
        success,
        updated_at`

	selectOccurrenceForUpdateSQL = `SELECT ` + outcomeColumns + `
    FROM drop_outcomes
    WHERE product_id = $1
      AND retailer_id = $2
      AND drop_at >= $3
      AND drop_at <= $4
    ORDER BY drop_at DESC
    LIMIT 1
    FOR UPDATE;`

	selectOccurrenceSQL = `SELECT ` + outcomeColumns + `
    FROM drop_outcomes
    WHERE product_id = $1
      AND retailer_id = $2
      AND drop_at >= $3
      AND drop_at <= $4
    ORDER BY drop_at DESC
    LIMIT 1;`

	insertOutcomeSQL = `INSERT INTO drop_outcomes (
        product_id,
        retailer_id,
        drop_at,
        first_seen_at,
        seen_inferred,
        first_in_stock_at,
        buy_window_seconds,
        success,
        updated_at
    ) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
    RETURNING id;`

	updateOutcomeSQL = `UPDATE drop_outcomes
    SET drop_at            = $2,
        first_seen_at      = $3,
        seen_inferred      = $4,
        first_in_stock_at  = $5,
        buy_window_seconds = $6,
        success            = $7,
        updated_at         = $8
    WHERE id = $1;`

	listRecentOutcomesSQL = `SELECT ` + outcomeColumns + `
    FROM drop_outcomes
    ORDER BY drop_at DESC
    LIMIT $1;`

	insertSnapshotSQL = `INSERT INTO availability_snapshots (
        product_id,
        retailer_id,
        in_stock,
        status,
        price,
        observed_at
    ) VALUES ($1,$2,$3,$4,$5,$6);`

	listInStockTimesSQL = `SELECT observed_at
    FROM availability_snapshots
    WHERE product_id = $1
      AND retailer_id = $2
      AND in_stock
      AND observed_at >= $3
    ORDER BY observed_at DESC
    LIMIT $4;`

	retailerBySlugSQL = `SELECT id, slug, name, kind, active FROM retailers WHERE slug = $1;`

	activeRetailersSQL = `SELECT id, slug, name, kind, active FROM retailers WHERE active ORDER BY slug;`

	upsertRetailerSQL = `INSERT INTO retailers (id, slug, name, kind, active)
    VALUES ($1,$2,$3,$4,$5)
    ON CONFLICT (id) DO UPDATE
    SET slug   = EXCLUDED.slug,
        name   = EXCLUDED.name,
        kind   = EXCLUDED.kind,
        active = EXCLUDED.active;`

	upsertProductSQL = `INSERT INTO products (id, name, upc, sku, popularity, active)
    VALUES ($1,$2,$3,$4,$5,$6)
    ON CONFLICT (id) DO UPDATE
    SET name       = EXCLUDED.name,
        upc        = EXCLUDED.upc,
        sku        = EXCLUDED.sku,
        popularity = EXCLUDED.popularity,
        active     = EXCLUDED.active;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// Store is the PostgreSQL repository.
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
		// best effort; the session lock dies with the connection anyway
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

// RecordSignal appends an event and returns it with its id.
func (s *Store) RecordSignal(ctx context.Context, ev domain.SignalEvent) (domain.SignalEvent, error) {
	pool, err := s.getPool()
	if err != nil {
		return ev, err
	}
	ev.ObservedAt = ev.ObservedAt.UTC()
	if err := pool.QueryRow(ctx, insertSignalSQL, ev.ProductID, ev.RetailerID, string(ev.Type), ev.ObservedAt).Scan(&ev.ID); err != nil {
		return ev, fmt.Errorf("insert signal: %w", err)
	}
	return ev, nil
}

// ListSignals returns events matching filter ordered by observation time.
func (s *Store) ListSignals(ctx context.Context, filter SignalFilter) ([]domain.SignalEvent, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	query, args, err := listSignalsQuery(filter)
	if err != nil {
		return nil, fmt.Errorf("build signal query: %w", err)
	}

	rows, err := pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list signals: %w", err)
	}
	defer rows.Close()

	events := make([]domain.SignalEvent, 0)
	for rows.Next() {
		var ev domain.SignalEvent
		var typ string
		if err := rows.Scan(&ev.ID, &ev.ProductID, &ev.RetailerID, &typ, &ev.ObservedAt); err != nil {
			return nil, err
		}
		ev.Type = domain.SignalType(typ)
		ev.ObservedAt = ev.ObservedAt.UTC()
		events = append(events, ev)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return events, nil
}

// CountSignals counts matching events per type.
func (s *Store) CountSignals(ctx context.Context, filter SignalFilter) (map[domain.SignalType]int, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	query, args, err := countSignalsQuery(filter)
	if err != nil {
		return nil, fmt.Errorf("build count query: %w", err)
	}

	rows, err := pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("count signals: %w", err)
	}
	defer rows.Close()

	counts := make(map[domain.SignalType]int)
	for rows.Next() {
		var typ string
		var n int
		if err := rows.Scan(&typ, &n); err != nil {
			return nil, err
		}
		counts[domain.SignalType(typ)] = n
	}
	return counts, rows.Err()
}

func signalConditions(q sq.SelectBuilder, f SignalFilter) sq.SelectBuilder {
	if f.ProductID != "" {
		q = q.Where(sq.Eq{"product_id": f.ProductID})
	}
	if f.RetailerID != "" {
		q = q.Where(sq.Eq{"retailer_id": f.RetailerID})
	}
	if len(f.Types) > 0 {
		q = q.Where(sq.Eq{"signal_type": f.typeNames()})
	}
	if !f.Since.IsZero() {
		q = q.Where(sq.GtOrEq{"observed_at": f.Since.UTC()})
	}
	if !f.Until.IsZero() {
		q = q.Where(sq.Lt{"observed_at": f.Until.UTC()})
	}
	if f.AfterID > 0 {
		q = q.Where(sq.Gt{"id": f.AfterID})
	}
	return q
}

func listSignalsQuery(f SignalFilter) (string, []any, error) {
	q := psql.Select("id", "product_id", "retailer_id", "signal_type", "observed_at").From("signal_events")
	q = signalConditions(q, f)
	switch {
	case f.ByID:
		q = q.OrderBy("id")
	case f.Newest:
		q = q.OrderBy("observed_at DESC", "id DESC")
	default:
		q = q.OrderBy("observed_at", "id")
	}
	if f.Limit > 0 {
		q = q.Limit(uint64(f.Limit))
	}
	return q.ToSql()
}

func countSignalsQuery(f SignalFilter) (string, []any, error) {
	q := psql.Select("signal_type", "COUNT(*)").From("signal_events")
	return signalConditions(q, f).GroupBy("signal_type").ToSql()
}

// RecordFirstSeen folds a first-seen observation into the occurrence covering at.
func (s *Store) RecordFirstSeen(ctx context.Context, productID, retailerID string, at time.Time) (domain.DropOutcome, error) {
	return s.applyOutcome(ctx, productID, retailerID, at, domain.SeenLookback, func(o *domain.DropOutcome) { o.ApplySeen(at) })
}

// RecordFirstInStock folds a first-in-stock observation into the occurrence covering at.
func (s *Store) RecordFirstInStock(ctx context.Context, productID, retailerID string, at time.Time) (domain.DropOutcome, error) {
	return s.applyOutcome(ctx, productID, retailerID, at, domain.InStockLookback, func(o *domain.DropOutcome) { o.ApplyInStock(at) })
}

// applyOutcome serialises writers of one (product, retailer) with a transaction-scoped
// advisory lock, then locks the matched row for the read-modify-write.
func (s *Store) applyOutcome(ctx context.Context, productID, retailerID string, at time.Time, lookback time.Duration, apply func(*domain.DropOutcome)) (domain.DropOutcome, error) {
	pool, err := s.getPool()
	if err != nil {
		return domain.DropOutcome{}, err
	}
	at = at.UTC()

	tx, err := pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return domain.DropOutcome{}, fmt.Errorf("begin outcome tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, lockOccurrenceSQL, productID, retailerID); err != nil {
		return domain.DropOutcome{}, fmt.Errorf("lock occurrence: %w", err)
	}

	outcome, err := scanOutcome(tx.QueryRow(ctx, selectOccurrenceForUpdateSQL, productID, retailerID, at.Add(-lookback), at.Add(lookback)))
	fresh := errors.Is(err, pgx.ErrNoRows)
	if err != nil && !fresh {
		return domain.DropOutcome{}, fmt.Errorf("select occurrence: %w", err)
	}
	if fresh {
		outcome = domain.NewDropOutcome(productID, retailerID, at)
	}
	apply(&outcome)

	if fresh {
		err = tx.QueryRow(ctx, insertOutcomeSQL,
			outcome.ProductID,
			outcome.RetailerID,
			outcome.DropAt,
			outcome.FirstSeenAt,
			outcome.SeenInferred,
			outcome.FirstInStockAt,
			outcome.BuyWindowSeconds,
			outcome.Success,
			outcome.UpdatedAt,
		).Scan(&outcome.ID)
	} else {
		_, err = tx.Exec(ctx, updateOutcomeSQL,
			outcome.ID,
			outcome.DropAt,
			outcome.FirstSeenAt,
			outcome.SeenInferred,
			outcome.FirstInStockAt,
			outcome.BuyWindowSeconds,
			outcome.Success,
			outcome.UpdatedAt,
		)
	}
	if err != nil {
		return domain.DropOutcome{}, fmt.Errorf("write outcome: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return domain.DropOutcome{}, fmt.Errorf("commit outcome: %w", err)
	}
	return outcome, nil
}

// GetOutcome returns the occurrence covering at, if any.
func (s *Store) GetOutcome(ctx context.Context, productID, retailerID string, at time.Time) (domain.DropOutcome, bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return domain.DropOutcome{}, false, err
	}
	at = at.UTC()
	outcome, err := scanOutcome(pool.QueryRow(ctx, selectOccurrenceSQL, productID, retailerID, at.Add(-domain.InStockLookback), at.Add(domain.InStockLookback)))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.DropOutcome{}, false, nil
	}
	if err != nil {
		return domain.DropOutcome{}, false, fmt.Errorf("get outcome: %w", err)
	}
	return outcome, true, nil
}

// ListRecentOutcomes lists the latest occurrences by drop time.
func (s *Store) ListRecentOutcomes(ctx context.Context, limit int) ([]domain.DropOutcome, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx, listRecentOutcomesSQL, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent outcomes: %w", err)
	}
	defer rows.Close()

	outcomes := make([]domain.DropOutcome, 0, limit)
	for rows.Next() {
		o, err := scanOutcome(rows)
		if err != nil {
			return nil, err
		}
		outcomes = append(outcomes, o)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return outcomes, nil
}

func scanOutcome(row pgx.Row) (domain.DropOutcome, error) {
	var o domain.DropOutcome
	if err := row.Scan(
		&o.ID,
		&o.ProductID,
		&o.RetailerID,
		&o.DropAt,
		&o.FirstSeenAt,
		&o.SeenInferred,
		&o.FirstInStockAt,
		&o.BuyWindowSeconds,
		&o.Success,
		&o.UpdatedAt,
	); err != nil {
		return domain.DropOutcome{}, err
	}
	o.DropAt = o.DropAt.UTC()
	if o.FirstSeenAt != nil {
		t := o.FirstSeenAt.UTC()
		o.FirstSeenAt = &t
	}
	if o.FirstInStockAt != nil {
		t := o.FirstInStockAt.UTC()
		o.FirstInStockAt = &t
	}
	return o, nil
}

// RecordSnapshot appends an availability observation.
func (s *Store) RecordSnapshot(ctx context.Context, snap domain.AvailabilitySnapshot) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	var price any
	if snap.Price != "" {
		d, err := decimal.NewFromString(snap.Price)
		if err != nil {
			return fmt.Errorf("parse snapshot price: %w", err)
		}
		price = d.String()
	}
	if _, err := pool.Exec(ctx, insertSnapshotSQL,
		snap.ProductID,
		snap.RetailerID,
		snap.InStock,
		string(snap.Status),
		price,
		snap.ObservedAt.UTC(),
	); err != nil {
		return fmt.Errorf("insert snapshot: %w", err)
	}
	return nil
}

// ListInStockTimes returns the most recent in-stock observation times for a pair.
func (s *Store) ListInStockTimes(ctx context.Context, productID, retailerID string, since time.Time, limit int) ([]time.Time, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 1000
	}
	rows, err := pool.Query(ctx, listInStockTimesSQL, productID, retailerID, since.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("list in-stock times: %w", err)
	}
	defer rows.Close()

	times := make([]time.Time, 0)
	for rows.Next() {
		var t time.Time
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		times = append(times, t.UTC())
	}
	return times, rows.Err()
}

// AvailabilityRatio counts in-stock snapshots over all snapshots since the given time.
// An empty productID aggregates the whole retailer.
func (s *Store) AvailabilityRatio(ctx context.Context, productID, retailerID string, since time.Time) (AvailabilityRatio, error) {
	pool, err := s.getPool()
	if err != nil {
		return AvailabilityRatio{}, err
	}
	q := psql.Select("COUNT(*) FILTER (WHERE in_stock)", "COUNT(*)").
		From("availability_snapshots").
		Where(sq.Eq{"retailer_id": retailerID}).
		Where(sq.GtOrEq{"observed_at": since.UTC()})
	if productID != "" {
		q = q.Where(sq.Eq{"product_id": productID})
	}
	query, args, err := q.ToSql()
	if err != nil {
		return AvailabilityRatio{}, fmt.Errorf("build ratio query: %w", err)
	}

	var r AvailabilityRatio
	if err := pool.QueryRow(ctx, query, args...).Scan(&r.InStock, &r.Total); err != nil {
		return AvailabilityRatio{}, fmt.Errorf("availability ratio: %w", err)
	}
	return r, nil
}

// Retailer looks a retailer up by slug.
func (s *Store) Retailer(ctx context.Context, slug string) (domain.Retailer, error) {
	pool, err := s.getPool()
	if err != nil {
		return domain.Retailer{}, err
	}
	r, err := scanRetailer(pool.QueryRow(ctx, retailerBySlugSQL, slug))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Retailer{}, ErrNotFound
	}
	if err != nil {
		return domain.Retailer{}, fmt.Errorf("get retailer: %w", err)
	}
	return r, nil
}

// ActiveRetailers lists active retailers by slug.
func (s *Store) ActiveRetailers(ctx context.Context) ([]domain.Retailer, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx, activeRetailersSQL)
	if err != nil {
		return nil, fmt.Errorf("list retailers: %w", err)
	}
	defer rows.Close()

	out := make([]domain.Retailer, 0)
	for rows.Next() {
		r, err := scanRetailer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// TopProducts returns the n most popular active products.
func (s *Store) TopProducts(ctx context.Context, n int) ([]domain.Product, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	q := psql.Select("id", "name", "upc", "sku", "popularity", "active").
		From("products").
		Where(sq.Eq{"active": true}).
		OrderBy("popularity DESC", "id")
	if n > 0 {
		q = q.Limit(uint64(n))
	}
	query, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build products query: %w", err)
	}

	rows, err := pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("top products: %w", err)
	}
	defer rows.Close()

	out := make([]domain.Product, 0)
	for rows.Next() {
		var p domain.Product
		if err := rows.Scan(&p.ID, &p.Name, &p.UPC, &p.SKU, &p.Popularity, &p.Active); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// UpsertRetailer inserts or refreshes a retailer row.
func (s *Store) UpsertRetailer(ctx context.Context, r domain.Retailer) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if r.ID == "" {
		r.ID = r.Slug
	}
	if _, err := pool.Exec(ctx, upsertRetailerSQL, r.ID, r.Slug, r.Name, string(r.Kind), r.Active); err != nil {
		return fmt.Errorf("upsert retailer: %w", err)
	}
	return nil
}

// UpsertProduct inserts or refreshes a product row.
func (s *Store) UpsertProduct(ctx context.Context, p domain.Product) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, upsertProductSQL, p.ID, p.Name, p.UPC, p.SKU, p.Popularity, p.Active); err != nil {
		return fmt.Errorf("upsert product: %w", err)
	}
	return nil
}

func scanRetailer(row pgx.Row) (domain.Retailer, error) {
	var r domain.Retailer
	var kind string
	if err := row.Scan(&r.ID, &r.Slug, &r.Name, &kind, &r.Active); err != nil {
		return domain.Retailer{}, err
	}
	r.Kind = domain.RetailerKind(kind)
	return r, nil
}
