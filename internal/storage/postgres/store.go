package postgres

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"commodity-ratewatch/internal/rates"
	"commodity-ratewatch/internal/storage"
)

const (
	upsertRateSQL = `INSERT INTO commodity_rates (
        city,
        commodity,
        price_date,
        rates,
        scraped_at,
        quality,
        source,
        source_text
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8
    )
    ON CONFLICT (city, commodity, price_date) DO UPDATE
    SET
        rates       = EXCLUDED.rates,
        scraped_at  = EXCLUDED.scraped_at,
        quality     = EXCLUDED.quality,
        source      = EXCLUDED.source,
        source_text = EXCLUDED.source_text,
        updated_at  = now()
    RETURNING (xmax = 0) AS inserted;`

	selectColumns = `city, commodity, price_date, rates, scraped_at, quality, source, source_text`

	getByDateSQL = `SELECT ` + selectColumns + `
    FROM commodity_rates
    WHERE commodity = $1 AND city = $2 AND price_date = $3;`

	getByRangeSQL = `SELECT ` + selectColumns + `
    FROM commodity_rates
    WHERE commodity = $1
      AND city = $2
      AND price_date >= $3
      AND price_date <= $4
    ORDER BY price_date;`

	getLatestSQL = `SELECT DISTINCT ON (city) ` + selectColumns + `
    FROM commodity_rates
    WHERE commodity = $1
      AND ($2::text = '' OR city = $2::text)
    ORDER BY city, price_date DESC, scraped_at DESC;`

	availableCitiesSQL = `SELECT DISTINCT city
    FROM commodity_rates
    WHERE commodity = $1
    ORDER BY city;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// Store persists rate records in PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

var (
	_ storage.PriceStore     = (*Store)(nil)
	_ storage.AdvisoryLocker = (*Store)(nil)
	_ storage.Migrator       = (*Store)(nil)
)

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

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, classify("acquire connection", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, classify("try advisory lock", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		// A failed unlock is released with the session.
		_, _ = conn.Exec(ctxUnlock, advisoryUnlockSQL, key)
		conn.Release()
	}
	return unlock, true, nil
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, storage.Unavailable("postgres", storage.ErrNotConfigured)
	}
	return s.pool, nil
}

// Upsert inserts or overwrites the record for its key.
func (s *Store) Upsert(ctx context.Context, rec rates.StoredRecord) (rates.Outcome, error) {
	rec, err := storage.Prepare(rec)
	if err != nil {
		return "", err
	}
	pool, err := s.getPool()
	if err != nil {
		return "", err
	}

	payload, err := storage.EncodeRates(rec.Rates)
	if err != nil {
		return "", err
	}

	var inserted bool
	scanErr := pool.QueryRow(ctx, upsertRateSQL,
		rec.City,
		string(rec.Commodity),
		rec.PriceDate,
		payload,
		rec.ScrapedAt,
		string(rec.Quality),
		rec.Source,
		rec.SourceText,
	).Scan(&inserted)
	if scanErr != nil {
		return "", classify("upsert rate", scanErr)
	}
	if inserted {
		return rates.OutcomeCreated, nil
	}
	return rates.OutcomeUpdated, nil
}

// GetByDate returns the record for the key or storage.ErrNotFound.
func (s *Store) GetByDate(ctx context.Context, commodity rates.Commodity, city string, date time.Time) (rates.StoredRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return rates.StoredRecord{}, err
	}
	row := pool.QueryRow(ctx, getByDateSQL, string(commodity), storage.CityKey(city), rates.Day(date, time.UTC))
	rec, err := scanRecord(row)
	if err != nil {
		return rates.StoredRecord{}, classify("get rate by date", err)
	}
	return rec, nil
}

// GetByRange returns records in [start, end] ordered by date.
func (s *Store) GetByRange(ctx context.Context, commodity rates.Commodity, city string, start, end time.Time) ([]rates.StoredRecord, error) {
	return s.list(ctx, "list rates by range", getByRangeSQL,
		string(commodity), storage.CityKey(city), rates.Day(start, time.UTC), rates.Day(end, time.UTC))
}

// GetLatest returns the newest record per city.
func (s *Store) GetLatest(ctx context.Context, commodity rates.Commodity, city string) ([]rates.StoredRecord, error) {
	return s.list(ctx, "list latest rates", getLatestSQL, string(commodity), storage.CityKey(city))
}

// GetAvailableCities lists cities with at least one record.
func (s *Store) GetAvailableCities(ctx context.Context, commodity rates.Commodity) ([]string, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx, availableCitiesSQL, string(commodity))
	if err != nil {
		return nil, classify("list cities", err)
	}
	cities, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, classify("scan cities", err)
	}
	return cities, nil
}

func (s *Store) list(ctx context.Context, op, query string, args ...any) ([]rates.StoredRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, query, args...)
	if queryErr != nil {
		return nil, classify(op, queryErr)
	}
	defer rows.Close()

	records := make([]rates.StoredRecord, 0)
	for rows.Next() {
		rec, scanErr := scanRecord(rows)
		if scanErr != nil {
			return nil, classify(op, scanErr)
		}
		records = append(records, rec)
	}
	if rows.Err() != nil {
		return nil, classify(op, rows.Err())
	}
	return records, nil
}

func scanRecord(row pgx.Row) (rates.StoredRecord, error) {
	var (
		city       string
		commodity  string
		priceDate  time.Time
		payload    []byte
		scrapedAt  time.Time
		quality    string
		source     string
		sourceText string
	)
	if err := row.Scan(
		&city,
		&commodity,
		&priceDate,
		&payload,
		&scrapedAt,
		&quality,
		&source,
		&sourceText,
	); err != nil {
		return rates.StoredRecord{}, err
	}

	buckets, err := storage.DecodeRates(payload)
	if err != nil {
		return rates.StoredRecord{}, err
	}

	return rates.Stored(rates.RateRecord{
		Commodity:  rates.Commodity(commodity),
		City:       city,
		Rates:      buckets,
		PriceDate:  priceDate,
		ScrapedAt:  scrapedAt,
		Quality:    rates.Quality(quality),
		Source:     source,
		SourceText: sourceText,
	}), nil
}

// classify maps driver errors onto the storage taxonomy.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return storage.ErrNotFound
	}
	if errors.Is(err, storage.ErrUnavailable) {
		return err
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if connectionClass(pgErr.Code) {
			return storage.Unavailable(op, err)
		}
		return fmt.Errorf("%s: %w", op, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) || pgconn.Timeout(err) || errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled) || strings.Contains(err.Error(), "closed pool") {
		return storage.Unavailable(op, err)
	}
	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) {
		return storage.Unavailable(op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// connectionClass reports SQLSTATE classes that mean the server cannot serve us:
// 08 connection exception, 53 insufficient resources, 57P operator intervention.
func connectionClass(code string) bool {
	return strings.HasPrefix(code, "08") || strings.HasPrefix(code, "53") || strings.HasPrefix(code, "57P")
}
