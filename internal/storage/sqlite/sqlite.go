package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	msqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"commodity-ratewatch/internal/rates"
	"commodity-ratewatch/internal/storage"
)

const selectColumns = `city, commodity, price_date, rates, scraped_at, quality, source, source_text`

// Store is a single-file PriceStore.
type Store struct {
	db     *sql.DB
	closed atomic.Bool
}

var (
	_ storage.PriceStore = (*Store)(nil)
	_ storage.Migrator   = (*Store)(nil)
)

// New opens the database at path and applies the schema.
func New(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite: path is required")
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	if err := store.Migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}

	return store, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	s.closed.Store(true)
	return s.db.Close()
}

// Migrate creates the schema if it does not exist.
func (s *Store) Migrate(ctx context.Context) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}
	statements := []string{
		`PRAGMA journal_mode = WAL;`,
		`PRAGMA busy_timeout = 5000;`,
		`CREATE TABLE IF NOT EXISTS commodity_rates (
			city TEXT NOT NULL,
			commodity TEXT NOT NULL,
			price_date TEXT NOT NULL,
			rates TEXT NOT NULL,
			scraped_at INTEGER NOT NULL,
			quality TEXT NOT NULL DEFAULT 'live',
			source TEXT NOT NULL DEFAULT '',
			source_text TEXT NOT NULL DEFAULT '',
			updated_at INTEGER NOT NULL,
			PRIMARY KEY (city, commodity, price_date)
		);`,
		`CREATE INDEX IF NOT EXISTS commodity_rates_commodity_idx
			ON commodity_rates (commodity, city, price_date);`,
	}

	for _, statement := range statements {
		if _, err := db.ExecContext(ctx, statement); err != nil {
			return classify("migrate sqlite", err)
		}
	}
	return nil
}

// Upsert inserts or overwrites the record for its key.
func (s *Store) Upsert(ctx context.Context, rec rates.StoredRecord) (outcome rates.Outcome, err error) {
	rec, err = storage.Prepare(rec)
	if err != nil {
		return "", err
	}
	db, err := s.getDB()
	if err != nil {
		return "", err
	}
	payload, err := storage.EncodeRates(rec.Rates)
	if err != nil {
		return "", err
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return "", classify("begin upsert", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var exists int
	err = tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM commodity_rates WHERE city = ? AND commodity = ? AND price_date = ?`,
		rec.City, string(rec.Commodity), rates.FormatDay(rec.PriceDate),
	).Scan(&exists)
	if err != nil {
		return "", classify("check existing rate", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO commodity_rates (
			city, commodity, price_date, rates, scraped_at, quality, source, source_text, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(city, commodity, price_date)
		DO UPDATE SET
			rates = excluded.rates,
			scraped_at = excluded.scraped_at,
			quality = excluded.quality,
			source = excluded.source,
			source_text = excluded.source_text,
			updated_at = excluded.updated_at
	`,
		rec.City,
		string(rec.Commodity),
		rates.FormatDay(rec.PriceDate),
		string(payload),
		rec.ScrapedAt.UnixNano(),
		string(rec.Quality),
		rec.Source,
		rec.SourceText,
		time.Now().UTC().UnixNano(),
	)
	if err != nil {
		return "", classify("upsert rate", err)
	}

	if err = tx.Commit(); err != nil {
		return "", classify("commit upsert", err)
	}
	if exists > 0 {
		return rates.OutcomeUpdated, nil
	}
	return rates.OutcomeCreated, nil
}

// GetByDate returns the record for the key or storage.ErrNotFound.
func (s *Store) GetByDate(ctx context.Context, commodity rates.Commodity, city string, date time.Time) (rates.StoredRecord, error) {
	db, err := s.getDB()
	if err != nil {
		return rates.StoredRecord{}, err
	}
	row := db.QueryRowContext(ctx,
		`SELECT `+selectColumns+` FROM commodity_rates WHERE commodity = ? AND city = ? AND price_date = ?`,
		string(commodity), storage.CityKey(city), rates.FormatDay(rates.Day(date, time.UTC)),
	)
	rec, err := scanRecord(row)
	if err != nil {
		return rates.StoredRecord{}, classify("get rate by date", err)
	}
	return rec, nil
}

// GetByRange returns records in [start, end] ordered by date.
func (s *Store) GetByRange(ctx context.Context, commodity rates.Commodity, city string, start, end time.Time) ([]rates.StoredRecord, error) {
	return s.list(ctx, "list rates by range", `
		SELECT `+selectColumns+` FROM commodity_rates
		WHERE commodity = ? AND city = ? AND price_date >= ? AND price_date <= ?
		ORDER BY price_date`,
		string(commodity), storage.CityKey(city),
		rates.FormatDay(rates.Day(start, time.UTC)), rates.FormatDay(rates.Day(end, time.UTC)),
	)
}

// GetLatest returns the newest record per city.
func (s *Store) GetLatest(ctx context.Context, commodity rates.Commodity, city string) ([]rates.StoredRecord, error) {
	return s.list(ctx, "list latest rates", `
		SELECT `+selectColumns+` FROM (
			SELECT *, ROW_NUMBER() OVER (
				PARTITION BY city ORDER BY price_date DESC, scraped_at DESC
			) AS rn
			FROM commodity_rates
			WHERE commodity = ? AND (? = '' OR city = ?)
		)
		WHERE rn = 1
		ORDER BY city`,
		string(commodity), storage.CityKey(city), storage.CityKey(city),
	)
}

// GetAvailableCities lists cities with at least one record.
func (s *Store) GetAvailableCities(ctx context.Context, commodity rates.Commodity) ([]string, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx,
		`SELECT DISTINCT city FROM commodity_rates WHERE commodity = ? ORDER BY city`, string(commodity))
	if err != nil {
		return nil, classify("list cities", err)
	}
	defer rows.Close()

	cities := make([]string, 0)
	for rows.Next() {
		var city string
		if err := rows.Scan(&city); err != nil {
			return nil, classify("scan city", err)
		}
		cities = append(cities, city)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("list cities", err)
	}
	return cities, nil
}

func (s *Store) list(ctx context.Context, op, query string, args ...any) ([]rates.StoredRecord, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify(op, err)
	}
	defer rows.Close()

	records := make([]rates.StoredRecord, 0)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, classify(op, err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(op, err)
	}
	return records, nil
}

func (s *Store) getDB() (*sql.DB, error) {
	if s == nil || s.db == nil || s.closed.Load() {
		return nil, storage.Unavailable("sqlite", storage.ErrNotConfigured)
	}
	return s.db, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (rates.StoredRecord, error) {
	var (
		city, commodity, day, payload string
		scrapedAt                     int64
		quality, source, sourceText   string
	)
	if err := row.Scan(&city, &commodity, &day, &payload, &scrapedAt, &quality, &source, &sourceText); err != nil {
		return rates.StoredRecord{}, err
	}

	priceDate, err := rates.ParseDay(day)
	if err != nil {
		return rates.StoredRecord{}, err
	}
	buckets, err := storage.DecodeRates([]byte(payload))
	if err != nil {
		return rates.StoredRecord{}, err
	}

	return rates.Stored(rates.RateRecord{
		Commodity:  rates.Commodity(commodity),
		City:       city,
		Rates:      buckets,
		PriceDate:  priceDate,
		ScrapedAt:  time.Unix(0, scrapedAt).UTC(),
		Quality:    rates.Quality(quality),
		Source:     source,
		SourceText: sourceText,
	}), nil
}

func classify(op string, err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return storage.ErrNotFound
	}
	if errors.Is(err, sql.ErrConnDone) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return storage.Unavailable(op, err)
	}
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED, sqlite3.SQLITE_CANTOPEN,
			sqlite3.SQLITE_IOERR, sqlite3.SQLITE_FULL, sqlite3.SQLITE_READONLY:
			return storage.Unavailable(op, err)
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}
