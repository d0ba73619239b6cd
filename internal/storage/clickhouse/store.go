package clickhouse

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"

	"commodity-ratewatch/internal/config"
	"commodity-ratewatch/internal/rates"
	"commodity-ratewatch/internal/storage"
)

const (
	createTableSQL = `
		CREATE TABLE IF NOT EXISTS commodity_rates (
			commodity   LowCardinality(String),
			city        String,
			price_date  Date,
			rates       String,
			scraped_at  DateTime64(6, 'UTC'),
			quality     LowCardinality(String),
			source      LowCardinality(String),
			source_text String,
			updated_at  DateTime64(9, 'UTC') DEFAULT now64(9)
		)
		ENGINE = ReplacingMergeTree(updated_at)
		ORDER BY (commodity, city, price_date)
	`

	selectColumns = `city, commodity, price_date, rates, scraped_at, quality, source, source_text`
)

// Store persists rate records in a ReplacingMergeTree; reads use FINAL so the
// newest insert per key is the only one visible.
type Store struct {
	conn *Conn
}

var (
	_ storage.PriceStore = (*Store)(nil)
	_ storage.Migrator   = (*Store)(nil)
)

// NewStore creates a new Store.
func NewStore(conn *Conn) *Store {
	return &Store{conn: conn}
}

// Open connects using database settings.
func Open(ctx context.Context, cfg config.DatabaseConfig) (*Store, error) {
	conn, err := NewConn(ctx, cfg.DSN, cfg.DialTimeout)
	if err != nil {
		return nil, err
	}
	return NewStore(conn), nil
}

// Close closes the connection.
func (s *Store) Close() error {
	if s == nil || s.conn == nil {
		return nil
	}
	return s.conn.Close()
}

// Migrate creates the rates table.
func (s *Store) Migrate(ctx context.Context) error {
	conn, err := s.getConn()
	if err != nil {
		return err
	}
	if err := conn.Exec(ctx, createTableSQL); err != nil {
		return classify("create commodity_rates", err)
	}
	return nil
}

// Upsert appends a new version of the record; ReplacingMergeTree collapses older ones.
func (s *Store) Upsert(ctx context.Context, rec rates.StoredRecord) (rates.Outcome, error) {
	rec, err := storage.Prepare(rec)
	if err != nil {
		return "", err
	}
	conn, err := s.getConn()
	if err != nil {
		return "", err
	}
	payload, err := storage.EncodeRates(rec.Rates)
	if err != nil {
		return "", err
	}

	exists, err := s.exists(ctx, rec.Key())
	if err != nil {
		return "", err
	}

	batch, err := conn.PrepareBatch(ctx, `
		INSERT INTO commodity_rates (
			commodity, city, price_date, rates, scraped_at, quality, source, source_text, updated_at
		)
	`)
	if err != nil {
		return "", classify("prepare batch", err)
	}
	err = batch.Append(
		string(rec.Commodity),
		rec.City,
		rec.PriceDate,
		string(payload),
		rec.ScrapedAt,
		string(rec.Quality),
		rec.Source,
		rec.SourceText,
		time.Now().UTC(),
	)
	if err != nil {
		_ = batch.Abort()
		return "", fmt.Errorf("append to batch: %w", err)
	}
	if err := batch.Send(); err != nil {
		return "", classify("send batch", err)
	}

	if exists {
		return rates.OutcomeUpdated, nil
	}
	return rates.OutcomeCreated, nil
}

// GetByDate returns the record for the key or storage.ErrNotFound.
func (s *Store) GetByDate(ctx context.Context, commodity rates.Commodity, city string, date time.Time) (rates.StoredRecord, error) {
	conn, err := s.getConn()
	if err != nil {
		return rates.StoredRecord{}, err
	}
	row := conn.QueryRow(ctx, `
		SELECT `+selectColumns+`
		FROM commodity_rates FINAL
		WHERE commodity = ? AND city = ? AND price_date = toDate(?)
		LIMIT 1
	`, string(commodity), storage.CityKey(city), rates.FormatDay(rates.Day(date, time.UTC)))

	return scanRecord(row, "get rate by date")
}

// GetByRange returns records in [start, end] ordered by date.
func (s *Store) GetByRange(ctx context.Context, commodity rates.Commodity, city string, start, end time.Time) ([]rates.StoredRecord, error) {
	return s.list(ctx, "list rates by range", `
		SELECT `+selectColumns+`
		FROM commodity_rates FINAL
		WHERE commodity = ? AND city = ?
		  AND price_date >= toDate(?) AND price_date <= toDate(?)
		ORDER BY price_date ASC
	`, string(commodity), storage.CityKey(city),
		rates.FormatDay(rates.Day(start, time.UTC)), rates.FormatDay(rates.Day(end, time.UTC)))
}

// GetLatest returns the newest record per city.
func (s *Store) GetLatest(ctx context.Context, commodity rates.Commodity, city string) ([]rates.StoredRecord, error) {
	key := storage.CityKey(city)
	return s.list(ctx, "list latest rates", `
		SELECT `+selectColumns+`
		FROM commodity_rates FINAL
		WHERE commodity = ? AND (? = '' OR city = ?)
		ORDER BY city ASC, price_date DESC, scraped_at DESC
		LIMIT 1 BY city
	`, string(commodity), key, key)
}

// GetAvailableCities lists cities with at least one record.
func (s *Store) GetAvailableCities(ctx context.Context, commodity rates.Commodity) ([]string, error) {
	conn, err := s.getConn()
	if err != nil {
		return nil, err
	}
	rows, err := conn.Query(ctx, `
		SELECT DISTINCT city FROM commodity_rates FINAL
		WHERE commodity = ?
		ORDER BY city ASC
	`, string(commodity))
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

func (s *Store) exists(ctx context.Context, key rates.Key) (bool, error) {
	var count uint64
	err := s.conn.QueryRow(ctx, `
		SELECT count() FROM commodity_rates FINAL
		WHERE commodity = ? AND city = ? AND price_date = toDate(?)
	`, string(key.Commodity), key.City, rates.FormatDay(key.PriceDate)).Scan(&count)
	if err != nil {
		return false, classify("check existing rate", err)
	}
	return count > 0, nil
}

func (s *Store) list(ctx context.Context, op, query string, args ...any) ([]rates.StoredRecord, error) {
	conn, err := s.getConn()
	if err != nil {
		return nil, err
	}
	rows, err := conn.Query(ctx, query, args...)
	if err != nil {
		return nil, classify(op, err)
	}
	defer rows.Close()

	records := make([]rates.StoredRecord, 0)
	for rows.Next() {
		rec, err := scanRecord(rows, op)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(op, err)
	}
	return records, nil
}

func (s *Store) getConn() (*Conn, error) {
	if s == nil || s.conn == nil {
		return nil, storage.Unavailable("clickhouse", storage.ErrNotConfigured)
	}
	return s.conn, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner, op string) (rates.StoredRecord, error) {
	var (
		city, commodity, payload    string
		priceDate, scrapedAt        time.Time
		quality, source, sourceText string
	)
	if err := row.Scan(&city, &commodity, &priceDate, &payload, &scrapedAt, &quality, &source, &sourceText); err != nil {
		return rates.StoredRecord{}, classify(op, err)
	}
	buckets, err := storage.DecodeRates([]byte(payload))
	if err != nil {
		return rates.StoredRecord{}, fmt.Errorf("%s: %w", op, err)
	}
	return rates.Stored(rates.RateRecord{
		Commodity:  rates.Commodity(commodity),
		City:       city,
		Rates:      buckets,
		PriceDate:  time.Date(priceDate.Year(), priceDate.Month(), priceDate.Day(), 0, 0, 0, 0, time.UTC),
		ScrapedAt:  scrapedAt,
		Quality:    rates.Quality(quality),
		Source:     source,
		SourceText: sourceText,
	}), nil
}

// classify maps transport failures to storage.ErrUnavailable. Server
// exceptions and client-side scan errors stay plain query errors.
func classify(op string, err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return storage.ErrNotFound
	}
	if transportError(err) {
		return storage.Unavailable(op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func transportError(err error) bool {
	var netErr net.Error
	switch {
	case errors.As(err, &netErr),
		errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, driver.ErrBadConn),
		errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.EPIPE),
		errors.Is(err, clickhouse.ErrConnectionClosed),
		errors.Is(err, clickhouse.ErrAcquireConnTimeout),
		errors.Is(err, clickhouse.ErrAcquireConnNoAddress):
		return true
	}
	return false
}
