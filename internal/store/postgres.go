package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/dog-ball/gsy-e/internal/model"
)

// Schema creates the tables PostgresStore uses.
const Schema = `
CREATE TABLE IF NOT EXISTS trades (
	id         TEXT PRIMARY KEY,
	market_id  TEXT NOT NULL,
	area_id    TEXT NOT NULL,
	offer_id   TEXT NOT NULL DEFAULT '',
	bid_id     TEXT NOT NULL DEFAULT '',
	seller     TEXT NOT NULL,
	buyer      TEXT NOT NULL,
	energy     NUMERIC NOT NULL,
	rate       NUMERIC NOT NULL,
	timestamp  TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS trades_market_idx ON trades (market_id, timestamp);
CREATE INDEX IF NOT EXISTS trades_area_idx ON trades (area_id, timestamp);

CREATE TABLE IF NOT EXISTS market_summaries (
	market_id     TEXT PRIMARY KEY,
	area_id       TEXT NOT NULL,
	time_slot     TIMESTAMPTZ NOT NULL,
	trade_count   INTEGER NOT NULL,
	traded_energy NUMERIC NOT NULL,
	min_rate      NUMERIC NOT NULL,
	avg_rate      NUMERIC NOT NULL,
	max_rate      NUMERIC NOT NULL,
	readonly      BOOLEAN NOT NULL
);`

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All energies and rates are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate applies Schema.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, Schema)
	return err
}

func (s *PostgresStore) InsertTrade(ctx context.Context, t model.Trade) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO trades (id, market_id, area_id, offer_id, bid_id, seller, buyer, energy, rate, timestamp)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8::NUMERIC, $9::NUMERIC, $10)
		 ON CONFLICT (id) DO NOTHING`,
		t.ID, t.MarketID, t.AreaID, t.OfferID, t.BidID, t.Seller, t.Buyer,
		t.Energy.String(), t.Rate.String(), t.Timestamp,
	)
	return err
}

func (s *PostgresStore) TradesByMarket(ctx context.Context, marketID string) ([]model.Trade, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, market_id, area_id, offer_id, bid_id, seller, buyer,
		        energy::TEXT, rate::TEXT, timestamp
		 FROM trades WHERE market_id = $1 ORDER BY timestamp`, marketID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanTrades(rows)
}

func (s *PostgresStore) TradesByArea(ctx context.Context, areaID string) ([]model.Trade, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, market_id, area_id, offer_id, bid_id, seller, buyer,
		        energy::TEXT, rate::TEXT, timestamp
		 FROM trades WHERE area_id = $1 ORDER BY timestamp`, areaID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanTrades(rows)
}

func (s *PostgresStore) SaveMarketSummary(ctx context.Context, sum model.MarketSummary) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO market_summaries
		   (market_id, area_id, time_slot, trade_count, traded_energy, min_rate, avg_rate, max_rate, readonly)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9)
		 ON CONFLICT (market_id) DO UPDATE SET
		   trade_count = EXCLUDED.trade_count,
		   traded_energy = EXCLUDED.traded_energy,
		   min_rate = EXCLUDED.min_rate,
		   avg_rate = EXCLUDED.avg_rate,
		   max_rate = EXCLUDED.max_rate,
		   readonly = EXCLUDED.readonly`,
		sum.MarketID, sum.AreaID, sum.TimeSlot, sum.TradeCount,
		sum.TradedEnergy.String(), sum.MinRate.String(), sum.AvgRate.String(), sum.MaxRate.String(),
		sum.Readonly,
	)
	return err
}

func (s *PostgresStore) GetMarketSummary(ctx context.Context, marketID string) (*model.MarketSummary, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT market_id, area_id, time_slot, trade_count,
		        traded_energy::TEXT, min_rate::TEXT, avg_rate::TEXT, max_rate::TEXT, readonly
		 FROM market_summaries WHERE market_id = $1`, marketID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	sums, err := scanSummaries(rows)
	if err != nil {
		return nil, fmt.Errorf("get market summary %s: %w", marketID, err)
	}
	if len(sums) == 0 {
		return nil, fmt.Errorf("%w: market summary %s", ErrNotFound, marketID)
	}
	return &sums[0], nil
}

func (s *PostgresStore) MarketSummariesByArea(ctx context.Context, areaID string) ([]model.MarketSummary, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT market_id, area_id, time_slot, trade_count,
		        traded_energy::TEXT, min_rate::TEXT, avg_rate::TEXT, max_rate::TEXT, readonly
		 FROM market_summaries WHERE area_id = $1 ORDER BY time_slot`, areaID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanSummaries(rows)
}

// pgxRows is the subset of pgx.Rows the scanners need.
type pgxRows interface {
	Next() bool
	Scan(dest ...interface{}) error
	Err() error
}

var _ pgxRows = (pgx.Rows)(nil)

func scanTrades(rows pgxRows) ([]model.Trade, error) {
	var trades []model.Trade
	for rows.Next() {
		var t model.Trade
		var energyS, rateS string

		if err := rows.Scan(&t.ID, &t.MarketID, &t.AreaID, &t.OfferID, &t.BidID, &t.Seller, &t.Buyer,
			&energyS, &rateS, &t.Timestamp); err != nil {
			return nil, err
		}

		t.Energy, _ = decimal.NewFromString(energyS)
		t.Rate, _ = decimal.NewFromString(rateS)

		trades = append(trades, t)
	}
	return trades, rows.Err()
}

func scanSummaries(rows pgxRows) ([]model.MarketSummary, error) {
	var sums []model.MarketSummary
	for rows.Next() {
		var m model.MarketSummary
		var energyS, minS, avgS, maxS string

		if err := rows.Scan(&m.MarketID, &m.AreaID, &m.TimeSlot, &m.TradeCount,
			&energyS, &minS, &avgS, &maxS, &m.Readonly); err != nil {
			return nil, err
		}

		m.TradedEnergy, _ = decimal.NewFromString(energyS)
		m.MinRate, _ = decimal.NewFromString(minS)
		m.AvgRate, _ = decimal.NewFromString(avgS)
		m.MaxRate, _ = decimal.NewFromString(maxS)

		sums = append(sums, m)
	}
	return sums, rows.Err()
}
