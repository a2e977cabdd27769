// Package store implements core.Persistence: a SQLite-backed store for
// production and an in-memory store for tests.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"botctl/internal/core"

	"github.com/shopspring/decimal"

	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS bots (
	id INTEGER PRIMARY KEY,
	name TEXT NOT NULL,
	pair TEXT NOT NULL,
	status TEXT NOT NULL,
	signal_json TEXT NOT NULL,
	envelope_json TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS trade_records (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	bot_id INTEGER NOT NULL,
	pair TEXT NOT NULL,
	side TEXT NOT NULL,
	submitted_notional_usd TEXT NOT NULL,
	submitted_at INTEGER NOT NULL,
	exchange_order_id TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	filled_at INTEGER NOT NULL DEFAULT 0,
	origin_score REAL NOT NULL DEFAULT 0,
	failure_reason TEXT NOT NULL DEFAULT '',
	stuck TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_trade_records_bot_id ON trade_records(bot_id);
CREATE INDEX IF NOT EXISTS idx_trade_records_status ON trade_records(status);

CREATE TABLE IF NOT EXISTS fills (
	fill_id TEXT PRIMARY KEY,
	exchange_order_id TEXT NOT NULL,
	pair TEXT NOT NULL,
	side TEXT NOT NULL,
	base_qty TEXT NOT NULL,
	quote_value_usd TEXT NOT NULL,
	price TEXT NOT NULL,
	commission_usd TEXT NOT NULL,
	executed_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_fills_pair ON fills(pair);
`

// SQLiteStore implements core.Persistence on a local SQLite file in WAL
// mode, the same durability tradeoff the teacher's state store makes.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (and migrates) the database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func marshalSignal(sig core.SignalConfig) string {
	var b strings.Builder
	for i, ind := range sig.Indicators {
		if i > 0 {
			b.WriteString(";")
		}
		fmt.Fprintf(&b, "%s,%g,%d,%g,%g,%d,%d,%d,%d,%d",
			ind.Name, ind.Weight, ind.RSIPeriod, ind.RSIBuyThresh, ind.RSISellThresh,
			ind.MAFastPeriod, ind.MASlowPeriod, ind.MACDFast, ind.MACDSlow, ind.MACDSignal)
	}
	return b.String()
}

func unmarshalSignal(raw string) core.SignalConfig {
	if raw == "" {
		return core.SignalConfig{}
	}
	var sig core.SignalConfig
	for _, part := range strings.Split(raw, ";") {
		var ind core.IndicatorConfig
		name, rest, _ := strings.Cut(part, ",")
		ind.Name = name
		fmt.Sscanf(rest, "%g,%d,%g,%g,%d,%d,%d,%d,%d",
			&ind.Weight, &ind.RSIPeriod, &ind.RSIBuyThresh, &ind.RSISellThresh,
			&ind.MAFastPeriod, &ind.MASlowPeriod, &ind.MACDFast, &ind.MACDSlow, &ind.MACDSignal)
		sig.Indicators = append(sig.Indicators, ind)
	}
	return sig
}

func marshalEnvelope(e core.TradeEnvelope) string {
	return fmt.Sprintf("%s,%d,%d,%t,%s,%g,%g",
		e.PositionSizeUSD.String(), e.ConfirmationMinutes, e.CooldownMinutes,
		e.SkipSignalsOnLowBal, e.MinPriceStepPct.String(), e.BuyThreshold, e.SellThreshold)
}

func unmarshalEnvelope(raw string) core.TradeEnvelope {
	parts := strings.SplitN(raw, ",", 7)
	if len(parts) != 7 {
		return core.TradeEnvelope{}
	}
	pos, _ := decimal.NewFromString(parts[0])
	var confirm, cooldown int
	fmt.Sscanf(parts[1], "%d", &confirm)
	fmt.Sscanf(parts[2], "%d", &cooldown)
	skip := parts[3] == "true"
	step, _ := decimal.NewFromString(parts[4])
	var buyThresh, sellThresh float64
	fmt.Sscanf(parts[5], "%g", &buyThresh)
	fmt.Sscanf(parts[6], "%g", &sellThresh)

	return core.TradeEnvelope{
		PositionSizeUSD:     pos,
		ConfirmationMinutes: confirm,
		CooldownMinutes:     cooldown,
		SkipSignalsOnLowBal: skip,
		MinPriceStepPct:     step,
		BuyThreshold:        buyThresh,
		SellThreshold:       sellThresh,
	}
}

// CreateBot implements core.Persistence.
func (s *SQLiteStore) CreateBot(ctx context.Context, bot core.Bot) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO bots (id, name, pair, status, signal_json, envelope_json) VALUES (?, ?, ?, ?, ?, ?)`,
		bot.ID, bot.Name, bot.Pair, string(bot.Status), marshalSignal(bot.Signal), marshalEnvelope(bot.Envelope))
	if err != nil {
		return 0, fmt.Errorf("insert bot: %w", err)
	}
	if bot.ID != 0 {
		return bot.ID, nil
	}
	return res.LastInsertId()
}

// GetBot implements core.Persistence.
func (s *SQLiteStore) GetBot(ctx context.Context, id int64) (core.Bot, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, pair, status, signal_json, envelope_json FROM bots WHERE id = ?`, id)

	var bot core.Bot
	var status, sig, env string
	if err := row.Scan(&bot.ID, &bot.Name, &bot.Pair, &status, &sig, &env); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return core.Bot{}, fmt.Errorf("bot %d: %w", id, sql.ErrNoRows)
		}
		return core.Bot{}, fmt.Errorf("get bot: %w", err)
	}
	bot.Status = core.BotStatus(status)
	bot.Signal = unmarshalSignal(sig)
	bot.Envelope = unmarshalEnvelope(env)
	return bot, nil
}

// ListBots implements core.Persistence.
func (s *SQLiteStore) ListBots(ctx context.Context) ([]core.Bot, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, pair, status, signal_json, envelope_json FROM bots ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list bots: %w", err)
	}
	defer rows.Close()

	var bots []core.Bot
	for rows.Next() {
		var bot core.Bot
		var status, sig, env string
		if err := rows.Scan(&bot.ID, &bot.Name, &bot.Pair, &status, &sig, &env); err != nil {
			return nil, fmt.Errorf("scan bot: %w", err)
		}
		bot.Status = core.BotStatus(status)
		bot.Signal = unmarshalSignal(sig)
		bot.Envelope = unmarshalEnvelope(env)
		bots = append(bots, bot)
	}
	return bots, rows.Err()
}

// UpdateBotStatus implements core.Persistence.
func (s *SQLiteStore) UpdateBotStatus(ctx context.Context, id int64, status core.BotStatus) error {
	_, err := s.db.ExecContext(ctx, `UPDATE bots SET status = ? WHERE id = ?`, string(status), id)
	if err != nil {
		return fmt.Errorf("update bot status: %w", err)
	}
	return nil
}

// UpdateBotConfig implements core.Persistence.
func (s *SQLiteStore) UpdateBotConfig(ctx context.Context, id int64, signal core.SignalConfig, envelope core.TradeEnvelope) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE bots SET signal_json = ?, envelope_json = ? WHERE id = ?`,
		marshalSignal(signal), marshalEnvelope(envelope), id)
	if err != nil {
		return fmt.Errorf("update bot config: %w", err)
	}
	return nil
}

// CreateTradeRecord implements core.Persistence.
func (s *SQLiteStore) CreateTradeRecord(ctx context.Context, rec core.TradeRecord) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO trade_records (bot_id, pair, side, submitted_notional_usd, submitted_at, exchange_order_id, status, origin_score, failure_reason)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.BotID, rec.Pair, string(rec.Side), rec.SubmittedNotionalUSD.String(), rec.SubmittedAt.UnixNano(),
		rec.ExchangeOrderID, string(rec.Status), rec.OriginScore, rec.FailureReason)
	if err != nil {
		return 0, fmt.Errorf("insert trade record: %w", err)
	}
	return res.LastInsertId()
}

// TransitionTradeRecord implements core.Persistence with a compare-and-swap
// on the status column so a stale in-process view can't overwrite a
// reconciler's update out from under it.
func (s *SQLiteStore) TransitionTradeRecord(ctx context.Context, id int64, from, to core.TradeStatus, filledAt int64, reason string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE trade_records SET status = ?, filled_at = ?, failure_reason = ? WHERE id = ? AND status = ?`,
		string(to), filledAt, reason, id, string(from))
	if err != nil {
		return false, fmt.Errorf("transition trade record: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("transition trade record: %w", err)
	}
	return n == 1, nil
}

// GetTradeRecord implements core.Persistence.
func (s *SQLiteStore) GetTradeRecord(ctx context.Context, id int64) (core.TradeRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, bot_id, pair, side, submitted_notional_usd, submitted_at, exchange_order_id, status, filled_at, origin_score, failure_reason, stuck
		 FROM trade_records WHERE id = ?`, id)
	return scanTradeRecord(row)
}

// ListTradeRecordsByBot implements core.Persistence.
func (s *SQLiteStore) ListTradeRecordsByBot(ctx context.Context, botID int64) ([]core.TradeRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, bot_id, pair, side, submitted_notional_usd, submitted_at, exchange_order_id, status, filled_at, origin_score, failure_reason, stuck
		 FROM trade_records WHERE bot_id = ? ORDER BY submitted_at DESC`, botID)
	if err != nil {
		return nil, fmt.Errorf("list trade records by bot: %w", err)
	}
	defer rows.Close()
	return scanTradeRecords(rows)
}

// ListTradeRecordsByStatus implements core.Persistence.
func (s *SQLiteStore) ListTradeRecordsByStatus(ctx context.Context, status core.TradeStatus) ([]core.TradeRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, bot_id, pair, side, submitted_notional_usd, submitted_at, exchange_order_id, status, filled_at, origin_score, failure_reason, stuck
		 FROM trade_records WHERE status = ? ORDER BY submitted_at ASC`, string(status))
	if err != nil {
		return nil, fmt.Errorf("list trade records by status: %w", err)
	}
	defer rows.Close()
	return scanTradeRecords(rows)
}

// SetTradeRecordStuck implements core.Persistence.
func (s *SQLiteStore) SetTradeRecordStuck(ctx context.Context, id int64, level core.StuckLevel) error {
	_, err := s.db.ExecContext(ctx, `UPDATE trade_records SET stuck = ? WHERE id = ?`, string(level), id)
	if err != nil {
		return fmt.Errorf("set trade record stuck: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTradeRecord(row rowScanner) (core.TradeRecord, error) {
	var rec core.TradeRecord
	var side, notional, status, stuck string
	var submittedAt, filledAt int64

	err := row.Scan(&rec.ID, &rec.BotID, &rec.Pair, &side, &notional, &submittedAt,
		&rec.ExchangeOrderID, &status, &filledAt, &rec.OriginScore, &rec.FailureReason, &stuck)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return core.TradeRecord{}, fmt.Errorf("trade record: %w", sql.ErrNoRows)
		}
		return core.TradeRecord{}, fmt.Errorf("scan trade record: %w", err)
	}

	rec.Side = core.Side(side)
	rec.SubmittedNotionalUSD, _ = decimal.NewFromString(notional)
	rec.SubmittedAt = time.Unix(0, submittedAt).UTC()
	rec.Status = core.TradeStatus(status)
	rec.Stuck = core.StuckLevel(stuck)
	if filledAt != 0 {
		rec.FilledAt = time.Unix(0, filledAt).UTC()
	}
	return rec, nil
}

func scanTradeRecords(rows *sql.Rows) ([]core.TradeRecord, error) {
	var out []core.TradeRecord
	for rows.Next() {
		rec, err := scanTradeRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// UpsertFill implements core.Persistence. Returns false if the fill id
// already existed (exchange redelivered a fill we already recorded).
func (s *SQLiteStore) UpsertFill(ctx context.Context, fill core.Fill) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO fills (fill_id, exchange_order_id, pair, side, base_qty, quote_value_usd, price, commission_usd, executed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		fill.FillID, fill.ExchangeOrderID, fill.Pair, string(fill.Side),
		fill.BaseQty.String(), fill.QuoteValueUSD.String(), fill.Price.String(), fill.CommissionUSD.String(),
		fill.ExecutedAt.UnixNano())
	if err != nil {
		return false, fmt.Errorf("upsert fill: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("upsert fill: %w", err)
	}
	return n == 1, nil
}

// ListFillsByPair implements core.Persistence.
func (s *SQLiteStore) ListFillsByPair(ctx context.Context, pair string) ([]core.Fill, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT fill_id, exchange_order_id, pair, side, base_qty, quote_value_usd, price, commission_usd, executed_at
		 FROM fills WHERE pair = ? ORDER BY executed_at ASC, fill_id ASC`, pair)
	if err != nil {
		return nil, fmt.Errorf("list fills by pair: %w", err)
	}
	defer rows.Close()

	var fills []core.Fill
	for rows.Next() {
		var f core.Fill
		var side, baseQty, quoteValue, price, commission string
		var executedAt int64
		if err := rows.Scan(&f.FillID, &f.ExchangeOrderID, &f.Pair, &side, &baseQty, &quoteValue, &price, &commission, &executedAt); err != nil {
			return nil, fmt.Errorf("scan fill: %w", err)
		}
		f.Side = core.Side(side)
		f.BaseQty, _ = decimal.NewFromString(baseQty)
		f.QuoteValueUSD, _ = decimal.NewFromString(quoteValue)
		f.Price, _ = decimal.NewFromString(price)
		f.CommissionUSD, _ = decimal.NewFromString(commission)
		f.ExecutedAt = time.Unix(0, executedAt).UTC()
		fills = append(fills, f)
	}
	return fills, rows.Err()
}

var _ core.Persistence = (*SQLiteStore)(nil)
