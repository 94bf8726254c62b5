package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"tradecore/internal/models"
	"tradecore/pkg/id"
)

// SQLiteJournal implements Journal using SQLite.
type SQLiteJournal struct {
	db *sql.DB
}

// NewSQLiteJournal opens (or creates) the journal database at dbPath.
func NewSQLiteJournal(dbPath string) (*SQLiteJournal, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	j := &SQLiteJournal{db: db}
	if err := j.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return j, nil
}

// initSchema creates all required tables and indexes. Timestamps are stored
// as Unix nanoseconds so records round-trip exactly.
func (j *SQLiteJournal) initSchema() error {
	schema := `
	-- Closed position legs
	CREATE TABLE IF NOT EXISTS trades (
		id TEXT PRIMARY KEY,
		order_id TEXT NOT NULL,
		symbol TEXT NOT NULL,
		side TEXT NOT NULL,
		quantity REAL NOT NULL,
		entry_price REAL NOT NULL,
		exit_price REAL NOT NULL,
		pnl REAL NOT NULL,
		fee REAL NOT NULL DEFAULT 0,
		slippage REAL NOT NULL DEFAULT 0,
		strategy TEXT,
		fill_ratio REAL NOT NULL DEFAULT 1,
		time_to_fill INTEGER NOT NULL DEFAULT 0,
		opened_at INTEGER NOT NULL DEFAULT 0,
		closed_at INTEGER NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	-- Strategy opportunities and what happened to them
	CREATE TABLE IF NOT EXISTS opportunities (
		id TEXT PRIMARY KEY,
		timestamp INTEGER NOT NULL,
		symbol TEXT NOT NULL,
		side TEXT NOT NULL,
		expected_edge REAL NOT NULL,
		confidence REAL NOT NULL,
		strategy TEXT,
		admitted INTEGER NOT NULL DEFAULT 0,
		size REAL NOT NULL DEFAULT 0,
		order_id TEXT,
		reject_reason TEXT,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_trades_closed ON trades(closed_at);
	CREATE INDEX IF NOT EXISTS idx_trades_symbol ON trades(symbol, closed_at);
	CREATE INDEX IF NOT EXISTS idx_trades_strategy ON trades(strategy, closed_at);
	CREATE INDEX IF NOT EXISTS idx_opportunities_ts ON opportunities(timestamp);
	CREATE INDEX IF NOT EXISTS idx_opportunities_symbol ON opportunities(symbol, timestamp);
	`

	_, err := j.db.Exec(schema)
	return err
}

// Ping checks that the database is reachable.
func (j *SQLiteJournal) Ping(ctx context.Context) error {
	return j.db.PingContext(ctx)
}

// Close closes the database connection.
func (j *SQLiteJournal) Close() error {
	return j.db.Close()
}

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

// ============================================================================
// Trades
// ============================================================================

// LogTrade appends a trade record, assigning an ID when it has none.
func (j *SQLiteJournal) LogTrade(ctx context.Context, trade *models.TradeRecord) error {
	if trade.ID == "" {
		trade.ID = id.At(trade.ClosedAt)
	}

	_, err := j.db.ExecContext(ctx, `
		INSERT INTO trades (id, order_id, symbol, side, quantity, entry_price, exit_price, pnl, fee, slippage, strategy, fill_ratio, time_to_fill, opened_at, closed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, trade.ID, trade.OrderID, trade.Symbol, string(trade.Side), trade.Quantity, trade.EntryPrice, trade.ExitPrice, trade.PnL, trade.Fee, trade.Slippage, trade.StrategyTag, trade.FillRatio, trade.TimeToFill.Nanoseconds(), toNanos(trade.OpenedAt), toNanos(trade.ClosedAt))
	if err != nil {
		return fmt.Errorf("failed to log trade: %w", err)
	}
	return nil
}

const tradeColumns = "id, order_id, symbol, side, quantity, entry_price, exit_price, pnl, fee, slippage, strategy, fill_ratio, time_to_fill, opened_at, closed_at"

// GetTrades retrieves trades, newest first.
func (j *SQLiteJournal) GetTrades(ctx context.Context, filter TradeFilter) ([]models.TradeRecord, error) {
	query := "SELECT " + tradeColumns + " FROM trades WHERE 1=1"
	args := []interface{}{}

	if filter.Symbol != "" {
		query += " AND symbol = ?"
		args = append(args, filter.Symbol)
	}
	if filter.Strategy != "" {
		query += " AND strategy = ?"
		args = append(args, filter.Strategy)
	}
	if !filter.StartDate.IsZero() {
		query += " AND closed_at >= ?"
		args = append(args, filter.StartDate.UnixNano())
	}
	if !filter.EndDate.IsZero() {
		query += " AND closed_at <= ?"
		args = append(args, filter.EndDate.UnixNano())
	}
	if filter.LossesOnly {
		query += " AND pnl < 0"
	}

	query += " ORDER BY closed_at DESC, id DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	return j.queryTrades(ctx, query, args...)
}

// RecentTrades returns the last n trades, oldest first.
func (j *SQLiteJournal) RecentTrades(ctx context.Context, n int) ([]models.TradeRecord, error) {
	trades, err := j.GetTrades(ctx, TradeFilter{Limit: n})
	if err != nil {
		return nil, err
	}
	for l, r := 0, len(trades)-1; l < r; l, r = l+1, r-1 {
		trades[l], trades[r] = trades[r], trades[l]
	}
	return trades, nil
}

func (j *SQLiteJournal) queryTrades(ctx context.Context, query string, args ...interface{}) ([]models.TradeRecord, error) {
	rows, err := j.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query trades: %w", err)
	}
	defer rows.Close()

	var trades []models.TradeRecord
	for rows.Next() {
		var (
			t                       models.TradeRecord
			side                    string
			strategy                sql.NullString
			ttf, openedAt, closedAt int64
		)
		if err := rows.Scan(&t.ID, &t.OrderID, &t.Symbol, &side, &t.Quantity, &t.EntryPrice, &t.ExitPrice, &t.PnL, &t.Fee, &t.Slippage, &strategy, &t.FillRatio, &ttf, &openedAt, &closedAt); err != nil {
			return nil, fmt.Errorf("failed to scan trade: %w", err)
		}
		t.Side = models.OrderSide(side)
		t.StrategyTag = strategy.String
		t.TimeToFill = time.Duration(ttf)
		t.OpenedAt = fromNanos(openedAt)
		t.ClosedAt = fromNanos(closedAt)
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

// ============================================================================
// Opportunities
// ============================================================================

// LogOpportunity appends an opportunity record, assigning an ID when it has none.
func (j *SQLiteJournal) LogOpportunity(ctx context.Context, opp *models.OpportunityRecord) error {
	if opp.ID == "" {
		opp.ID = id.At(opp.Timestamp)
	}
	admitted := 0
	if opp.Admitted {
		admitted = 1
	}

	_, err := j.db.ExecContext(ctx, `
		INSERT INTO opportunities (id, timestamp, symbol, side, expected_edge, confidence, strategy, admitted, size, order_id, reject_reason)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, opp.ID, toNanos(opp.Timestamp), opp.Symbol, string(opp.Side), opp.ExpectedEdge, opp.Confidence, opp.StrategyTag, admitted, opp.Size, opp.OrderID, opp.RejectReason)
	if err != nil {
		return fmt.Errorf("failed to log opportunity: %w", err)
	}
	return nil
}

// GetOpportunities retrieves opportunity records, newest first.
func (j *SQLiteJournal) GetOpportunities(ctx context.Context, filter OpportunityFilter) ([]models.OpportunityRecord, error) {
	query := "SELECT id, timestamp, symbol, side, expected_edge, confidence, strategy, admitted, size, order_id, reject_reason FROM opportunities WHERE 1=1"
	args := []interface{}{}

	if filter.Symbol != "" {
		query += " AND symbol = ?"
		args = append(args, filter.Symbol)
	}
	if filter.Strategy != "" {
		query += " AND strategy = ?"
		args = append(args, filter.Strategy)
	}
	if filter.Admitted != nil {
		admitted := 0
		if *filter.Admitted {
			admitted = 1
		}
		query += " AND admitted = ?"
		args = append(args, admitted)
	}
	if !filter.StartDate.IsZero() {
		query += " AND timestamp >= ?"
		args = append(args, filter.StartDate.UnixNano())
	}
	if !filter.EndDate.IsZero() {
		query += " AND timestamp <= ?"
		args = append(args, filter.EndDate.UnixNano())
	}

	query += " ORDER BY timestamp DESC, id DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := j.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query opportunities: %w", err)
	}
	defer rows.Close()

	var opps []models.OpportunityRecord
	for rows.Next() {
		var (
			o                         models.OpportunityRecord
			side                      string
			ts                        int64
			admitted                  int
			strategy, orderID, reason sql.NullString
		)
		if err := rows.Scan(&o.ID, &ts, &o.Symbol, &side, &o.ExpectedEdge, &o.Confidence, &strategy, &admitted, &o.Size, &orderID, &reason); err != nil {
			return nil, fmt.Errorf("failed to scan opportunity: %w", err)
		}
		o.Timestamp = fromNanos(ts)
		o.Side = models.OrderSide(side)
		o.StrategyTag = strategy.String
		o.Admitted = admitted == 1
		o.OrderID = orderID.String
		o.RejectReason = reason.String
		opps = append(opps, o)
	}
	return opps, rows.Err()
}
