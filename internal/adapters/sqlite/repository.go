// Package sqlite implements the engine's persistence ports on SQLite:
// aggregate positions with their legs, realized trade outcomes, and the
// drawdown guard's high-water-mark checkpoint.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"marginBot/internal/domain"
	"marginBot/internal/ports"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// Repository implements ports.PositionRepository, ports.OutcomeRepository
// and ports.EquityRepository using SQLite.
type Repository struct {
	db     *sql.DB
	logger ports.Logger
}

// Config holds configuration for the SQLite repository.
type Config struct {
	DBPath string
	Logger ports.Logger
}

// NewRepository opens (or creates) the database and verifies the schema.
func NewRepository(cfg Config) (*Repository, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for SQLite repository")
	}
	dbPath := cfg.DBPath
	if dbPath == "" {
		dbPath = "./data/margin_bot.db"
	}

	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		err = fmt.Errorf("failed to create data directory '%s': %w", filepath.Dir(dbPath), err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}

	// WAL mode for better concurrency between the cycle loop and shutdown.
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		err = fmt.Errorf("failed to open database at '%s': %w", dbPath, err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}
	if err := db.Ping(); err != nil {
		db.Close()
		err = fmt.Errorf("failed to ping database at '%s': %w", dbPath, err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	repo := &Repository{db: db, logger: cfg.Logger}
	if err := repo.initializeSchema(context.Background()); err != nil {
		db.Close()
		err = fmt.Errorf("failed to initialize database schema: %w", err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}

	cfg.Logger.Info(context.Background(), "SQLite database ready", map[string]interface{}{"path": dbPath})
	return repo, nil
}

func (r *Repository) initializeSchema(ctx context.Context) error {
	const schema = `
	CREATE TABLE IF NOT EXISTS positions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		symbol TEXT NOT NULL,
		side TEXT NOT NULL,
		tp_order_id TEXT NOT NULL DEFAULT '',
		sl_order_id TEXT NOT NULL DEFAULT '',
		opened_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS position_legs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		position_id INTEGER NOT NULL,
		entry_price REAL NOT NULL,
		size REAL NOT NULL,
		entry_time TIMESTAMP NOT NULL,
		adjusted_confidence REAL NOT NULL,
		strategy TEXT NOT NULL DEFAULT '',
		regime TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS trade_outcomes (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		symbol TEXT NOT NULL,
		strategy TEXT NOT NULL DEFAULT '',
		pnl REAL NOT NULL,
		entry_price REAL NOT NULL,
		exit_price REAL NOT NULL,
		size REAL NOT NULL,
		close_reason TEXT NOT NULL,
		closed_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS equity_marks (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		high_water_mark REAL NOT NULL,
		observed_at TIMESTAMP NOT NULL
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_positions_symbol ON positions (symbol);
	CREATE INDEX IF NOT EXISTS idx_position_legs_position ON position_legs (position_id);
	CREATE INDEX IF NOT EXISTS idx_trade_outcomes_symbol_closed ON trade_outcomes (symbol, closed_at);
	`
	if _, err := r.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to execute schema initialization: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (r *Repository) Close() error {
	if r.db != nil {
		r.logger.Info(context.Background(), "Closing SQLite database connection")
		return r.db.Close()
	}
	return nil
}

// --- PositionRepository ---

// Save persists the aggregate and fully replaces its legs, transactionally.
// Assigns pos.ID on first save.
func (r *Repository) Save(ctx context.Context, pos *domain.Position) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: failed to begin transaction: %v", ports.ErrDBConnection, err)
	}
	defer tx.Rollback()

	if pos.ID == 0 {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO positions (symbol, side, tp_order_id, sl_order_id, opened_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			pos.Symbol, string(pos.Side), pos.TakeProfitOrderID, pos.StopLossOrderID, pos.OpenedAt, pos.UpdatedAt)
		if err != nil {
			return fmt.Errorf("%w: failed to insert position for %s: %v", ports.ErrUpdateFailed, pos.Symbol, err)
		}
		pos.ID, err = res.LastInsertId()
		if err != nil {
			return fmt.Errorf("%w: failed to read new position ID: %v", ports.ErrUpdateFailed, err)
		}
	} else {
		_, err := tx.ExecContext(ctx,
			`UPDATE positions SET side = ?, tp_order_id = ?, sl_order_id = ?, updated_at = ? WHERE id = ?`,
			string(pos.Side), pos.TakeProfitOrderID, pos.StopLossOrderID, pos.UpdatedAt, pos.ID)
		if err != nil {
			return fmt.Errorf("%w: failed to update position %d: %v", ports.ErrUpdateFailed, pos.ID, err)
		}
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM position_legs WHERE position_id = ?`, pos.ID); err != nil {
		return fmt.Errorf("%w: failed to clear legs for position %d: %v", ports.ErrUpdateFailed, pos.ID, err)
	}
	for _, leg := range pos.Legs {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO position_legs (position_id, entry_price, size, entry_time, adjusted_confidence, strategy, regime)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			pos.ID, leg.EntryPrice, leg.Size, leg.EntryTime, leg.AdjustedConfidence, leg.Strategy, leg.Regime)
		if err != nil {
			return fmt.Errorf("%w: failed to insert leg for position %d: %v", ports.ErrUpdateFailed, pos.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: failed to commit position save: %v", ports.ErrUpdateFailed, err)
	}
	return nil
}

// FindOpenBySymbol rebuilds the aggregate from its stored legs, so the
// running sums are recomputed rather than trusted from disk.
func (r *Repository) FindOpenBySymbol(ctx context.Context, symbol string) (*domain.Position, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT id, side, tp_order_id, sl_order_id, opened_at, updated_at FROM positions WHERE symbol = ?`, symbol)

	var (
		id         int64
		side       string
		tpID, slID string
		openedAt   time.Time
		updatedAt  time.Time
	)
	if err := row.Scan(&id, &side, &tpID, &slID, &openedAt, &updatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: failed to query position for %s: %v", ports.ErrQueryFailed, symbol, err)
	}

	pos := domain.NewPosition(symbol, domain.PositionSide(side))
	pos.ID = id

	rows, err := r.db.QueryContext(ctx,
		`SELECT entry_price, size, entry_time, adjusted_confidence, strategy, regime
		 FROM position_legs WHERE position_id = ? ORDER BY id`, id)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to query legs for position %d: %v", ports.ErrQueryFailed, id, err)
	}
	defer rows.Close()

	for rows.Next() {
		var leg domain.PositionLeg
		if err := rows.Scan(&leg.EntryPrice, &leg.Size, &leg.EntryTime, &leg.AdjustedConfidence, &leg.Strategy, &leg.Regime); err != nil {
			return nil, fmt.Errorf("%w: failed to scan leg for position %d: %v", ports.ErrQueryFailed, id, err)
		}
		if err := pos.AddLeg(leg); err != nil {
			return nil, fmt.Errorf("persisted leg for position %d is invalid: %w", id, err)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: leg iteration failed for position %d: %v", ports.ErrQueryFailed, id, err)
	}

	pos.TakeProfitOrderID = tpID
	pos.StopLossOrderID = slID
	pos.OpenedAt = openedAt
	pos.UpdatedAt = updatedAt
	return pos, nil
}

// Delete removes a fully-closed aggregate and its legs.
func (r *Repository) Delete(ctx context.Context, id int64) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: failed to begin transaction: %v", ports.ErrDBConnection, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM position_legs WHERE position_id = ?`, id); err != nil {
		return fmt.Errorf("%w: failed to delete legs for position %d: %v", ports.ErrUpdateFailed, id, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM positions WHERE id = ?`, id); err != nil {
		return fmt.Errorf("%w: failed to delete position %d: %v", ports.ErrUpdateFailed, id, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: failed to commit position delete: %v", ports.ErrUpdateFailed, err)
	}
	return nil
}

// --- OutcomeRepository ---

// Record saves a realized outcome and returns its assigned ID.
func (r *Repository) Record(ctx context.Context, outcome *domain.TradeOutcome) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`INSERT INTO trade_outcomes (symbol, strategy, pnl, entry_price, exit_price, size, close_reason, closed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		outcome.Symbol, outcome.Strategy, outcome.PNL, outcome.EntryPrice, outcome.ExitPrice,
		outcome.Size, string(outcome.CloseReason), outcome.ClosedAt)
	if err != nil {
		return 0, fmt.Errorf("%w: failed to insert outcome for %s: %v", ports.ErrUpdateFailed, outcome.Symbol, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("%w: failed to read new outcome ID: %v", ports.ErrUpdateFailed, err)
	}
	outcome.ID = id
	return id, nil
}

// FindSince retrieves outcomes closed at or after the given reference time,
// oldest first.
func (r *Repository) FindSince(ctx context.Context, symbol string, since time.Time) ([]*domain.TradeOutcome, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, symbol, strategy, pnl, entry_price, exit_price, size, close_reason, closed_at
		 FROM trade_outcomes WHERE symbol = ? AND closed_at >= ? ORDER BY closed_at`, symbol, since)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to query outcomes for %s: %v", ports.ErrQueryFailed, symbol, err)
	}
	defer rows.Close()

	var outcomes []*domain.TradeOutcome
	for rows.Next() {
		var o domain.TradeOutcome
		var reason string
		if err := rows.Scan(&o.ID, &o.Symbol, &o.Strategy, &o.PNL, &o.EntryPrice, &o.ExitPrice, &o.Size, &reason, &o.ClosedAt); err != nil {
			return nil, fmt.Errorf("%w: failed to scan outcome: %v", ports.ErrQueryFailed, err)
		}
		o.CloseReason = domain.CloseReason(reason)
		outcomes = append(outcomes, &o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: outcome iteration failed: %v", ports.ErrQueryFailed, err)
	}
	return outcomes, nil
}

// --- EquityRepository ---

// SaveHighWaterMark upserts the single equity peak row.
func (r *Repository) SaveHighWaterMark(ctx context.Context, equity float64, at time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO equity_marks (id, high_water_mark, observed_at) VALUES (1, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET high_water_mark = excluded.high_water_mark, observed_at = excluded.observed_at`,
		equity, at)
	if err != nil {
		return fmt.Errorf("%w: failed to save high-water-mark: %v", ports.ErrUpdateFailed, err)
	}
	return nil
}

// LoadHighWaterMark returns the persisted peak, or 0 when none exists yet.
func (r *Repository) LoadHighWaterMark(ctx context.Context) (float64, error) {
	var hwm float64
	err := r.db.QueryRowContext(ctx, `SELECT high_water_mark FROM equity_marks WHERE id = 1`).Scan(&hwm)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("%w: failed to load high-water-mark: %v", ports.ErrQueryFailed, err)
	}
	return hwm, nil
}
