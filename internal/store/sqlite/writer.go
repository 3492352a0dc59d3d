package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/taraxa-fun/taraxa-fun-server/internal/fixedpoint"
	"github.com/taraxa-fun/taraxa-fun-server/internal/model"

	_ "github.com/mattn/go-sqlite3"
)

// Config configures the SQLite store.
type Config struct {
	DBPath string // path to SQLite database file, e.g. "data/feed.db"
}

// Store is the durable store for candles and the domain entities written by
// the feeds. Large integers are stored as base-10 TEXT; times as unix ms.
type Store struct {
	db  *sql.DB
	now func() time.Time
	log *slog.Logger
}

// DB returns the underlying sql.DB for health checks.
func (s *Store) DB() *sql.DB { return s.db }

// New opens the database with WAL mode and creates the schema.
func New(cfg Config, log *slog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite3", cfg.DBPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}

	// Single writer; WAL still lets readers proceed.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := createSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}

	if log == nil {
		log = slog.Default()
	}
	log = log.With(slog.String("component", "sqlite"))
	log.Info("opened database", slog.String("path", cfg.DBPath))
	return &Store{db: db, now: time.Now, log: log}, nil
}

func createSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS users (
			wallet     TEXT    PRIMARY KEY,
			username   TEXT    NOT NULL DEFAULT '',
			avatar     TEXT    NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS tokens (
			address       TEXT    PRIMARY KEY,
			name          TEXT    NOT NULL DEFAULT '',
			symbol        TEXT    NOT NULL DEFAULT '',
			image         TEXT    NOT NULL DEFAULT '',
			description   TEXT    NOT NULL DEFAULT '',
			supply        TEXT    NOT NULL DEFAULT '0',
			marketcap     TEXT    NOT NULL DEFAULT '0',
			initial_price TEXT    NOT NULL DEFAULT '',
			user_wallet   TEXT    NOT NULL DEFAULT '',
			replies_count INTEGER NOT NULL DEFAULT 0,
			listed        INTEGER NOT NULL DEFAULT 0,
			pair_address  TEXT    NOT NULL DEFAULT '',
			created_at    INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS trades (
			id            INTEGER PRIMARY KEY AUTOINCREMENT,
			type          TEXT    NOT NULL,
			in_amount     TEXT    NOT NULL,
			out_amount    TEXT    NOT NULL,
			trade_index   TEXT    NOT NULL DEFAULT '',
			hash          TEXT    NOT NULL,
			user_wallet   TEXT    NOT NULL,
			token_address TEXT    NOT NULL,
			created_at    INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_trades_token ON trades (token_address, created_at);

		CREATE TABLE IF NOT EXISTS candles_1m (
			token_address TEXT    NOT NULL,
			ts            INTEGER NOT NULL,
			open          TEXT    NOT NULL,
			high          TEXT    NOT NULL,
			low           TEXT    NOT NULL,
			close         TEXT    NOT NULL,
			volume        TEXT    NOT NULL,
			buy_volume    TEXT    NOT NULL,
			sell_volume   TEXT    NOT NULL,
			trades        INTEGER NOT NULL,
			buy_trades    INTEGER NOT NULL,
			sell_trades   INTEGER NOT NULL,
			last_update   INTEGER NOT NULL,
			last_price    TEXT    NOT NULL,
			PRIMARY KEY (token_address, ts)
		);

		CREATE TABLE IF NOT EXISTS pump_emperors (
			id            INTEGER PRIMARY KEY AUTOINCREMENT,
			token_address TEXT    NOT NULL,
			total_volume  TEXT    NOT NULL,
			created_at    INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS migrations (
			id            INTEGER PRIMARY KEY AUTOINCREMENT,
			token_address TEXT    NOT NULL,
			pair_address  TEXT    NOT NULL,
			hash          TEXT    NOT NULL,
			created_at    INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS comments (
			id            INTEGER PRIMARY KEY AUTOINCREMENT,
			content       TEXT    NOT NULL,
			likes         INTEGER NOT NULL DEFAULT 0,
			user_wallet   TEXT    NOT NULL,
			token_address TEXT    NOT NULL,
			created_at    INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_comments_token ON comments (token_address, created_at);
	`)
	return err
}

// UpsertCandle writes the full candle snapshot; last write wins per key.
func (s *Store) UpsertCandle(ctx context.Context, c model.Candle) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO candles_1m (
			token_address, ts, open, high, low, close, volume, buy_volume, sell_volume,
			trades, buy_trades, sell_trades, last_update, last_price
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		c.Token, c.StartTime.UnixMilli(),
		fixedpoint.String(c.Open), fixedpoint.String(c.High), fixedpoint.String(c.Low), fixedpoint.String(c.Close),
		fixedpoint.String(c.Volume), fixedpoint.String(c.BuyVolume), fixedpoint.String(c.SellVolume),
		c.Trades, c.BuyTrades, c.SellTrades, c.LastUpdate.UnixMilli(), fixedpoint.String(c.LastPrice),
	)
	if err != nil {
		return fmt.Errorf("sqlite upsert candle: %w", err)
	}
	return nil
}

// FindOrCreateUser returns the user for wallet, creating a bare record if
// it does not exist yet.
func (s *Store) FindOrCreateUser(ctx context.Context, wallet string) (model.User, error) {
	if _, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO users (wallet, created_at) VALUES (?, ?)`,
		wallet, s.now().UnixMilli(),
	); err != nil {
		return model.User{}, fmt.Errorf("sqlite create user: %w", err)
	}
	return s.FindUser(ctx, wallet)
}

// UpsertToken inserts or refreshes a token's launch data. Reply count,
// listing state and image survive an update.
func (s *Store) UpsertToken(ctx context.Context, t model.Token) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tokens (address, name, symbol, description, supply, marketcap, initial_price, user_wallet, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(address) DO UPDATE SET
			name          = excluded.name,
			symbol        = excluded.symbol,
			description   = excluded.description,
			supply        = excluded.supply,
			marketcap     = excluded.marketcap,
			initial_price = excluded.initial_price,
			user_wallet   = excluded.user_wallet
	`, t.Address, t.Name, t.Symbol, t.Description, t.Supply, t.MarketCap, t.InitialPrice, t.UserWallet, s.now().UnixMilli())
	if err != nil {
		return fmt.Errorf("sqlite upsert token: %w", err)
	}
	return nil
}

// UpdateMarketCap sets a token's market cap. Without upsert a missing token
// is reported as model.ErrNotFound.
func (s *Store) UpdateMarketCap(ctx context.Context, address, marketCap string, upsert bool) error {
	if upsert {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO tokens (address, marketcap, created_at) VALUES (?, ?, ?)
			ON CONFLICT(address) DO UPDATE SET marketcap = excluded.marketcap
		`, address, marketCap, s.now().UnixMilli())
		if err != nil {
			return fmt.Errorf("sqlite upsert marketcap: %w", err)
		}
		return nil
	}
	return s.updateOne(ctx, `UPDATE tokens SET marketcap = ? WHERE address = ?`, marketCap, address)
}

// MarkListed flags a token as migrated to a DEX pair.
func (s *Store) MarkListed(ctx context.Context, address, pair string) error {
	return s.updateOne(ctx, `UPDATE tokens SET listed = 1, pair_address = ? WHERE address = ?`, pair, address)
}

func (s *Store) updateOne(ctx context.Context, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("sqlite update token: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite rows affected: %w", err)
	}
	if n == 0 {
		return model.ErrNotFound
	}
	return nil
}

// CreateTrade inserts a trade record and returns it with its id.
func (s *Store) CreateTrade(ctx context.Context, t model.TradeRecord) (model.TradeRecord, error) {
	t.CreatedAt = s.now().UTC()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO trades (type, in_amount, out_amount, trade_index, hash, user_wallet, token_address, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, string(t.Type), t.InAmount, t.OutAmount, t.Index, t.Hash, t.UserWallet, t.TokenAddress, t.CreatedAt.UnixMilli())
	if err != nil {
		return model.TradeRecord{}, fmt.Errorf("sqlite insert trade: %w", err)
	}
	t.ID, err = res.LastInsertId()
	return t, err
}

// CreateEmperor records a leaderboard event.
func (s *Store) CreateEmperor(ctx context.Context, e model.Emperor) (model.Emperor, error) {
	e.CreatedAt = s.now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO pump_emperors (token_address, total_volume, created_at) VALUES (?, ?, ?)`,
		e.TokenAddress, e.TotalVolume, e.CreatedAt.UnixMilli())
	if err != nil {
		return model.Emperor{}, fmt.Errorf("sqlite insert emperor: %w", err)
	}
	e.ID, err = res.LastInsertId()
	return e, err
}

// CreateMigration records a DEX migration.
func (s *Store) CreateMigration(ctx context.Context, m model.Migration) (model.Migration, error) {
	m.CreatedAt = s.now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO migrations (token_address, pair_address, hash, created_at) VALUES (?, ?, ?, ?)`,
		m.TokenAddress, m.PairAddress, m.TxHash, m.CreatedAt.UnixMilli())
	if err != nil {
		return model.Migration{}, fmt.Errorf("sqlite insert migration: %w", err)
	}
	m.ID, err = res.LastInsertId()
	return m, err
}

// CreateComment stores a comment and bumps the token's reply counter in the
// same transaction.
func (s *Store) CreateComment(ctx context.Context, c model.Comment) (model.Comment, error) {
	c.CreatedAt = s.now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.Comment{}, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO comments (content, likes, user_wallet, token_address, created_at) VALUES (?, 0, ?, ?, ?)`,
		c.Content, c.UserWallet, c.TokenAddress, c.CreatedAt.UnixMilli())
	if err != nil {
		return model.Comment{}, fmt.Errorf("sqlite insert comment: %w", err)
	}
	if c.ID, err = res.LastInsertId(); err != nil {
		return model.Comment{}, err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE tokens SET replies_count = replies_count + 1 WHERE address = ?`, c.TokenAddress); err != nil {
		return model.Comment{}, fmt.Errorf("sqlite bump replies: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return model.Comment{}, err
	}
	return c, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return model.ErrNotFound
	}
	return err
}
