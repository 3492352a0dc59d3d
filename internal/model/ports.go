package model

import (
	"context"
	"errors"
	"math/big"
	"time"
)

// ErrNotFound is returned by stores when a keyed lookup has no row.
var ErrNotFound = errors.New("not found")

// ── Storage Port Interfaces ──
// Business logic depends on these; internal/store/sqlite satisfies all of them.

// CandleStore is what the candle aggregator needs from persistence.
type CandleStore interface {
	// UpsertCandle writes the full snapshot, last write wins per key.
	UpsertCandle(ctx context.Context, c Candle) error

	// FindCandle returns the persisted candle for key. ErrNotFound if none.
	FindCandle(ctx context.Context, key CandleKey) (Candle, error)

	// LatestCandleBefore returns the most recent candle for token whose
	// bucket starts strictly before the given time. ErrNotFound if none.
	LatestCandleBefore(ctx context.Context, token string, before time.Time) (Candle, error)

	// InitialPrice returns the token's registered launch price (scaled).
	// ErrNotFound if the token or its price is unknown.
	InitialPrice(ctx context.Context, token string) (*big.Int, error)
}

// CandleReader serves candle history to the REST layer.
type CandleReader interface {
	ListCandles(ctx context.Context, token string, limit int) ([]Candle, error)
}

// UserStore resolves wallet identities.
type UserStore interface {
	FindUser(ctx context.Context, wallet string) (User, error)
	FindOrCreateUser(ctx context.Context, wallet string) (User, error)
}

// TokenStore persists launched tokens.
type TokenStore interface {
	FindToken(ctx context.Context, address string) (Token, error)
	UpsertToken(ctx context.Context, t Token) error
	// UpdateMarketCap sets the token's market cap. With upsert=false a
	// missing token yields ErrNotFound; with upsert=true a bare row is created.
	UpdateMarketCap(ctx context.Context, address, marketCap string, upsert bool) error
	MarkListed(ctx context.Context, address, pair string) error
	TokenView(ctx context.Context, address string) (TokenView, error)
}

// TradeStore persists trade records.
type TradeStore interface {
	CreateTrade(ctx context.Context, t TradeRecord) (TradeRecord, error)
	TradeView(ctx context.Context, id int64) (TradeView, error)
}

// EmperorStore persists leaderboard entries.
type EmperorStore interface {
	CreateEmperor(ctx context.Context, e Emperor) (Emperor, error)
}

// MigrationStore persists DEX migrations.
type MigrationStore interface {
	CreateMigration(ctx context.Context, m Migration) (Migration, error)
}

// CommentStore persists token comments.
type CommentStore interface {
	CreateComment(ctx context.Context, c Comment) (Comment, error)
	CommentView(ctx context.Context, id int64) (CommentView, error)
}
