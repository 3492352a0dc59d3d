package sqlite

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/taraxa-fun/taraxa-fun-server/internal/fixedpoint"
	"github.com/taraxa-fun/taraxa-fun-server/internal/model"
)

const candleColumns = `token_address, ts, open, high, low, close, volume, buy_volume, sell_volume,
	trades, buy_trades, sell_trades, last_update, last_price`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCandle(r rowScanner) (model.Candle, error) {
	var (
		c                                  model.Candle
		ts, lastUpdate                     int64
		open, high, low, cls               string
		volume, buyVol, sellVol, lastPrice string
	)
	if err := r.Scan(&c.Token, &ts, &open, &high, &low, &cls, &volume, &buyVol, &sellVol,
		&c.Trades, &c.BuyTrades, &c.SellTrades, &lastUpdate, &lastPrice); err != nil {
		return model.Candle{}, err
	}
	c.StartTime = time.UnixMilli(ts).UTC()
	c.LastUpdate = time.UnixMilli(lastUpdate).UTC()

	fields := []struct {
		dst **big.Int
		src string
	}{
		{&c.Open, open}, {&c.High, high}, {&c.Low, low}, {&c.Close, cls},
		{&c.Volume, volume}, {&c.BuyVolume, buyVol}, {&c.SellVolume, sellVol}, {&c.LastPrice, lastPrice},
	}
	for _, f := range fields {
		v, err := fixedpoint.Parse(f.src)
		if err != nil {
			return model.Candle{}, fmt.Errorf("sqlite candle %s@%d: %w", c.Token, ts, err)
		}
		*f.dst = v
	}
	return c, nil
}

// FindCandle returns the stored candle for key.
func (s *Store) FindCandle(ctx context.Context, key model.CandleKey) (model.Candle, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+candleColumns+`
		FROM candles_1m
		WHERE token_address = ? AND ts = ?
	`, key.Token, key.Bucket)
	c, err := scanCandle(row)
	if err != nil {
		return model.Candle{}, notFound(err)
	}
	return c, nil
}

// LatestCandleBefore returns the most recent candle of token whose bucket
// starts strictly before the given time.
func (s *Store) LatestCandleBefore(ctx context.Context, token string, before time.Time) (model.Candle, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+candleColumns+`
		FROM candles_1m
		WHERE token_address = ? AND ts < ?
		ORDER BY ts DESC
		LIMIT 1
	`, token, before.UnixMilli())
	c, err := scanCandle(row)
	if err != nil {
		return model.Candle{}, notFound(err)
	}
	return c, nil
}

// ListCandles returns up to limit candles of token, newest first.
func (s *Store) ListCandles(ctx context.Context, token string, limit int) ([]model.Candle, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+candleColumns+`
		FROM candles_1m
		WHERE token_address = ?
		ORDER BY ts DESC
		LIMIT ?
	`, token, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite query candles_1m: %w", err)
	}
	defer rows.Close()

	var candles []model.Candle
	for rows.Next() {
		c, err := scanCandle(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite scan candles_1m: %w", err)
		}
		candles = append(candles, c)
	}
	return candles, rows.Err()
}

// InitialPrice returns the token's registered launch price.
func (s *Store) InitialPrice(ctx context.Context, token string) (*big.Int, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT initial_price FROM tokens WHERE address = ?`, token).Scan(&raw)
	if err != nil {
		return nil, notFound(err)
	}
	if raw == "" {
		return nil, model.ErrNotFound
	}
	return fixedpoint.Parse(raw)
}

// FindUser looks a user up by wallet.
func (s *Store) FindUser(ctx context.Context, wallet string) (model.User, error) {
	var (
		u       model.User
		created int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT wallet, username, avatar, created_at FROM users WHERE wallet = ?`, wallet,
	).Scan(&u.Wallet, &u.Username, &u.Avatar, &created)
	if err != nil {
		return model.User{}, notFound(err)
	}
	u.CreatedAt = time.UnixMilli(created).UTC()
	return u, nil
}

// FindToken looks a token up by address.
func (s *Store) FindToken(ctx context.Context, address string) (model.Token, error) {
	var (
		t       model.Token
		listed  int
		created int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT address, name, symbol, image, description, supply, marketcap, initial_price,
		       user_wallet, replies_count, listed, pair_address, created_at
		FROM tokens WHERE address = ?
	`, address).Scan(&t.Address, &t.Name, &t.Symbol, &t.Image, &t.Description, &t.Supply, &t.MarketCap,
		&t.InitialPrice, &t.UserWallet, &t.RepliesCount, &listed, &t.PairAddress, &created)
	if err != nil {
		return model.Token{}, notFound(err)
	}
	t.Listed = listed == 1
	t.CreatedAt = time.UnixMilli(created).UTC()
	return t, nil
}

// TokenView joins a token with its creator's public profile.
func (s *Store) TokenView(ctx context.Context, address string) (model.TokenView, error) {
	var (
		v       model.TokenView
		created int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT t.address, t.name, t.symbol, t.image, t.supply, t.description, t.marketcap,
		       t.replies_count, t.created_at,
		       t.user_wallet, COALESCE(u.username, ''), COALESCE(u.avatar, '')
		FROM tokens t
		LEFT JOIN users u ON u.wallet = t.user_wallet
		WHERE t.address = ?
	`, address).Scan(&v.Address, &v.Name, &v.Symbol, &v.Image, &v.Supply, &v.Description, &v.MarketCap,
		&v.RepliesCount, &created, &v.User.Wallet, &v.User.Username, &v.User.Avatar)
	if err != nil {
		return model.TokenView{}, notFound(err)
	}
	v.CreatedAt = time.UnixMilli(created).UTC()
	return v, nil
}

// TradeView joins a trade with its user and a token summary.
func (s *Store) TradeView(ctx context.Context, id int64) (model.TradeView, error) {
	var (
		v       model.TradeView
		side    string
		created int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT tr.type, tr.out_amount, tr.in_amount, tr.trade_index, tr.hash, tr.created_at,
		       tr.user_wallet, COALESCE(u.username, ''), COALESCE(u.avatar, ''),
		       tr.token_address, COALESCE(t.marketcap, ''), COALESCE(t.symbol, ''), COALESCE(t.image, ''),
		       COALESCE(t.description, ''), COALESCE(t.replies_count, 0)
		FROM trades tr
		LEFT JOIN users u ON u.wallet = tr.user_wallet
		LEFT JOIN tokens t ON t.address = tr.token_address
		WHERE tr.id = ?
	`, id).Scan(&side, &v.OutAmount, &v.InAmount, &v.Index, &v.Hash, &created,
		&v.User.Wallet, &v.User.Username, &v.User.Avatar,
		&v.Token.Address, &v.Token.MarketCap, &v.Token.Symbol, &v.Token.Image,
		&v.Token.Description, &v.Token.RepliesCount)
	if err != nil {
		return model.TradeView{}, notFound(err)
	}
	v.Type = model.Side(side)
	v.CreatedAt = time.UnixMilli(created).UTC()
	return v, nil
}

// CommentView joins a comment with its author's public profile.
func (s *Store) CommentView(ctx context.Context, id int64) (model.CommentView, error) {
	var (
		v       model.CommentView
		created int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT c.id, c.content, c.likes, c.token_address, c.created_at,
		       c.user_wallet, COALESCE(u.username, ''), COALESCE(u.avatar, '')
		FROM comments c
		LEFT JOIN users u ON u.wallet = c.user_wallet
		WHERE c.id = ?
	`, id).Scan(&v.ID, &v.Content, &v.Likes, &v.TokenAddress, &created,
		&v.User.Wallet, &v.User.Username, &v.User.Avatar)
	if err != nil {
		return model.CommentView{}, notFound(err)
	}
	v.CreatedAt = time.UnixMilli(created).UTC()
	return v, nil
}
