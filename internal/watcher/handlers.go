package watcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/taraxa-fun/taraxa-fun-server/internal/chain"
	"github.com/taraxa-fun/taraxa-fun-server/internal/dedupe"
	"github.com/taraxa-fun/taraxa-fun-server/internal/fixedpoint"
	"github.com/taraxa-fun/taraxa-fun-server/internal/logger"
	"github.com/taraxa-fun/taraxa-fun-server/internal/marketdata/bus"
	"github.com/taraxa-fun/taraxa-fun-server/internal/model"
)

// Feed names.
const (
	FeedTokenCreated = "token-created"
	FeedTradeCall    = "trade-call"
	FeedEmperor      = "emperor"
	FeedMigration    = "migration"
)

// MarketCapReader reads a token's current market cap from chain.
type MarketCapReader interface {
	MarketCap(ctx context.Context, token string) (*big.Int, error)
}

// TradeProcessor folds a trade into the live candles.
type TradeProcessor interface {
	ProcessTrade(ctx context.Context, t model.Trade) (model.CandleUpdate, error)
}

// Publisher receives the display-ready projections.
type Publisher interface {
	Publish(ev bus.Event)
}

// Store is everything the feed handlers persist to.
type Store interface {
	model.UserStore
	model.TokenStore
	model.TradeStore
	model.EmperorStore
	model.MigrationStore
}

// Handlers turns decoded contract events into persisted entities and
// router events.
type Handlers struct {
	store    Store
	mcap     MarketCapReader
	candles  TradeProcessor
	pub      Publisher
	dedupe   dedupe.Deduper
	deployer string
	now      func() time.Time
	log      *slog.Logger

	// OnDuplicate is called for every redelivered trade log.
	OnDuplicate func()
}

// NewHandlers wires the feed side effects. deployer is the deployer
// contract address; trades it calls on a creator's behalf are attributed to
// the token's creator. dd may be nil.
func NewHandlers(store Store, mcap MarketCapReader, candles TradeProcessor, pub Publisher, dd dedupe.Deduper, deployer string, log *slog.Logger) *Handlers {
	if log == nil {
		log = slog.Default()
	}
	return &Handlers{
		store:    store,
		mcap:     mcap,
		candles:  candles,
		pub:      pub,
		dedupe:   dd,
		deployer: model.NormalizeAddress(deployer),
		now:      time.Now,
		log:      log.With("component", "feed_handlers"),
	}
}

// TokenCreated handles funCreated.
func (h *Handlers) TokenCreated(ctx context.Context, l chain.Log) error {
	creator, err := l.Address("creator")
	if err != nil {
		return err
	}
	token, err := l.Address("tokenAddress")
	if err != nil {
		return err
	}
	name, err := l.Text("name")
	if err != nil {
		return err
	}
	symbol, err := l.Text("symbol")
	if err != nil {
		return err
	}
	description, err := l.Text("data")
	if err != nil {
		return err
	}
	supply, err := l.Big("totalSupply")
	if err != nil {
		return err
	}
	reserve, err := l.Big("initialReserve")
	if err != nil {
		return err
	}

	ctx = logger.WithTraceID(ctx, logger.GenerateTraceID(token, h.now()))

	if _, err := h.store.FindOrCreateUser(ctx, creator); err != nil {
		return fmt.Errorf("creator %s: %w", creator, err)
	}
	mc, err := h.mcap.MarketCap(ctx, token)
	if err != nil {
		return err
	}
	initial, err := fixedpoint.MulDiv(reserve, supply)
	if err != nil {
		return fmt.Errorf("initial price of %s: %w", token, err)
	}

	if err := h.store.UpsertToken(ctx, model.Token{
		Address:      token,
		Name:         name,
		Symbol:       symbol,
		Description:  description,
		Supply:       supply.String(),
		MarketCap:    mc.String(),
		InitialPrice: initial.String(),
		UserWallet:   creator,
		CreatedAt:    h.now().UTC(),
	}); err != nil {
		return fmt.Errorf("upsert token %s: %w", token, err)
	}

	view, err := h.store.TokenView(ctx, token)
	if err != nil {
		return fmt.Errorf("token view %s: %w", token, err)
	}
	h.pub.Publish(bus.TokenCreated(view))

	h.log.InfoContext(ctx, "token created",
		append(logger.LogWithTrace(ctx), "token", token, "symbol", symbol, "creator", creator)...)
	return nil
}

// TradeCall handles tradeCall: market cap refresh, trade record, candle
// update and the trade broadcast.
func (h *Handlers) TradeCall(ctx context.Context, l chain.Log) error {
	if h.dedupe != nil {
		seen, err := h.dedupe.Seen(ctx, dedupe.LogID(l.TxHash, l.LogIndex))
		if err != nil {
			return fmt.Errorf("dedupe: %w", err)
		}
		if seen {
			h.log.Debug("duplicate trade log skipped", "tx", l.TxHash, "log_index", l.LogIndex)
			if h.OnDuplicate != nil {
				h.OnDuplicate()
			}
			return nil
		}
	}

	trade, err := decodeTrade(l)
	if err != nil {
		return err
	}
	ctx = logger.WithTraceID(ctx, logger.GenerateTraceID(trade.Token, h.now()))

	mc, err := h.mcap.MarketCap(ctx, trade.Token)
	if err != nil {
		return err
	}
	if err := h.store.UpdateMarketCap(ctx, trade.Token, mc.String(), true); err != nil {
		return fmt.Errorf("market cap %s: %w", trade.Token, err)
	}

	wallet, err := h.tradeOwner(ctx, trade)
	if err != nil {
		return err
	}

	rec, err := h.store.CreateTrade(ctx, model.TradeRecord{
		Type:         trade.Side,
		InAmount:     trade.InAmount.String(),
		OutAmount:    trade.OutAmount.String(),
		Index:        trade.Index.String(),
		Hash:         trade.TxHash,
		UserWallet:   wallet,
		TokenAddress: trade.Token,
		CreatedAt:    h.now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("create trade: %w", err)
	}

	if _, err := h.candles.ProcessTrade(ctx, trade); err != nil {
		return fmt.Errorf("candle update: %w", err)
	}

	view, err := h.store.TradeView(ctx, rec.ID)
	if err != nil {
		return fmt.Errorf("trade view %d: %w", rec.ID, err)
	}
	h.pub.Publish(bus.TradeExecuted(view))
	return nil
}

// tradeOwner resolves the wallet a trade is recorded against.
func (h *Handlers) tradeOwner(ctx context.Context, t model.Trade) (string, error) {
	if h.deployer != "" && t.Caller == h.deployer {
		tok, err := h.store.FindToken(ctx, t.Token)
		if err != nil {
			return "", fmt.Errorf("token %s: %w", t.Token, err)
		}
		if tok.UserWallet == "" {
			return "", fmt.Errorf("token %s has no creator: %w", t.Token, model.ErrNotFound)
		}
		u, err := h.store.FindUser(ctx, tok.UserWallet)
		if err != nil {
			return "", fmt.Errorf("creator %s: %w", tok.UserWallet, err)
		}
		return u.Wallet, nil
	}
	u, err := h.store.FindOrCreateUser(ctx, t.Caller)
	if err != nil {
		return "", fmt.Errorf("caller %s: %w", t.Caller, err)
	}
	return u.Wallet, nil
}

func decodeTrade(l chain.Log) (model.Trade, error) {
	var t model.Trade
	var err error
	if t.Caller, err = l.Address("caller"); err != nil {
		return t, err
	}
	if t.Token, err = l.Address("funContract"); err != nil {
		return t, err
	}
	if t.OutAmount, err = l.Big("outAmount"); err != nil {
		return t, err
	}
	if t.InAmount, err = l.Big("inAmount"); err != nil {
		return t, err
	}
	if t.Index, err = l.Big("index"); err != nil {
		return t, err
	}
	ts, err := l.Big("timestamp")
	if err != nil {
		return t, err
	}
	if !ts.IsInt64() {
		return t, errors.New("timestamp out of range")
	}
	side, err := l.Text("tradeType")
	if err != nil {
		return t, err
	}
	t.Side = model.Side(strings.ToLower(strings.TrimSpace(side)))
	if !t.Side.Valid() {
		return t, fmt.Errorf("unknown trade type %q", side)
	}
	t.Time = time.Unix(ts.Int64(), 0).UTC()
	t.TxHash = l.TxHash
	t.LogIndex = l.LogIndex
	return t, nil
}

// Emperor handles royal: market cap refresh and a leaderboard entry.
func (h *Handlers) Emperor(ctx context.Context, l chain.Log) error {
	token, err := l.Address("tokenAddress")
	if err != nil {
		return err
	}
	volume, err := l.Big("totalVolume")
	if err != nil {
		return err
	}

	mc, err := h.mcap.MarketCap(ctx, token)
	if err != nil {
		return err
	}
	if err := h.store.UpdateMarketCap(ctx, token, mc.String(), false); err != nil {
		return fmt.Errorf("market cap %s: %w", token, err)
	}
	if _, err := h.store.CreateEmperor(ctx, model.Emperor{
		TokenAddress: token,
		TotalVolume:  volume.String(),
		CreatedAt:    h.now().UTC(),
	}); err != nil {
		return fmt.Errorf("create emperor %s: %w", token, err)
	}
	h.log.Info("new emperor", "token", token, "total_volume", volume.String())
	return nil
}

// Migration handles listed: the token moves to a DEX pair.
func (h *Handlers) Migration(ctx context.Context, l chain.Log) error {
	token, err := l.Address("tokenAddress")
	if err != nil {
		return err
	}
	pair, err := l.Address("pair")
	if err != nil {
		return err
	}

	if err := h.store.MarkListed(ctx, token, pair); err != nil {
		return fmt.Errorf("mark listed %s: %w", token, err)
	}
	if _, err := h.store.CreateMigration(ctx, model.Migration{
		TokenAddress: token,
		PairAddress:  pair,
		TxHash:       l.TxHash,
		CreatedAt:    h.now().UTC(),
	}); err != nil {
		return fmt.Errorf("create migration %s: %w", token, err)
	}
	h.log.Info("token migrated", "token", token, "pair", pair)
	return nil
}

// Contracts bundles the three launchpad contracts.
type Contracts struct {
	EventTracker chain.Contract
	Pool         chain.Contract
	Deployer     chain.Contract
}

// Feeds builds the four chain feeds in a fixed order.
func (h *Handlers) Feeds(src LogSource, c Contracts, log *slog.Logger) []*ChainFeed {
	return []*ChainFeed{
		NewChainFeed(FeedTokenCreated, src, c.EventTracker, chain.EventFunCreated, h.TokenCreated, log),
		NewChainFeed(FeedTradeCall, src, c.Pool, chain.EventTradeCall, h.TradeCall, log),
		NewChainFeed(FeedEmperor, src, c.Deployer, chain.EventRoyal, h.Emperor, log),
		NewChainFeed(FeedMigration, src, c.Pool, chain.EventListed, h.Migration, log),
	}
}
