package clickhouse

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	ch "github.com/ClickHouse/clickhouse-go/v2"

	"github.com/taraxa-fun/taraxa-fun-server/internal/marketdata/bus"
	"github.com/taraxa-fun/taraxa-fun-server/internal/model"
)

// ErrWriterClosed is returned by Enqueue after Close.
var ErrWriterClosed = errors.New("clickhouse writer closed")

// TradeRow is one archived trade.
type TradeRow struct {
	EventTime    time.Time
	TokenAddress string
	Wallet       string
	Side         string
	InAmount     string
	OutAmount    string
	Index        string
	TxHash       string
	MarketCap    string
}

// RowFromTrade flattens a broadcast trade view.
func RowFromTrade(v model.TradeView) TradeRow {
	return TradeRow{
		EventTime:    v.CreatedAt.UTC(),
		TokenAddress: v.Token.Address,
		Wallet:       v.User.Wallet,
		Side:         string(v.Type),
		InAmount:     v.InAmount,
		OutAmount:    v.OutAmount,
		Index:        v.Index,
		TxHash:       v.Hash,
		MarketCap:    v.Token.MarketCap,
	}
}

// WriterConfig tunes batching.
type WriterConfig struct {
	BatchMaxRows     int
	BatchMaxInterval time.Duration
	MaxRetries       int
	RetryBackoff     time.Duration
}

// Writer batches rows and inserts them on size or interval.
type Writer struct {
	conn ch.Conn
	cfg  WriterConfig
	log  *slog.Logger

	inCh      chan TradeRow
	closedCh  chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	// OnFlush reports each insert attempt outcome.
	OnFlush func(rows int, err error)
}

func NewWriter(conn ch.Conn, cfg WriterConfig, log *slog.Logger) *Writer {
	if cfg.BatchMaxRows <= 0 {
		cfg.BatchMaxRows = 1000
	}
	if cfg.BatchMaxInterval <= 0 {
		cfg.BatchMaxInterval = time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 200 * time.Millisecond
	}
	if log == nil {
		log = slog.Default()
	}

	w := &Writer{
		conn:     conn,
		cfg:      cfg,
		log:      log.With("component", "clickhouse_writer"),
		inCh:     make(chan TradeRow, 8192),
		closedCh: make(chan struct{}),
	}
	w.wg.Add(1)
	go w.loop()
	return w
}

// Enqueue hands a row to the batching loop. It blocks while the queue is
// full.
func (w *Writer) Enqueue(row TradeRow) error {
	select {
	case <-w.closedCh:
		return ErrWriterClosed
	default:
	}
	select {
	case w.inCh <- row:
		return nil
	case <-w.closedCh:
		return ErrWriterClosed
	}
}

// Run archives every TradeExecuted event until ctx ends or events closes.
func (w *Writer) Run(ctx context.Context, events <-chan bus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Kind != bus.KindTradeExecuted || ev.TradeExecuted == nil {
				continue
			}
			if err := w.Enqueue(RowFromTrade(*ev.TradeExecuted)); err != nil {
				return
			}
		}
	}
}

// Close stops intake, flushes what is queued and waits for the loop.
func (w *Writer) Close(ctx context.Context) error {
	w.closeOnce.Do(func() { close(w.closedCh) })

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Writer) loop() {
	defer w.wg.Done()

	batch := make([]TradeRow, 0, w.cfg.BatchMaxRows)
	ticker := time.NewTicker(w.cfg.BatchMaxInterval)
	defer ticker.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		err := w.insertBatch(context.Background(), batch)
		if err != nil {
			w.log.Error("trade archive insert failed", "rows", len(batch), "error", err)
		}
		if w.OnFlush != nil {
			w.OnFlush(len(batch), err)
		}
		batch = batch[:0]
	}

	for {
		select {
		case row := <-w.inCh:
			batch = append(batch, row)
			if len(batch) >= w.cfg.BatchMaxRows {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-w.closedCh:
			for {
				select {
				case row := <-w.inCh:
					batch = append(batch, row)
				default:
					flush()
					return
				}
			}
		}
	}
}

const insertTrades = `INSERT INTO trades_raw (
	event_time, token_address, wallet, side, in_amount, out_amount,
	trade_index, tx_hash, marketcap
)`

func (w *Writer) insertBatch(ctx context.Context, rows []TradeRow) error {
	backoff := w.cfg.RetryBackoff
	var lastErr error

	for attempt := 0; attempt <= w.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(backoff)
			backoff *= 2
		}
		if lastErr = w.sendOnce(ctx, rows); lastErr == nil {
			return nil
		}
	}
	return lastErr
}

func (w *Writer) sendOnce(ctx context.Context, rows []TradeRow) error {
	batch, err := w.conn.PrepareBatch(ctx, insertTrades)
	if err != nil {
		return err
	}
	for i := range rows {
		r := &rows[i]
		if err := batch.Append(
			r.EventTime,
			r.TokenAddress,
			r.Wallet,
			r.Side,
			r.InAmount,
			r.OutAmount,
			r.Index,
			r.TxHash,
			r.MarketCap,
		); err != nil {
			_ = batch.Abort()
			return err
		}
	}
	return batch.Send()
}
