// Package clickhouse archives executed trades into an append-only
// ClickHouse table for analytics.
package clickhouse

import (
	"context"
	"errors"
	"fmt"
	"time"

	ch "github.com/ClickHouse/clickhouse-go/v2"
)

// Schema creates the archive table when missing.
const Schema = `
CREATE TABLE IF NOT EXISTS trades_raw (
	event_time    DateTime64(3, 'UTC'),
	token_address LowCardinality(String),
	wallet        String,
	side          LowCardinality(String),
	in_amount     String,
	out_amount    String,
	trade_index   String,
	tx_hash       String,
	marketcap     String
) ENGINE = MergeTree
ORDER BY (token_address, event_time)`

// Open dials ClickHouse from a DSN, pings it and ensures the archive table.
func Open(ctx context.Context, dsn string) (ch.Conn, error) {
	if dsn == "" {
		return nil, errors.New("clickhouse dsn is empty")
	}
	opts, err := ch.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse clickhouse dsn: %w", err)
	}
	if opts.DialTimeout == 0 {
		opts.DialTimeout = 5 * time.Second
	}
	if opts.Compression == nil {
		opts.Compression = &ch.Compression{Method: ch.CompressionLZ4}
	}
	opts.ClientInfo = ch.ClientInfo{
		Products: []struct{ Name, Version string }{
			{Name: "feedengine", Version: "0.1.0"},
		},
	}

	conn, err := ch.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open clickhouse: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := conn.Ping(pingCtx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ping clickhouse: %w", err)
	}
	if err := conn.Exec(pingCtx, Schema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("create trades_raw: %w", err)
	}
	return conn, nil
}
