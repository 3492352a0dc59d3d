package clickhouse

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/taraxa-fun/taraxa-fun-server/internal/model"
)

func TestRowFromTrade(t *testing.T) {
	at := time.Date(2024, 3, 1, 12, 0, 5, 0, time.FixedZone("X", 3600))
	v := model.TradeView{
		Type:      model.SideSell,
		OutAmount: "900",
		InAmount:  "1000",
		Index:     "12",
		Hash:      "0xdead",
		CreatedAt: at,
		User:      model.UserPublic{Wallet: "0xuser"},
		Token:     model.TokenSummary{Address: "0xtoken", MarketCap: "5000"},
	}

	row := RowFromTrade(v)
	assert.Equal(t, TradeRow{
		EventTime:    at.UTC(),
		TokenAddress: "0xtoken",
		Wallet:       "0xuser",
		Side:         "sell",
		InAmount:     "1000",
		OutAmount:    "900",
		Index:        "12",
		TxHash:       "0xdead",
		MarketCap:    "5000",
	}, row)
	assert.Equal(t, time.UTC, row.EventTime.Location())
}

func TestOpen_RejectsEmptyDSN(t *testing.T) {
	_, err := Open(t.Context(), "")
	assert.Error(t, err)
}
