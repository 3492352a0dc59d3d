package model

import (
	"encoding/json"
	"math/big"
	"time"

	"github.com/taraxa-fun/taraxa-fun-server/internal/fixedpoint"
)

// CandleInterval is the width of every bucket.
const CandleInterval = time.Minute

// BucketStart returns floor(t / interval) * interval in UTC.
func BucketStart(t time.Time) time.Time {
	ms := t.UnixMilli()
	step := CandleInterval.Milliseconds()
	return time.UnixMilli(ms - mod(ms, step)).UTC()
}

func mod(a, b int64) int64 {
	m := a % b
	if m < 0 {
		m += b
	}
	return m
}

// CandleKey identifies one in-memory candle: a token and the unix
// millisecond start of its bucket.
type CandleKey struct {
	Token  string
	Bucket int64
}

// Start returns the bucket start as a time.
func (k CandleKey) Start() time.Time {
	return time.UnixMilli(k.Bucket).UTC()
}

// KeyFor builds the key a trade at t on token belongs to.
func KeyFor(token string, t time.Time) CandleKey {
	return CandleKey{Token: NormalizeAddress(token), Bucket: BucketStart(t).UnixMilli()}
}

// Candle is a 1-minute OHLCV bar. Prices are scaled by 10^18, volumes are raw
// token amounts.
type Candle struct {
	Token      string
	StartTime  time.Time
	Open       *big.Int
	High       *big.Int
	Low        *big.Int
	Close      *big.Int
	Volume     *big.Int
	BuyVolume  *big.Int
	SellVolume *big.Int
	Trades     int64
	BuyTrades  int64
	SellTrades int64
	LastUpdate time.Time
	LastPrice  *big.Int
}

// Key returns the candle's composite key.
func (c *Candle) Key() CandleKey {
	return CandleKey{Token: c.Token, Bucket: c.StartTime.UnixMilli()}
}

// Clone returns a deep copy; big.Int fields are never shared.
func (c Candle) Clone() Candle {
	out := c
	out.Open = fixedpoint.Copy(c.Open)
	out.High = fixedpoint.Copy(c.High)
	out.Low = fixedpoint.Copy(c.Low)
	out.Close = fixedpoint.Copy(c.Close)
	out.Volume = fixedpoint.Copy(c.Volume)
	out.BuyVolume = fixedpoint.Copy(c.BuyVolume)
	out.SellVolume = fixedpoint.Copy(c.SellVolume)
	out.LastPrice = fixedpoint.Copy(c.LastPrice)
	return out
}

// NewCandle opens a bucket with its first trade.
func NewCandle(key CandleKey, open, price, volume *big.Int, side Side, at time.Time) Candle {
	c := Candle{
		Token:      key.Token,
		StartTime:  key.Start(),
		Open:       fixedpoint.Copy(open),
		High:       fixedpoint.Max(open, price),
		Low:        fixedpoint.Min(open, price),
		Close:      fixedpoint.Copy(price),
		Volume:     fixedpoint.Copy(volume),
		BuyVolume:  new(big.Int),
		SellVolume: new(big.Int),
		Trades:     1,
		LastUpdate: at.UTC(),
		LastPrice:  fixedpoint.Copy(price),
	}
	if side == SideBuy {
		c.BuyVolume.Set(volume)
		c.BuyTrades = 1
	} else {
		c.SellVolume.Set(volume)
		c.SellTrades = 1
	}
	return c
}

// Apply folds one more trade into c. Open and StartTime never change.
func (c *Candle) Apply(price, volume *big.Int, side Side, at time.Time) {
	c.High = fixedpoint.Max(c.High, price)
	c.Low = fixedpoint.Min(c.Low, price)
	c.Close = fixedpoint.Copy(price)
	c.Volume = fixedpoint.Add(c.Volume, volume)
	c.Trades++
	if side == SideBuy {
		c.BuyVolume = fixedpoint.Add(c.BuyVolume, volume)
		c.BuyTrades++
	} else {
		c.SellVolume = fixedpoint.Add(c.SellVolume, volume)
		c.SellTrades++
	}
	c.LastUpdate = at.UTC()
	c.LastPrice = fixedpoint.Copy(price)
}

// CandleJSON is the wire form of a candle. Integers are decimal strings so
// clients never lose precision.
type CandleJSON struct {
	Open       string    `json:"open"`
	High       string    `json:"high"`
	Low        string    `json:"low"`
	Close      string    `json:"close"`
	Volume     string    `json:"volume"`
	BuyVolume  string    `json:"buyVolume,omitempty"`
	SellVolume string    `json:"sellVolume,omitempty"`
	Trades     int64     `json:"trades,omitempty"`
	StartTime  time.Time `json:"startTime"`
	LastUpdate time.Time `json:"lastUpdate"`
	LastPrice  string    `json:"lastPrice"`
}

// Wire renders the fields pushed to WebSocket subscribers.
func (c *Candle) Wire() CandleJSON {
	return CandleJSON{
		Open:       fixedpoint.String(c.Open),
		High:       fixedpoint.String(c.High),
		Low:        fixedpoint.String(c.Low),
		Close:      fixedpoint.String(c.Close),
		Volume:     fixedpoint.String(c.Volume),
		StartTime:  c.StartTime,
		LastUpdate: c.LastUpdate,
		LastPrice:  fixedpoint.String(c.LastPrice),
	}
}

// Full renders every field, including the buy/sell split. Used by the
// Redis mirror and the REST history endpoint.
func (c *Candle) Full() CandleJSON {
	w := c.Wire()
	w.BuyVolume = fixedpoint.String(c.BuyVolume)
	w.SellVolume = fixedpoint.String(c.SellVolume)
	w.Trades = c.Trades
	return w
}

// JSON returns the full JSON encoding (ignoring errors for hot-path usage).
func (c *Candle) JSON() []byte {
	b, _ := json.Marshal(c.Full())
	return b
}

// UpdateKind tells subscribers whether a candle was opened or mutated.
type UpdateKind string

const (
	UpdateNew    UpdateKind = "NEW_CANDLE"
	UpdateExists UpdateKind = "CANDLE_UPDATE"
)

// CandleUpdate is emitted once per processed trade.
type CandleUpdate struct {
	Kind   UpdateKind
	Token  string
	Candle Candle
}
