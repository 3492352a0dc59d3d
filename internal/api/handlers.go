package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/taraxa-fun/taraxa-fun-server/internal/fixedpoint"
	"github.com/taraxa-fun/taraxa-fun-server/internal/gateway"
	"github.com/taraxa-fun/taraxa-fun-server/internal/marketdata/bus"
	"github.com/taraxa-fun/taraxa-fun-server/internal/model"
)

const (
	defaultCandleLimit = 500
	maxCandleLimit     = 5000
)

// Store is what the REST layer reads and writes.
type Store interface {
	model.CandleReader
	FindToken(ctx context.Context, address string) (model.Token, error)
	FindOrCreateUser(ctx context.Context, wallet string) (model.User, error)
	model.CommentStore
}

// LatestReader serves the in-progress candle from the Redis mirror.
type LatestReader interface {
	Latest(ctx context.Context, token string) (model.CandleJSON, error)
}

type Publisher interface {
	Publish(ev bus.Event)
}

// BrokerStats is the subset of the subscription broker /api/stats reads.
type BrokerStats interface {
	Stats() gateway.Stats
	Latency() *gateway.LatencyTracker
}

type Handler struct {
	store    Store
	pub      Publisher
	broker   BrokerStats
	latest   LatestReader
	busStats func() []bus.ChannelStat
	validate *validator.Validate
	started  time.Time
	log      *slog.Logger
}

func NewHandler(store Store, pub Publisher, broker BrokerStats, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{
		store:    store,
		pub:      pub,
		broker:   broker,
		validate: validator.New(),
		started:  time.Now(),
		log:      log.With("component", "api"),
	}
}

// SetLatestReader enables GET /api/candles/{address}/latest.
func (h *Handler) SetLatestReader(r LatestReader) { h.latest = r }

// SetBusStats adds router channel fill levels to /api/stats.
func (h *Handler) SetBusStats(f func() []bus.ChannelStat) { h.busStats = f }

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type statsResponse struct {
	Broker  gateway.Stats        `json:"broker"`
	Latency gateway.LatencyStats `json:"broadcast_latency"`
	Bus     []bus.ChannelStat    `json:"bus,omitempty"`
	Process ProcessStats         `json:"process"`
}

func (h *Handler) stats(w http.ResponseWriter, r *http.Request) {
	resp := statsResponse{
		Broker:  h.broker.Stats(),
		Latency: h.broker.Latency().Snapshot(),
		Process: CollectProcessStats(h.started),
	}
	if h.busStats != nil {
		resp.Bus = h.busStats()
	}
	writeJSON(w, http.StatusOK, resp)
}

// CandleResponse carries the raw integer strings plus human-readable
// decimal renderings of the scaled values.
type CandleResponse struct {
	model.CandleJSON
	OpenDecimal   string `json:"open_decimal"`
	HighDecimal   string `json:"high_decimal"`
	LowDecimal    string `json:"low_decimal"`
	CloseDecimal  string `json:"close_decimal"`
	VolumeDecimal string `json:"volume_decimal"`
}

func NewCandleResponse(c model.Candle) CandleResponse {
	return CandleResponse{
		CandleJSON:    c.Full(),
		OpenDecimal:   fixedpoint.ToDecimal(c.Open).String(),
		HighDecimal:   fixedpoint.ToDecimal(c.High).String(),
		LowDecimal:    fixedpoint.ToDecimal(c.Low).String(),
		CloseDecimal:  fixedpoint.ToDecimal(c.Close).String(),
		VolumeDecimal: fixedpoint.ToDecimal(c.Volume).String(),
	}
}

func (h *Handler) candles(w http.ResponseWriter, r *http.Request) {
	gateway.SetCORS(w)
	token := model.NormalizeAddress(r.PathValue("address"))

	limit := defaultCandleLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxCandleLimit)
	}

	list, err := h.store.ListCandles(r.Context(), token, limit)
	if err != nil {
		h.log.Error("list candles failed", "token", token, "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	out := make([]CandleResponse, 0, len(list))
	for _, c := range list {
		out = append(out, NewCandleResponse(c))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"token_address": token,
		"interval":      "1m",
		"count":         len(out),
		"candles":       out,
	})
}

func (h *Handler) latestCandle(w http.ResponseWriter, r *http.Request) {
	gateway.SetCORS(w)
	if h.latest == nil {
		writeError(w, http.StatusNotImplemented, "latest candle mirror disabled")
		return
	}
	token := model.NormalizeAddress(r.PathValue("address"))
	c, err := h.latest.Latest(r.Context(), token)
	switch {
	case errors.Is(err, model.ErrNotFound):
		writeError(w, http.StatusNotFound, "no live candle")
	case err != nil:
		h.log.Error("read latest candle failed", "token", token, "err", err)
		writeError(w, http.StatusServiceUnavailable, "mirror unavailable")
	default:
		writeJSON(w, http.StatusOK, map[string]any{"token_address": token, "candle": c})
	}
}

type commentRequest struct {
	TokenAddress string `json:"token_address" validate:"required,eth_addr"`
	UserWallet   string `json:"user_wallet" validate:"required,eth_addr"`
	Content      string `json:"content" validate:"required,min=1,max=1000"`
}

func (h *Handler) createComment(w http.ResponseWriter, r *http.Request) {
	gateway.SetCORS(w)

	var req commentRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 8<<10))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx := r.Context()
	token := model.NormalizeAddress(req.TokenAddress)
	wallet := model.NormalizeAddress(req.UserWallet)

	if _, err := h.store.FindToken(ctx, token); err != nil {
		if errors.Is(err, model.ErrNotFound) {
			writeError(w, http.StatusNotFound, "unknown token")
			return
		}
		h.fail(w, "find token", err)
		return
	}
	if _, err := h.store.FindOrCreateUser(ctx, wallet); err != nil {
		h.fail(w, "resolve user", err)
		return
	}
	c, err := h.store.CreateComment(ctx, model.Comment{
		Content:      req.Content,
		UserWallet:   wallet,
		TokenAddress: token,
	})
	if err != nil {
		h.fail(w, "create comment", err)
		return
	}
	view, err := h.store.CommentView(ctx, c.ID)
	if err != nil {
		h.fail(w, "load comment view", err)
		return
	}

	h.pub.Publish(bus.CommentCreated(view))
	writeJSON(w, http.StatusCreated, view)
}

func (h *Handler) fail(w http.ResponseWriter, op string, err error) {
	h.log.Error(op+" failed", "err", err)
	writeError(w, http.StatusInternalServerError, "internal error")
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
