// Command candlewatch subscribes to one token's 1-minute candle stream on a
// running feedengine and prints every update.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/websocket"

	"github.com/taraxa-fun/taraxa-fun-server/internal/fixedpoint"
	"github.com/taraxa-fun/taraxa-fun-server/internal/gateway"
	"github.com/taraxa-fun/taraxa-fun-server/internal/logger"
)

func main() {
	url := flag.String("url", "ws://localhost:8080/ws/candle-1m", "candle WebSocket endpoint")
	token := flag.String("token", "", "token address to watch")
	raw := flag.Bool("raw", false, "print raw JSON frames")
	flag.Parse()

	log := logger.Init("candlewatch", slog.LevelInfo)
	if *token == "" {
		fmt.Fprintln(os.Stderr, "candlewatch: -token is required")
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := watch(ctx, *url, *token, *raw, log); err != nil {
		log.Error("candlewatch failed", "err", err)
		os.Exit(1)
	}
}

func watch(ctx context.Context, url, token string, raw bool, log *slog.Logger) error {
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	ws, _, err := websocket.DefaultDialer.DialContext(dialCtx, url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", url, err)
	}
	defer ws.Close()

	sub := gateway.ClientMessage{Type: gateway.MsgSubscribeCandle, TokenAddress: token}
	if err := ws.WriteJSON(sub); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	log.Info("subscribed", "url", url, "token", token)

	go func() {
		<-ctx.Done()
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		ws.Close()
	}()

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read: %w", err)
		}
		if raw {
			fmt.Println(string(data))
			continue
		}
		printFrame(data, log)
	}
}

func printFrame(data []byte, log *slog.Logger) {
	var errMsg gateway.ErrorMessage
	if json.Unmarshal(data, &errMsg) == nil && errMsg.Error != "" {
		log.Warn("server error", "error", errMsg.Error)
		return
	}

	var msg gateway.CandleMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		log.Warn("unparseable frame", "err", err)
		return
	}
	c := msg.Candle
	fmt.Printf("%s %-13s o=%s h=%s l=%s c=%s v=%s\n",
		c.StartTime.Format("15:04:05"), msg.Type, scaled(c.Open), scaled(c.High), scaled(c.Low), scaled(c.Close), scaled(c.Volume))
}

// scaled renders an 18-decimal integer string as a decimal.
func scaled(s string) string {
	v, err := fixedpoint.Parse(s)
	if err != nil {
		return s
	}
	return fixedpoint.ToDecimal(v).String()
}
