// Package dedupe filters upstream logs that are delivered more than once
// (reconnects, reorg replays). Ids are "txHash:logIndex".
package dedupe

import (
	"context"
	"strconv"
)

// Deduper reports whether an id was already seen and records it if not.
type Deduper interface {
	Seen(ctx context.Context, id string) (alreadySeen bool, err error)
}

// LogID builds the dedupe id of a chain log.
func LogID(txHash string, logIndex uint) string {
	return txHash + ":" + strconv.FormatUint(uint64(logIndex), 10)
}
