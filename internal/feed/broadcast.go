package feed

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"chalkboard/api/internal/board"
)

// Broadcast is the low-latency, at-most-once fan-out channel: a Redis pub/sub
// channel per board carrying the same logical operations as the persisted
// feed, ahead of feed propagation. Our own publishes are suppressed on
// receive by origin id.
type Broadcast struct {
	rdb    *redis.Client
	origin string
	pubsub *redis.PubSub
}

// NewBroadcast creates a broadcast source/publisher for one client. origin
// must be unique per connected client; it tags outgoing operations for
// self-echo suppression.
func NewBroadcast(rdb *redis.Client, origin string) *Broadcast {
	return &Broadcast{rdb: rdb, origin: origin}
}

func opsChannel(boardID string) string { return "board:" + boardID + ":ops" }

func (b *Broadcast) Subscribe(ctx context.Context, boardID string) (<-chan board.Op, error) {
	b.pubsub = b.rdb.Subscribe(ctx, opsChannel(boardID))
	if _, err := b.pubsub.Receive(ctx); err != nil {
		_ = b.pubsub.Close()
		return nil, fmt.Errorf("subscribe broadcast: %w", err)
	}

	out := make(chan board.Op, 16)
	go func() {
		defer close(out)
		for msg := range b.pubsub.Channel() {
			op, err := board.DecodeOp([]byte(msg.Payload))
			if err != nil {
				continue
			}
			if op.Origin == b.origin {
				continue
			}
			out <- op
		}
	}()
	return out, nil
}

// Publish fans an operation out to the board's other subscribers. Best
// effort: delivery is at most once and unordered across subscribers. Ops
// without an origin are stamped with ours.
func (b *Broadcast) Publish(ctx context.Context, op board.Op) error {
	if op.Origin == "" {
		op.Origin = b.origin
	}
	payload, err := json.Marshal(op)
	if err != nil {
		return fmt.Errorf("encode broadcast op: %w", err)
	}
	if err := b.rdb.Publish(ctx, opsChannel(op.BoardID), payload).Err(); err != nil {
		return fmt.Errorf("publish broadcast op: %w", err)
	}
	return nil
}

func (b *Broadcast) Close() error {
	if b.pubsub == nil {
		return nil
	}
	return b.pubsub.Close()
}
