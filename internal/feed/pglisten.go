package feed

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"chalkboard/api/internal/board"
)

// NotifyChannel is the Postgres NOTIFY channel the elements table trigger
// publishes row changes on. Payloads are board.Op JSON.
const NotifyChannel = "board_changes"

// RowFeed is the persisted-change source: a dedicated Postgres connection
// listening for row-level insert/update/delete notifications. The channel is
// database-wide; filtering to the subscribed board happens here.
type RowFeed struct {
	dsn    string
	conn   *pgx.Conn
	cancel context.CancelFunc
}

func NewRowFeed(dsn string) *RowFeed {
	return &RowFeed{dsn: dsn}
}

func (f *RowFeed) Subscribe(ctx context.Context, boardID string) (<-chan board.Op, error) {
	listenCtx, cancel := context.WithCancel(context.Background())
	conn, err := pgx.Connect(listenCtx, f.dsn)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("connect row feed: %w", err)
	}
	if _, err := conn.Exec(listenCtx, "LISTEN "+NotifyChannel); err != nil {
		cancel()
		_ = conn.Close(context.Background())
		return nil, fmt.Errorf("listen %s: %w", NotifyChannel, err)
	}
	f.conn = conn
	f.cancel = cancel

	out := make(chan board.Op, 16)
	go func() {
		defer close(out)
		for {
			notification, err := conn.WaitForNotification(listenCtx)
			if err != nil {
				// Cancellation or a dropped connection both end the
				// subscription; reconnection is the session owner's call.
				return
			}
			op, err := board.DecodeOp([]byte(notification.Payload))
			if err != nil {
				continue
			}
			if op.BoardID != boardID {
				continue
			}
			out <- op
		}
	}()
	return out, nil
}

func (f *RowFeed) Close() error {
	if f.cancel != nil {
		f.cancel()
	}
	if f.conn != nil {
		return f.conn.Close(context.Background())
	}
	return nil
}
