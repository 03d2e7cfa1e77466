package app

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"chalkboard/api/internal/board"
	"chalkboard/api/internal/config"
	"chalkboard/api/internal/feed"
	"chalkboard/api/internal/presence"
	"chalkboard/api/internal/session"
	"chalkboard/api/internal/store"
	"chalkboard/api/internal/util"
)

// Service wires board sessions from their collaborators: the Postgres
// element store, the row change feed, and the Redis broadcast and presence
// transports.
type Service struct {
	cfg   config.Config
	store *store.ElementStore
	rdb   *redis.Client
}

func New(cfg config.Config, elementStore *store.ElementStore, rdb *redis.Client) *Service {
	return &Service{cfg: cfg, store: elementStore, rdb: rdb}
}

func (s *Service) Ping(ctx context.Context) error {
	if err := s.store.Ping(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	if s.rdb != nil {
		if err := s.rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
	}
	return nil
}

// ListElements serves the board snapshot in render order, straight from the
// store. Connected clients get the same rows through their session's initial
// load.
func (s *Service) ListElements(ctx context.Context, boardID string) ([]board.Element, error) {
	return s.store.ListElements(ctx, boardID)
}

// OpenSession builds one client's live view of a board: a fresh origin id, a
// feed subscription (row feed + broadcast), a presence hub membership and
// the session event loop on top.
func (s *Service) OpenSession(ctx context.Context, boardID, userID, userName string) (*session.Session, error) {
	origin := util.NewID("client")
	bus := feed.NewBroadcast(s.rdb, origin)
	rowFeed := feed.NewRowFeed(s.cfg.DatabaseURL)
	hub := presence.New(s.rdb, boardID, userID, userName, s.cfg.CursorInterval)

	return session.Open(ctx, session.Options{
		BoardID:       boardID,
		UserID:        userID,
		UserName:      userName,
		Origin:        origin,
		Store:         s.store,
		Sources:       []feed.Source{rowFeed, bus},
		Broadcast:     bus,
		Hub:           hub,
		GridCellSize:  s.cfg.GridCellSize,
		GridThreshold: s.cfg.GridThreshold,
	})
}
