// Package presence implements ephemeral board membership and cursor fan-out.
// It is fully independent of element state: the hub owns its own peer map and
// talks only to the Redis presence transport.
package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

type Cursor struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Peer is one other user on the board. Cursor is nil until that user has
// broadcast a position.
type Peer struct {
	UserID string  `json:"user_id"`
	Name   string  `json:"name"`
	Cursor *Cursor `json:"cursor,omitempty"`
}

type eventType string

const (
	eventJoin   eventType = "join"
	eventLeave  eventType = "leave"
	eventCursor eventType = "cursor"
)

type event struct {
	Type   eventType `json:"type"`
	UserID string    `json:"user_id"`
	Name   string    `json:"name,omitempty"`
	X      float64   `json:"x"`
	Y      float64   `json:"y"`
}

func (e event) valid() bool {
	if e.UserID == "" {
		return false
	}
	switch e.Type {
	case eventJoin, eventLeave, eventCursor:
		return true
	}
	return false
}

// Hub maintains the peer list for one board member. Membership is rebuilt
// from the transport's snapshot on every join/leave event; cursors live in a
// transient map keyed by user id, independent of membership. There is no
// heartbeat here: liveness is the transport's problem.
type Hub struct {
	rdb      *redis.Client
	boardID  string
	selfID   string
	selfName string

	// Cursor broadcasts inside the interval are dropped, not queued.
	limiter *rate.Limiter

	pubsub *redis.PubSub

	mu       sync.Mutex
	members  map[string]string
	cursors  map[string]Cursor
	joined   bool
	onChange func()

	done chan struct{}
}

// New creates a hub for one user on one board. cursorInterval is the minimum
// spacing between outgoing cursor broadcasts; zero or negative selects 40ms.
func New(rdb *redis.Client, boardID, userID, name string, cursorInterval time.Duration) *Hub {
	if cursorInterval <= 0 {
		cursorInterval = 40 * time.Millisecond
	}
	return &Hub{
		rdb:      rdb,
		boardID:  boardID,
		selfID:   userID,
		selfName: name,
		limiter:  rate.NewLimiter(rate.Every(cursorInterval), 1),
		members:  make(map[string]string),
		cursors:  make(map[string]Cursor),
		done:     make(chan struct{}),
	}
}

// OnChange registers a callback fired after every peer-list change. Must be
// set before Join; the callback runs on the hub's receive goroutine.
func (h *Hub) OnChange(fn func()) { h.onChange = fn }

func (h *Hub) channel() string   { return "board:" + h.boardID + ":presence" }
func (h *Hub) memberKey() string { return "board:" + h.boardID + ":members" }

// Join announces membership: records self in the shared member snapshot,
// subscribes to the presence channel, and publishes a join event so existing
// members pick us up.
func (h *Hub) Join(ctx context.Context) error {
	if err := h.rdb.HSet(ctx, h.memberKey(), h.selfID, h.selfName).Err(); err != nil {
		return fmt.Errorf("register member: %w", err)
	}

	h.pubsub = h.rdb.Subscribe(ctx, h.channel())
	// Force the subscription onto the wire before announcing, so we cannot
	// miss events racing with our own join.
	if _, err := h.pubsub.Receive(ctx); err != nil {
		_ = h.pubsub.Close()
		return fmt.Errorf("subscribe presence: %w", err)
	}

	if err := h.rebuildMembers(ctx); err != nil {
		_ = h.pubsub.Close()
		return err
	}
	h.mu.Lock()
	h.joined = true
	h.mu.Unlock()

	go h.receive(h.pubsub.Channel())

	if err := h.publish(ctx, event{Type: eventJoin, UserID: h.selfID, Name: h.selfName}); err != nil {
		return err
	}
	return nil
}

// Leave removes self from the member snapshot, tells everyone, and tears the
// subscription down synchronously. The peer list is cleared immediately.
func (h *Hub) Leave(ctx context.Context) error {
	h.mu.Lock()
	if !h.joined {
		h.mu.Unlock()
		return nil
	}
	h.joined = false
	h.members = make(map[string]string)
	h.cursors = make(map[string]Cursor)
	h.mu.Unlock()
	close(h.done)

	var firstErr error
	if err := h.rdb.HDel(ctx, h.memberKey(), h.selfID).Err(); err != nil {
		firstErr = fmt.Errorf("deregister member: %w", err)
	}
	if err := h.publish(ctx, event{Type: eventLeave, UserID: h.selfID}); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := h.pubsub.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("close presence subscription: %w", err)
	}
	return firstErr
}

// BroadcastCursor publishes our cursor position, at most once per configured
// interval. Calls inside the interval return immediately without sending.
func (h *Hub) BroadcastCursor(ctx context.Context, x, y float64) error {
	if !h.limiter.Allow() {
		return nil
	}
	return h.publish(ctx, event{Type: eventCursor, UserID: h.selfID, X: x, Y: y})
}

// Peers returns the current peer list: every member except self, with the
// last known cursor joined in where one exists. Sorted by user id.
func (h *Hub) Peers() []Peer {
	h.mu.Lock()
	defer h.mu.Unlock()
	peers := make([]Peer, 0, len(h.members))
	for id, name := range h.members {
		p := Peer{UserID: id, Name: name}
		if c, ok := h.cursors[id]; ok {
			cur := c
			p.Cursor = &cur
		}
		peers = append(peers, p)
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i].UserID < peers[j].UserID })
	return peers
}

func (h *Hub) publish(ctx context.Context, ev event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode presence event: %w", err)
	}
	if err := h.rdb.Publish(ctx, h.channel(), payload).Err(); err != nil {
		return fmt.Errorf("publish presence event: %w", err)
	}
	return nil
}

func (h *Hub) rebuildMembers(ctx context.Context) error {
	snapshot, err := h.rdb.HGetAll(ctx, h.memberKey()).Result()
	if err != nil {
		return fmt.Errorf("read member snapshot: %w", err)
	}
	delete(snapshot, h.selfID)

	h.mu.Lock()
	h.members = snapshot
	for id := range h.cursors {
		if _, ok := snapshot[id]; !ok {
			delete(h.cursors, id)
		}
	}
	h.mu.Unlock()
	return nil
}

func (h *Hub) receive(ch <-chan *redis.Message) {
	ctx := context.Background()
	for {
		select {
		case <-h.done:
			return
		case msg, ok := <-ch:
			if !ok {
				// Transport dropped the subscription: disconnected presence
				// state, membership cleared. Reconnection is the transport
				// owner's call, not ours.
				h.mu.Lock()
				h.members = make(map[string]string)
				h.cursors = make(map[string]Cursor)
				h.mu.Unlock()
				h.notify()
				return
			}
			h.handle(ctx, []byte(msg.Payload))
		}
	}
}

func (h *Hub) handle(ctx context.Context, payload []byte) {
	var ev event
	if err := json.Unmarshal(payload, &ev); err != nil || !ev.valid() {
		return // malformed events are dropped silently
	}
	if ev.UserID == h.selfID {
		return
	}
	switch ev.Type {
	case eventJoin, eventLeave:
		if err := h.rebuildMembers(ctx); err != nil {
			return
		}
		if ev.Type == eventLeave {
			h.mu.Lock()
			delete(h.members, ev.UserID)
			delete(h.cursors, ev.UserID)
			h.mu.Unlock()
		}
	case eventCursor:
		h.mu.Lock()
		h.cursors[ev.UserID] = Cursor{X: ev.X, Y: ev.Y}
		h.mu.Unlock()
	}
	h.notify()
}

func (h *Hub) notify() {
	if h.onChange != nil {
		h.onChange()
	}
}
