package app

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"chalkboard/api/internal/board"
	"chalkboard/api/internal/session"
	"chalkboard/api/internal/spatial"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// clientMessage is everything a connected client may send. Action selects
// the variant; unknown or incomplete messages are dropped, never applied.
type clientMessage struct {
	Action string       `json:"action"`
	ID     string       `json:"id,omitempty"`
	Create *createBody  `json:"create,omitempty"`
	Patch  *board.Patch `json:"patch,omitempty"`
	X      float64      `json:"x"`
	Y      float64      `json:"y"`
	Rect   *rectBody    `json:"rect,omitempty"`
}

type createBody struct {
	Type       board.ElementType `json:"type"`
	X          float64           `json:"x"`
	Y          float64           `json:"y"`
	Width      float64           `json:"width"`
	Height     float64           `json:"height"`
	Color      string            `json:"color"`
	Text       string            `json:"text"`
	Properties map[string]any    `json:"properties,omitempty"`
}

type rectBody struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	W float64 `json:"w"`
	H float64 `json:"h"`
}

type serverMessage struct {
	Type     string          `json:"type"`
	Elements []board.Element `json:"elements,omitempty"`
	Peers    any             `json:"peers,omitempty"`
	TempID   string          `json:"temp_id,omitempty"`
	IDs      []string        `json:"ids,omitempty"`
	Error    string          `json:"error,omitempty"`
}

// handleBoardSocket bridges one websocket connection to one board session.
// The session's event loop does the reconciliation; this handler only
// translates between the wire and the session API.
func (s *HTTPServer) handleBoardSocket(w http.ResponseWriter, r *http.Request) {
	boardID := mux.Vars(r)["boardID"]
	userID := r.URL.Query().Get("user_id")
	userName := r.URL.Query().Get("name")
	if boardID == "" || userID == "" {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "board id and user_id required", nil)
		return
	}
	if userName == "" {
		userName = userID
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("websocket upgrade for %s: %v", boardID, err)
		return
	}
	defer conn.Close()

	sess, err := s.service.OpenSession(r.Context(), boardID, userID, userName)
	if err != nil {
		log.Printf("open session for %s: %v", boardID, err)
		_ = conn.WriteJSON(serverMessage{Type: "error", Error: "failed to join board"})
		return
	}
	closeCtx := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = sess.Close(ctx)
	}
	defer closeCtx()

	// Writer: push fresh state whenever the session signals a change. The
	// signals are coalesced; every push re-reads current state.
	writes := make(chan serverMessage, 16)
	go func() {
		for {
			select {
			case <-sess.Done():
				return
			case ev := <-sess.Events():
				switch ev.Kind {
				case session.ElementsChanged:
					if els, err := sess.Elements(); err == nil {
						sendOrDone(sess, writes, serverMessage{Type: "elements", Elements: els})
					}
				case session.PeersChanged:
					sendOrDone(sess, writes, serverMessage{Type: "peers", Peers: sess.Peers()})
				}
			}
		}
	}()
	go func() {
		for {
			select {
			case <-sess.Done():
				return
			case msg := <-writes:
				if err := conn.WriteJSON(msg); err != nil {
					return
				}
			}
		}
	}()

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			return // disconnect tears the session down via defer
		}
		var msg clientMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			continue
		}
		s.dispatch(r.Context(), sess, writes, msg)
	}
}

type boardSession interface {
	CreateElement(in board.CreateInput) (string, error)
	UpdateElement(id string, patch board.Patch) error
	UpdateElementVolatile(id string, patch board.Patch) error
	DeleteElement(id string) error
	BroadcastCursor(ctx context.Context, x, y float64) error
	HitTest(x, y float64) ([]string, error)
	Marquee(r spatial.Rect) ([]string, error)
}

func (s *HTTPServer) dispatch(ctx context.Context, sess boardSession, writes chan<- serverMessage, msg clientMessage) {
	switch msg.Action {
	case "create":
		if msg.Create == nil || !board.ValidType(msg.Create.Type) {
			return
		}
		tempID, err := sess.CreateElement(board.CreateInput{
			Type:       msg.Create.Type,
			X:          msg.Create.X,
			Y:          msg.Create.Y,
			Width:      msg.Create.Width,
			Height:     msg.Create.Height,
			Color:      msg.Create.Color,
			Text:       msg.Create.Text,
			Properties: msg.Create.Properties,
		})
		if err != nil {
			return
		}
		trySend(writes, serverMessage{Type: "created", TempID: tempID})
	case "update":
		if msg.ID == "" || msg.Patch == nil {
			return
		}
		_ = sess.UpdateElement(msg.ID, *msg.Patch)
	case "update_volatile":
		if msg.ID == "" || msg.Patch == nil {
			return
		}
		_ = sess.UpdateElementVolatile(msg.ID, *msg.Patch)
	case "delete":
		if msg.ID == "" {
			return
		}
		_ = sess.DeleteElement(msg.ID)
	case "cursor":
		_ = sess.BroadcastCursor(ctx, msg.X, msg.Y)
	case "hit_test":
		if ids, err := sess.HitTest(msg.X, msg.Y); err == nil {
			trySend(writes, serverMessage{Type: "hits", IDs: ids})
		}
	case "marquee":
		if msg.Rect == nil {
			return
		}
		rect := spatial.Rect{X: msg.Rect.X, Y: msg.Rect.Y, W: msg.Rect.W, H: msg.Rect.H}
		if ids, err := sess.Marquee(rect); err == nil {
			trySend(writes, serverMessage{Type: "hits", IDs: ids})
		}
	}
}

func sendOrDone(sess *session.Session, writes chan<- serverMessage, msg serverMessage) {
	select {
	case writes <- msg:
	case <-sess.Done():
	}
}

func trySend(writes chan<- serverMessage, msg serverMessage) {
	select {
	case writes <- msg:
	default:
	}
}
