// internal/handlers/match_ws.go
package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/tommar21/matchroom/internal/match"
	"github.com/tommar21/matchroom/internal/middleware"
	"github.com/tommar21/matchroom/internal/models"
	"github.com/tommar21/matchroom/internal/roomstore"
)

// ClientMessage is one action received on the match socket.
type ClientMessage struct {
	Type string `json:"type"`

	// Game and Stake parameterize quick_match, create_private and join.
	Game  string `json:"game,omitempty"`
	Stake int64  `json:"stake,omitempty"`

	// RoomID targets join.
	RoomID string `json:"room_id,omitempty"`

	// Move carries the opaque rules payload for move.
	Move json.RawMessage `json:"move,omitempty"`

	// Amount is the proposal for propose_stake.
	Amount int64 `json:"amount,omitempty"`
}

// ServerEvent is one message pushed to the match socket.
type ServerEvent struct {
	Type     string        `json:"type"`
	Room     *models.Room  `json:"room,omitempty"`
	Conflict bool          `json:"conflict,omitempty"`
	Wager    *models.Wager `json:"wager,omitempty"`
	WinnerID string        `json:"winner_id,omitempty"`
	Draw     bool          `json:"draw,omitempty"`
	Stake    int64         `json:"stake,omitempty"`
	By       string        `json:"by,omitempty"`
	RoomID   string        `json:"room_id,omitempty"`
	State    string        `json:"state,omitempty"`
	Message  string        `json:"message,omitempty"`
}

// wsClient is one connected socket plus its active session, if any.
type wsClient struct {
	conn   *websocket.Conn
	log    *logrus.Logger
	userID string

	mu   sync.Mutex
	sess *match.Session
}

// MatchWSHandler upgrades the connection to the "match" subprotocol and runs
// the action loop. One socket drives at most one live session; starting a
// new match detaches the previous session without touching its room.
func (g *Gateway) MatchWSHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		// Authenticate before Accept so a fresh guest cookie still fits in
		// the handshake response.
		userID, err := g.EnsureGuest(w, r)
		if err != nil {
			g.Log.Warnf("Guest auth failed: %v", err)
			http.Error(w, "authentication failed", http.StatusInternalServerError)
			return
		}

		c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			Subprotocols:   []string{"match"},
			OriginPatterns: []string{"*"}, // tighten for production
		})
		if err != nil {
			g.Log.Warnf("WebSocket accept error: %v", err)
			return
		}
		defer c.Close(websocket.StatusInternalError, "handler exit")

		if c.Subprotocol() != "match" {
			c.Close(websocket.StatusCode(BadSubprotocolError), "client must speak the 'match' subprotocol")
			return
		}
		middleware.LogSocketConnect(g.Log, r.RemoteAddr, userID)

		cl := &wsClient{conn: c, log: g.Log, userID: userID}
		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		readErr := cl.readLoop(ctx, g)
		cl.detach()
		middleware.LogSocketDisconnect(g.Log, r.RemoteAddr, userID, readErr)
		c.Close(websocket.StatusNormalClosure, "bye")
	}
}

func (cl *wsClient) readLoop(ctx context.Context, g *Gateway) error {
	for {
		msgType, data, err := cl.conn.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway || ctx.Err() != nil {
				return nil
			}
			return err
		}
		if msgType != websocket.MessageText {
			continue
		}
		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			cl.send(ServerEvent{Type: "error", Message: "invalid JSON"})
			continue
		}
		cl.dispatch(ctx, g, msg)
	}
}

func (cl *wsClient) dispatch(ctx context.Context, g *Gateway, msg ClientMessage) {
	switch msg.Type {
	case "quick_match":
		sess, err := g.Engine.QuickMatch(ctx, cl.userID, match.MatchOptions{GameKind: msg.Game, Stake: msg.Stake})
		if err != nil {
			cl.sendError(err)
			return
		}
		cl.adopt(ctx, sess)

	case "create_private":
		sess, err := g.Engine.CreatePrivate(ctx, cl.userID, match.MatchOptions{GameKind: msg.Game, Stake: msg.Stake})
		if err != nil {
			cl.sendError(err)
			return
		}
		cl.adopt(ctx, sess)

	case "join":
		roomID, err := uuid.Parse(msg.RoomID)
		if err != nil {
			cl.send(ServerEvent{Type: "error", Message: "invalid room_id"})
			return
		}
		sess, err := g.Engine.Join(ctx, cl.userID, roomID, msg.Stake)
		if err != nil {
			cl.sendError(err)
			return
		}
		cl.adopt(ctx, sess)

	case "move":
		cl.withSession(func(s *match.Session) (*match.Result, error) {
			return s.SubmitMove(ctx, msg.Move)
		})
	case "propose_stake":
		cl.withSession(func(s *match.Session) (*match.Result, error) {
			return s.ProposeStake(ctx, msg.Amount)
		})
	case "accept_stake":
		cl.withSession(func(s *match.Session) (*match.Result, error) {
			return s.AcceptStake(ctx)
		})
	case "skip_stake":
		cl.withSession(func(s *match.Session) (*match.Result, error) {
			return s.SkipStake(ctx)
		})
	case "rematch_request":
		cl.withSession(func(s *match.Session) (*match.Result, error) {
			return s.RequestRematch(ctx)
		})
	case "rematch_accept":
		cl.withSession(func(s *match.Session) (*match.Result, error) {
			return s.AcceptRematch(ctx)
		})
	case "rematch_decline":
		cl.withSession(func(s *match.Session) (*match.Result, error) {
			return s.DeclineRematch(ctx)
		})

	case "leave":
		sess := cl.take()
		if sess == nil {
			cl.send(ServerEvent{Type: "error", Message: "no active room"})
			return
		}
		if err := sess.Leave(ctx); err != nil {
			cl.sendError(err)
		}
		cl.send(ServerEvent{Type: "left"})

	default:
		cl.send(ServerEvent{Type: "error", Message: "unknown action: " + msg.Type})
	}
}

// withSession runs one session action and reports a lost race as a conflict
// event carrying the fresh room. Applied snapshots reach the client through
// the session's room events, so a plain success needs no extra reply here.
func (cl *wsClient) withSession(fn func(*match.Session) (*match.Result, error)) {
	cl.mu.Lock()
	sess := cl.sess
	cl.mu.Unlock()
	if sess == nil {
		cl.send(ServerEvent{Type: "error", Message: "no active room"})
		return
	}
	res, err := fn(sess)
	if err != nil {
		cl.sendError(err)
		return
	}
	if res.Conflict {
		cl.send(ServerEvent{Type: "conflict", Room: res.Room, Conflict: true})
	}
}

// adopt wires callbacks, starts reconciling, and swaps the active session.
func (cl *wsClient) adopt(ctx context.Context, sess *match.Session) {
	sess.OnRoomUpdate = func(room *models.Room) {
		cl.send(ServerEvent{Type: "room", Room: room})
	}
	sess.OnWagerUpdate = func(w models.Wager) {
		cl.send(ServerEvent{Type: "wager", Wager: &w})
	}
	sess.OnGameFinished = func(o match.Outcome) {
		cl.send(ServerEvent{Type: "finished", WinnerID: o.WinnerID, Draw: o.Draw, Stake: o.Stake})
	}
	sess.OnRematchRequested = func(by string) {
		cl.send(ServerEvent{Type: "rematch_requested", By: by})
	}
	sess.OnRematchSpawned = func(id uuid.UUID) {
		cl.send(ServerEvent{Type: "rematch_spawned", RoomID: id.String()})
	}
	sess.OnRematchDeclined = func() {
		cl.send(ServerEvent{Type: "rematch_declined"})
	}
	sess.OnConnectivity = func(c roomstore.Connectivity) {
		cl.send(ServerEvent{Type: "connectivity", State: string(c)})
	}
	sess.OnRoomClosed = func() {
		cl.send(ServerEvent{Type: "room_closed"})
	}
	sess.OnError = func(err error) {
		cl.sendError(err)
	}

	if err := sess.Start(ctx); err != nil {
		cl.sendError(err)
		return
	}
	cl.mu.Lock()
	old := cl.sess
	cl.sess = sess
	cl.mu.Unlock()
	if old != nil {
		old.Close()
	}
	cl.send(ServerEvent{Type: "room", Room: sess.Room()})
}

func (cl *wsClient) take() *match.Session {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	sess := cl.sess
	cl.sess = nil
	return sess
}

// detach closes the active session without leaving the room; an unclaimed
// or running room stays in the store for a reconnect.
func (cl *wsClient) detach() {
	if sess := cl.take(); sess != nil {
		sess.Close()
	}
}

// send marshals and writes asynchronously. The connection serializes
// concurrent writers internally; clients order room snapshots by revision,
// not by arrival.
func (cl *wsClient) send(ev ServerEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		cl.log.Errorf("Failed to marshal %s event: %v", ev.Type, err)
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := cl.conn.Write(ctx, websocket.MessageText, data); err != nil {
			cl.log.Debugf("Write to %s failed: %v", cl.userID, err)
		}
	}()
}

func (cl *wsClient) sendError(err error) {
	cl.send(ServerEvent{Type: "error", Message: err.Error()})
}
