package apihttp

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"musehub/searchservice/internal/domain"
	"musehub/searchservice/internal/search"
)

var sessionUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// sessionCommand is what the browser sends over the session socket.
type sessionCommand struct {
	Action string `json:"action"`
	Query  string `json:"query,omitempty"`
	Page   int    `json:"page,omitempty"`
	Source string `json:"source,omitempty"`
	ID     string `json:"id,omitempty"`
}

type sessionMessage struct {
	Type  string               `json:"type"`
	State *search.SessionState `json:"state,omitempty"`
	Item  *domain.ResultItem   `json:"item,omitempty"`
	Error *sessionErrorBody    `json:"error,omitempty"`
}

type sessionErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type sessionClient struct {
	conn      *websocket.Conn
	session   *search.Session
	logger    *slog.Logger
	send      chan []byte
	done      chan struct{}
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// handleSession upgrades the connection and binds exactly one search session
// to it; closing the socket closes the session.
func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/search/session" {
		http.NotFound(w, r)
		return
	}
	if s.search == nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "search service is not configured")
		return
	}

	conn, err := sessionUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}

	connCtx, cancel := context.WithCancel(context.Background())
	client := &sessionClient{
		conn: conn,
		session: search.NewSession(s.search, s.results, s.items,
			search.WithSessionPageSize(s.sessionPageSize)),
		logger: s.logger,
		send:   make(chan []byte, 64),
		done:   make(chan struct{}),
		cancel: cancel,
	}

	s.logger.Info("session opened", slog.String("sessionId", client.session.ID()))

	go client.writePump()
	go client.forwardEvents()
	client.enqueueState(client.session.State())
	client.readPump(connCtx)
	client.close()
	s.logger.Info("session closed", slog.String("sessionId", client.session.ID()))
}

func (c *sessionClient) close() {
	c.closeOnce.Do(func() {
		c.cancel()
		c.session.Close()
		close(c.done)
	})
}

func (c *sessionClient) readPump(ctx context.Context) {
	defer c.conn.Close()
	c.conn.SetReadLimit(4096)
	_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, payload, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))

		var cmd sessionCommand
		if err := json.Unmarshal(payload, &cmd); err != nil {
			c.enqueueError("invalid_request", "malformed command")
			continue
		}
		c.dispatch(ctx, cmd)
	}
}

func (c *sessionClient) dispatch(ctx context.Context, cmd sessionCommand) {
	switch strings.ToLower(strings.TrimSpace(cmd.Action)) {
	case "search":
		if err := c.session.Search(cmd.Query); err != nil {
			c.enqueueError("invalid_request", err.Error())
		}
	case "page":
		c.session.ChangePage(cmd.Page)
	case "refresh":
		if err := c.session.Refresh(); err != nil {
			c.enqueueError("invalid_request", err.Error())
		}
	case "cancel":
		c.session.Cancel()
	case "details":
		// Detail lookups run off the command loop so a slow upstream never
		// blocks cancel.
		go c.fetchDetails(ctx, cmd)
	default:
		c.enqueueError("invalid_request", "unknown action")
	}
}

func (c *sessionClient) fetchDetails(ctx context.Context, cmd sessionCommand) {
	source, ok := domain.ParseSourceID(strings.ToLower(strings.TrimSpace(cmd.Source)))
	if !ok {
		c.enqueueError("invalid_request", "unknown source")
		return
	}
	id := strings.TrimSpace(cmd.ID)
	if id == "" {
		c.enqueueError("invalid_request", "id is required")
		return
	}

	fetchCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	item, err := c.session.ItemDetails(fetchCtx, source, id)
	if err != nil {
		_, code := statusForKind(domain.KindOf(err))
		c.enqueueError(code, err.Error())
		return
	}
	c.enqueue(sessionMessage{Type: "item", Item: item})
}

func (c *sessionClient) forwardEvents() {
	for state := range c.session.Events() {
		c.enqueueState(state)
	}
}

func (c *sessionClient) enqueueState(state search.SessionState) {
	c.enqueue(sessionMessage{Type: "state", State: &state})
}

func (c *sessionClient) enqueueError(code, message string) {
	c.enqueue(sessionMessage{Type: "error", Error: &sessionErrorBody{Code: code, Message: message}})
}

func (c *sessionClient) enqueue(message sessionMessage) {
	payload, err := json.Marshal(message)
	if err != nil {
		c.logger.Error("session message marshal failed", slog.String("error", err.Error()))
		return
	}
	select {
	case <-c.done:
	case c.send <- payload:
	default:
		// Slow consumer, drop this frame; the next state snapshot supersedes it.
	}
}

func (c *sessionClient) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			_ = c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
