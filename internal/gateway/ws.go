package gateway

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/vibe80/vibe80/internal/common/apierr"
	"github.com/vibe80/vibe80/internal/common/logger"
	"github.com/vibe80/vibe80/internal/events"
	"github.com/vibe80/vibe80/pkg/protocol"
)

const (
	// writeWait bounds a single frame write.
	writeWait = 10 * time.Second

	// pingInterval drives the keepalive ticker; pongWait gives the
	// client one round trip plus slack to answer before the read
	// deadline fires.
	pingInterval = 25 * time.Second
	pongWait     = pingInterval + 10*time.Second

	// authWait bounds how long an unauthenticated socket may sit
	// before its first auth frame.
	authWait = 10 * time.Second

	maxMessageSize = 512 * 1024
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// wsClient is one WebSocket connection bound to a session. Ordered
// events arrive through the stream subscriber; direct carries
// connection-local responses such as pongs and frame rejections.
type wsClient struct {
	id          string
	conn        *websocket.Conn
	server      *Server
	sessionID   string
	workspaceID string
	sub         *events.Subscriber
	direct      chan protocol.Event
	logger      *logger.Logger
}

// handleSocket authenticates, binds the connection to one session and
// runs the pumps. The token arrives as ?token= or, failing that, as the
// first frame on the socket.
func (s *Server) handleSocket(c *gin.Context) {
	sessionID := c.Query("session")
	if sessionID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "session query parameter is required"})
		return
	}

	workspaceID := ""
	if token := c.Query("token"); token != "" {
		wsID, err := s.authenticate(token)
		if err != nil {
			writeError(c, err)
			return
		}
		workspaceID = wsID
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	if workspaceID == "" {
		workspaceID, err = s.awaitAuthFrame(conn)
		if err != nil {
			rejectSocket(conn, err)
			return
		}
	}

	owner, err := s.sessionOwner(c.Request.Context(), sessionID)
	if err != nil {
		rejectSocket(conn, err)
		return
	}
	if owner != workspaceID {
		rejectSocket(conn, apierr.Forbidden("session belongs to another workspace"))
		return
	}

	clientID := uuid.NewString()
	client := &wsClient{
		id:          clientID,
		conn:        conn,
		server:      s,
		sessionID:   sessionID,
		workspaceID: workspaceID,
		sub:         s.stream.Subscribe(sessionID),
		direct:      make(chan protocol.Event, 16),
		logger: s.logger.WithFields(
			zap.String("client_id", clientID[:8]),
			zap.String("session_id", sessionID)),
	}

	// Push the current worktree set so a reconnecting client can render
	// before its first sync.
	if wts, listErr := s.worktrees.List(c.Request.Context(), sessionID); listErr == nil {
		client.directSend(protocol.NewWorktreesList(wts))
	}

	client.logger.Info("websocket connected", zap.String("workspace_id", workspaceID))
	go client.writePump()
	client.readPump(c.Request.Context())
}

// awaitAuthFrame reads the first frame of a socket that carried no
// query token. Anything but a valid auth frame rejects the connection.
func (s *Server) awaitAuthFrame(conn *websocket.Conn) (string, error) {
	if err := conn.SetReadDeadline(time.Now().Add(authWait)); err != nil {
		return "", apierr.Internal("failed to arm auth deadline", err)
	}
	_, data, err := conn.ReadMessage()
	if err != nil {
		return "", apierr.Auth("authentication required")
	}
	frame, err := protocol.ParseClientFrame(data)
	if err != nil || frame.Type != protocol.FrameAuth {
		return "", apierr.Auth("first frame must be auth")
	}
	return s.authenticate(frame.Token)
}

// rejectSocket reports a post-upgrade failure and closes the socket.
func rejectSocket(conn *websocket.Conn, err error) {
	apiErr := apierr.From(err)
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	conn.WriteJSON(protocol.NewErrorFrame("", apiErr.Code, apiErr.Message))
	conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, apiErr.Message))
	conn.Close()
}

// sessionOwner resolves the owning workspace through the TTL cache.
func (s *Server) sessionOwner(ctx context.Context, sessionID string) (string, error) {
	now := time.Now()
	if owner, ok := s.owners.get(sessionID, now); ok {
		return owner, nil
	}
	sess, err := s.sessions.Get(ctx, sessionID)
	if err != nil {
		return "", err
	}
	s.owners.put(sessionID, sess.WorkspaceID, now)
	return sess.WorkspaceID, nil
}

func (wc *wsClient) readPump(ctx context.Context) {
	defer func() {
		wc.sub.Close()
		wc.conn.Close()
		wc.logger.Info("websocket disconnected")
	}()

	wc.conn.SetReadLimit(maxMessageSize)
	wc.conn.SetReadDeadline(time.Now().Add(pongWait))
	wc.conn.SetPongHandler(func(string) error {
		wc.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := wc.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				wc.logger.Warn("websocket read failed", zap.Error(err))
			}
			return
		}
		wc.handleFrame(ctx, data)
	}
}

func (wc *wsClient) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		wc.conn.Close()
	}()

	for {
		select {
		case ev, ok := <-wc.sub.Events():
			if !ok {
				reason := wc.sub.CloseReason()
				code := websocket.CloseGoingAway
				if reason == protocol.CodeSlowConsumer {
					code = websocket.ClosePolicyViolation
				}
				wc.conn.SetWriteDeadline(time.Now().Add(writeWait))
				wc.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(code, reason))
				return
			}
			if err := wc.writeEvent(ev); err != nil {
				return
			}
		case ev := <-wc.direct:
			if err := wc.writeEvent(ev); err != nil {
				return
			}
		case <-ticker.C:
			wc.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := wc.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (wc *wsClient) writeEvent(ev protocol.Event) error {
	wc.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := wc.conn.WriteJSON(ev); err != nil {
		wc.logger.Warn("websocket write failed", zap.Error(err))
		return err
	}
	return nil
}

// handleFrame dispatches one client frame. Rejections surface as error
// events on this connection only; the shared stream never sees them.
func (wc *wsClient) handleFrame(ctx context.Context, data []byte) {
	frame, err := protocol.ParseClientFrame(data)
	if err != nil {
		wc.directSend(protocol.NewErrorFrame("", "", "invalid frame"))
		return
	}

	worktreeID := frame.WorktreeID
	if worktreeID == "" {
		worktreeID = protocol.MainWorktreeID
	}
	agents := wc.server.agents

	switch frame.Type {
	case protocol.FrameAuth:
		// The socket is already authenticated; relay provider
		// credentials to the agent.
		if err := agents.ForwardAuth(ctx, wc.sessionID, worktreeID, frame.Token); err != nil {
			wc.frameError(frame.WorktreeID, err)
		}
	case protocol.FrameUserMessage, protocol.FrameWorktreeSendMessage:
		if err := agents.SendUserMessage(ctx, wc.sessionID, worktreeID, frame.Text, frame.Attachments); err != nil {
			wc.frameError(frame.WorktreeID, err)
		}
	case protocol.FrameSwitchProvider:
		if err := agents.SwitchProvider(ctx, wc.sessionID, worktreeID, frame.Provider, frame.Model); err != nil {
			wc.frameError(frame.WorktreeID, err)
		}
	case protocol.FrameInterrupt:
		if err := agents.Interrupt(ctx, wc.sessionID, worktreeID, frame.TurnID); err != nil {
			wc.frameError(frame.WorktreeID, err)
		}
	case protocol.FrameWakeUp:
		if err := agents.WakeUp(ctx, wc.sessionID, worktreeID); err != nil {
			wc.frameError(frame.WorktreeID, err)
		}
	case protocol.FramePing:
		wc.directSend(protocol.NewPong())
		// Keep the agent's idle clock honest too; failures are not the
		// client's problem.
		_ = agents.Ping(ctx, wc.sessionID, worktreeID)
	case protocol.FrameWorktreeMessagesSync:
		if err := wc.sub.Sync(ctx, worktreeID, frame.LastSeenMessageID); err != nil {
			wc.logger.Debug("sync on closed subscriber", zap.Error(err))
		}
	}
}

func (wc *wsClient) frameError(worktreeID string, err error) {
	apiErr := apierr.From(err)
	wc.directSend(protocol.NewErrorFrame(worktreeID, apiErr.Code, apiErr.Message))
}

func (wc *wsClient) directSend(ev protocol.Event) {
	select {
	case wc.direct <- ev:
	default:
		wc.logger.Warn("dropping direct frame, client not draining",
			zap.String("event", ev.EventType()))
	}
}
