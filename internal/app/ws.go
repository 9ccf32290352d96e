package app

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"abode/collab/internal/notify"
	"abode/collab/internal/presence"
	"abode/collab/internal/rbac"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 30 * time.Second
	wsReadLimit  = 64 << 10
	wsSendBuffer = 256
	// A full send buffer logs the first drop and every wsDropLogEvery after.
	wsDropLogEvery = 100
)

// Frame types a client may send.
const (
	frameCursor    = "cursor"
	frameSelection = "selection"
	frameHeartbeat = "heartbeat"
)

type clientFrame struct {
	Type      string              `json:"type"`
	Cursor    *presence.Cursor    `json:"cursor,omitempty"`
	Selection *presence.Selection `json:"selection,omitempty"`
}

type serverFrame struct {
	Type         string               `json:"type"`
	Presence     *presence.Event      `json:"presence,omitempty"`
	Session      *presence.Session    `json:"session,omitempty"`
	Users        []presence.Session   `json:"users,omitempty"`
	Notification *notify.Notification `json:"notification,omitempty"`
	Error        string               `json:"error,omitempty"`
}

// outbox is a connection's send queue. offer never blocks: when the client is
// too slow to drain the queue the frame is dropped and counted.
type outbox struct {
	frames  chan serverFrame
	dropped atomic.Int64
	log     zerolog.Logger
}

func newOutbox(size int, log zerolog.Logger) *outbox {
	return &outbox{frames: make(chan serverFrame, size), log: log}
}

func (o *outbox) offer(frame serverFrame) bool {
	select {
	case o.frames <- frame:
		return true
	default:
	}
	n := o.dropped.Add(1)
	if n == 1 || n%wsDropLogEvery == 0 {
		o.log.Warn().
			Str("frame", frame.Type).
			Int64("dropped", n).
			Msg("websocket send buffer full, frame dropped")
	}
	return false
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// handleWebSocket joins the caller to a project's presence for as long as the
// socket stays open. Browsers cannot set headers on an upgrade request, so the
// token may also come from ?token=.
func (s *HTTPServer) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		token = strings.TrimSpace(r.URL.Query().Get("token"))
	}
	id, ok := s.authenticate(w, r, token)
	if !ok {
		return
	}
	projectID := strings.TrimSpace(r.URL.Query().Get("projectId"))
	if projectID == "" {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "projectId is required", nil)
		return
	}
	if !s.service.CheckPermission(r.Context(), projectID, id.UserID, rbac.CanView) {
		writeError(w, http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
		return
	}

	up := upgrader
	up.CheckOrigin = s.checkOrigin
	conn, err := up.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Str("project_id", projectID).Msg("websocket upgrade failed")
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Subscribe before joining so nothing published after the welcome frame
	// is missed. The caller's own events are filtered out below.
	presenceSub := s.service.OnPresence(projectID)
	cursorSub := s.service.OnCursorMove(projectID)
	selectionSub := s.service.OnSelectionChange(projectID)
	notificationSub := s.service.OnNotification(id.UserID)
	defer presenceSub.Close()
	defer cursorSub.Close()
	defer selectionSub.Close()
	defer notificationSub.Close()

	session, err := s.service.JoinProject(ctx, projectID, id.UserID, id.DisplayName)
	if err != nil {
		_, _, message, _ := mapError(err)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, message),
			time.Now().Add(wsWriteWait))
		_ = conn.Close()
		return
	}

	log := s.logger.With().
		Str("project_id", projectID).
		Str("user_id", id.UserID).
		Logger()
	log.Info().Msg("websocket connected")

	box := newOutbox(wsSendBuffer, log)
	box.offer(serverFrame{Type: "welcome", Session: &session, Users: s.service.GetActiveUsers(ctx, projectID)})

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.writePump(ctx, conn, box.frames, func() {
			forward := func(kind string, evt presence.Event) {
				e := evt
				box.offer(serverFrame{Type: kind, Presence: &e})
			}
			for {
				select {
				case <-ctx.Done():
					return
				case evt, ok := <-presenceSub.C():
					if !ok {
						return
					}
					if evt.UserID != id.UserID {
						forward("presence", evt)
					}
				case evt, ok := <-cursorSub.C():
					if !ok {
						return
					}
					if evt.UserID != id.UserID {
						forward("cursor", evt)
					}
				case evt, ok := <-selectionSub.C():
					if !ok {
						return
					}
					if evt.UserID != id.UserID {
						forward("selection", evt)
					}
				case n, ok := <-notificationSub.C():
					if !ok {
						return
					}
					box.offer(serverFrame{Type: "notification", Notification: &n})
				}
			}
		})
	}()

	clean := s.readPump(ctx, conn, projectID, id.UserID, box)
	cancel()
	<-done

	// A socket that dies without a close frame is treated like a lapsed
	// heartbeat.
	if clean {
		s.service.LeaveProject(context.Background(), projectID, id.UserID)
	} else {
		s.service.ExpireSession(context.Background(), projectID, id.UserID)
	}
	log.Info().
		Bool("clean_close", clean).
		Int64("dropped_frames", box.dropped.Load()).
		Msg("websocket disconnected")
}

// readPump serves client frames until the socket fails. It reports whether
// the client closed the socket normally.
func (s *HTTPServer) readPump(ctx context.Context, conn *websocket.Conn, projectID, userID string, box *outbox) bool {
	defer conn.Close()
	conn.SetReadLimit(wsReadLimit)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				return true
			}
			s.logger.Warn().Err(err).Str("user_id", userID).Msg("websocket read")
			return false
		}
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))

		var frame clientFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			box.offer(serverFrame{Type: "error", Error: "invalid frame"})
			continue
		}
		if err := s.applyFrame(ctx, projectID, userID, frame); err != nil {
			_, _, message, _ := mapError(err)
			box.offer(serverFrame{Type: "error", Error: message})
		}
	}
}

func (s *HTTPServer) applyFrame(ctx context.Context, projectID, userID string, frame clientFrame) error {
	switch frame.Type {
	case frameCursor:
		if frame.Cursor == nil {
			return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "cursor is required", nil)
		}
		_, err := s.service.UpdateCursor(ctx, projectID, userID, *frame.Cursor)
		return err
	case frameSelection:
		if frame.Selection == nil {
			return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "selection is required", nil)
		}
		_, err := s.service.UpdateSelection(ctx, projectID, userID, *frame.Selection)
		return err
	case frameHeartbeat:
		_, err := s.service.Heartbeat(ctx, projectID, userID)
		return err
	default:
		return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "unknown frame type", nil)
	}
}

// writePump owns every write on conn. fanIn feeds subscription traffic into
// the same queue as replies from the read side.
func (s *HTTPServer) writePump(ctx context.Context, conn *websocket.Conn, send <-chan serverFrame, fanIn func()) {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()
	go fanIn()

	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(wsWriteWait))
			return
		case frame := <-send:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(frame); err != nil {
				conn.Close()
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				conn.Close()
				return
			}
		}
	}
}

func (s *HTTPServer) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || s.corsOrigin == "*" {
		return true
	}
	return origin == s.corsOrigin
}

