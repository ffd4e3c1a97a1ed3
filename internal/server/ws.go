package server

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"arbiter/internal/types"
)

// Client-to-server message kinds.
const (
	wsMsgTask    = "task"
	wsMsgApprove = "approve"
	wsMsgDecline = "decline"
)

const wsWriteTimeout = 10 * time.Second

// wsClientMessage is the inbound frame.
type wsClientMessage struct {
	Type    string `json:"type"`
	TaskID  string `json:"taskId,omitempty"`
	Payload struct {
		Task    types.TaskDefinition `json:"task"`
		Agent   string               `json:"agent,omitempty"`
		Company string               `json:"company,omitempty"`
	} `json:"payload,omitempty"`
	Correction string `json:"correction,omitempty"`
}

// wsConn serializes writes; the event pump and the read-loop replies share
// the socket.
type wsConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (w *wsConn) writeJSON(v any) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	_ = w.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return w.conn.WriteJSON(v)
}

func (w *wsConn) writeRaw(data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	_ = w.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return w.conn.WriteMessage(websocket.TextMessage, data)
}

// handleWebSocket upgrades the connection, pumps the event firehose out, and
// consumes task/approve/decline messages in.
func (s *Server) handleWebSocket(c *gin.Context) {
	raw, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("server: ws upgrade: %v", err)
		return
	}
	conn := &wsConn{conn: raw}
	defer raw.Close()

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	events, unsubscribe := s.deps.Orchestrator.Events().Subscribe("")
	defer unsubscribe()

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-events:
				if !ok {
					return
				}
				frame, err := types.MarshalEvent(event)
				if err != nil {
					s.logger.Warn("server: ws encode event: %v", err)
					continue
				}
				if err := conn.writeRaw(frame); err != nil {
					cancel()
					return
				}
			}
		}
	}()

	for {
		var msg wsClientMessage
		if err := raw.ReadJSON(&msg); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("server: ws read: %v", err)
			}
			return
		}
		s.dispatchWSMessage(ctx, conn, msg)
	}
}

func (s *Server) dispatchWSMessage(ctx context.Context, conn *wsConn, msg wsClientMessage) {
	switch msg.Type {
	case wsMsgTask:
		agent := msg.Payload.Agent
		if agent == "" {
			agent = s.cfg.AgentID
		}
		company := msg.Payload.Company
		if company == "" {
			company = s.cfg.CompanyID
		}
		ids, err := s.deps.Orchestrator.SubmitTasks(ctx, agent, company, []types.TaskDefinition{msg.Payload.Task})
		if err != nil {
			s.wsError(conn, "", err)
			return
		}
		_ = conn.writeJSON(map[string]any{"type": "accepted", "taskIds": ids})

	case wsMsgApprove, wsMsgDecline:
		approved := msg.Type == wsMsgApprove
		if err := s.resolveByTask(ctx, msg.TaskID, approved, msg.Correction); err != nil {
			s.wsError(conn, msg.TaskID, err)
		}

	default:
		s.logger.Debug("server: ws ignoring message type %q", msg.Type)
	}
}

// resolveByTask maps a task id onto its pending approval row.
func (s *Server) resolveByTask(ctx context.Context, taskID string, approved bool, correction string) error {
	rows, err := s.deps.Gate.Pending(ctx)
	if err != nil {
		return err
	}
	for _, row := range rows {
		if row.TaskID == taskID {
			return s.deps.Gate.Resolve(ctx, row.ID, approved, "human:websocket", "", correction)
		}
	}
	return errNoPendingApproval
}

var errNoPendingApproval = errors.New("no pending approval for task")

func (s *Server) wsError(conn *wsConn, taskID string, cause error) {
	frame, err := types.MarshalEvent(types.ErrorEvent{Task: taskID, Message: cause.Error()})
	if err != nil {
		return
	}
	_ = conn.writeRaw(frame)
}
