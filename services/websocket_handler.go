package services

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	ws "github.com/LSY1007/NextEnterBack-sub000/websocket"
)

// safeSend tries to send a message to the client channel, recovers if closed
func safeSend(ch chan<- []byte, msg []byte) {
	defer func() {
		if r := recover(); r != nil {
			// Channel is closed, ignore
		}
	}()
	select {
	case ch <- msg:
	default:
	}
}

// WebSocketHandler lets a connected client drive its interview over the socket.
type WebSocketHandler struct {
	engine *InterviewEngine
}

func NewWebSocketHandler(engine *InterviewEngine) *WebSocketHandler {
	return &WebSocketHandler{engine: engine}
}

type socketReply struct {
	Type    string        `json:"type"`
	Turn    *TurnResponse `json:"turn,omitempty"`
	Error   string        `json:"error,omitempty"`
	Message string        `json:"message,omitempty"`
}

// HandleWebSocketMessage routes one inbound command to the engine and replies on the same socket.
func (h *WebSocketHandler) HandleWebSocketMessage(client *ws.Client, messageBytes []byte) {
	var msg ws.Message
	if err := json.Unmarshal(messageBytes, &msg); err != nil {
		slog.Error("Failed to unmarshal WebSocket message", "error", err, "user_id", client.UserID)
		h.reply(client, socketReply{Type: "error", Error: "validation", Message: "malformed message"})
		return
	}

	slog.Info("WebSocket message received", "type", msg.Type, "user_id", client.UserID, "session_id", msg.SessionID)

	ctx := context.Background()
	var (
		resp *TurnResponse
		err  error
	)
	switch msg.Type {
	case "answer":
		resp, err = h.engine.SubmitAnswer(ctx, client.UserID, msg.SessionID, msg.Content)
	case "modify_answer":
		resp, err = h.engine.ModifyAnswer(ctx, client.UserID, msg.SessionID, msg.Content)
	case "end_session":
		resp, err = h.engine.CancelInterview(ctx, client.UserID, msg.SessionID)
	default:
		slog.Warn("Unknown message type", "type", msg.Type, "user_id", client.UserID)
		h.reply(client, socketReply{Type: "error", Error: "validation", Message: "unknown message type " + msg.Type})
		return
	}
	if err != nil {
		h.reply(client, socketReply{Type: "error", Error: errorCode(err), Message: err.Error()})
		return
	}
	h.reply(client, socketReply{Type: msg.Type, Turn: resp})
}

func (h *WebSocketHandler) reply(client *ws.Client, r socketReply) {
	b, err := json.Marshal(r)
	if err != nil {
		slog.Error("Failed to marshal WebSocket reply", "error", err)
		return
	}
	safeSend(client.Send, b)
}

// errorCode names an engine error the same way the HTTP API does.
func errorCode(err error) string {
	switch {
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrState):
		return "invalid_state"
	case errors.Is(err, ErrUpstreamUnavailable):
		return "upstream_unavailable"
	default:
		return "internal"
	}
}
