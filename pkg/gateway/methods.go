package gateway

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/halim/nia/internal/tracing"
	"github.com/halim/nia/pkg/channels"
	"github.com/halim/nia/pkg/memory"
)

// registerBuiltinMethods registers the built-in RPC surface.
func (s *Server) registerBuiltinMethods() {
	_ = s.router.RegisterMethod("chat.send", s.handleChatSend)
	_ = s.router.RegisterMethod("sessions.list", s.handleSessionsList)
	_ = s.router.RegisterMethod("sessions.get", s.handleSessionsGet)
	_ = s.router.RegisterMethod("status", s.handleStatus)

	if s.memory != nil {
		_ = s.router.RegisterMethod("memory.search", s.handleMemorySearch)
	}
}

// handleChatSend routes a chat message through the engine and returns the
// reply. The chat id defaults to the calling client's id, so each websocket
// client gets its own session unless it asks for a shared one.
func (s *Server) handleChatSend(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	message, ok := params["message"].(string)
	if !ok || strings.TrimSpace(message) == "" {
		return nil, &RPCError{Code: InvalidParams, Message: "message parameter is required and must be a string"}
	}

	chatID := clientIDFromContext(ctx)
	senderID := chatID
	if requested, ok := params["chatId"].(string); ok && strings.TrimSpace(requested) != "" {
		chatID = strings.TrimSpace(requested)
	}
	if chatID == "" {
		return nil, &RPCError{Code: InvalidParams, Message: "chatId parameter is required for HTTP requests"}
	}
	if senderID == "" {
		senderID = "http"
	}

	dispatch := s.dispatcher()
	if dispatch == nil {
		return nil, fmt.Errorf("gateway is not accepting chat yet")
	}

	inbound := channels.InboundMessage{
		Channel:  "gateway",
		SenderID: senderID,
		ChatID:   chatID,
		Content:  message,
	}

	reply, err := dispatch(ctx, inbound)
	if err != nil {
		return nil, fmt.Errorf("chat failed: %w", err)
	}

	return map[string]interface{}{
		"reply":      reply,
		"sessionKey": inbound.SessionKey(),
	}, nil
}

// handleSessionsList lists all stored sessions.
func (s *Server) handleSessionsList(_ context.Context, _ map[string]interface{}) (interface{}, error) {
	infos, err := s.sessions.List()
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}

	return map[string]interface{}{
		"sessions": infos,
	}, nil
}

// handleSessionsGet returns the full history of one session.
func (s *Server) handleSessionsGet(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	sessionKey, ok := params["sessionKey"].(string)
	if !ok || sessionKey == "" {
		return nil, &RPCError{Code: InvalidParams, Message: "sessionKey parameter is required and must be a string"}
	}

	reqCtx := tracing.WithSessionKey(ctx, sessionKey)
	messages, err := s.sessions.Load(reqCtx, sessionKey)
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}

	return map[string]interface{}{
		"sessionKey": sessionKey,
		"messages":   messages,
	}, nil
}

// handleStatus reports gateway health and connected clients.
func (s *Server) handleStatus(_ context.Context, _ map[string]interface{}) (interface{}, error) {
	return map[string]interface{}{
		"status":         "ok",
		"uptime_seconds": int64(time.Since(s.startedAt).Seconds()),
		"clients":        s.clients.Count(),
		"methods":        s.router.GetMethods(),
	}, nil
}

// handleMemorySearch runs a hybrid memory search.
func (s *Server) handleMemorySearch(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	query, ok := params["query"].(string)
	if !ok || strings.TrimSpace(query) == "" {
		return nil, &RPCError{Code: InvalidParams, Message: "query parameter is required and must be a string"}
	}

	opts := &memory.SearchOptions{
		Limit:         10,
		VectorWeight:  0.7,
		KeywordWeight: 0.3,
		MinScore:      0.5,
	}
	if limit, ok := params["limit"].(float64); ok && limit > 0 {
		opts.Limit = int(limit)
	}
	if minScore, ok := params["minScore"].(float64); ok {
		opts.MinScore = minScore
	}

	results, err := s.memory.Search(ctx, query, opts)
	if err != nil {
		return nil, fmt.Errorf("memory search failed: %w", err)
	}

	return map[string]interface{}{
		"results": results,
	}, nil
}
