package mcp

import (
	"context"
	"errors"

	"github.com/mark3labs/mcp-go/server"
)

// ActorNotifier pushes run lifecycle notifications to connected callers.
type ActorNotifier interface {
	Notify(ctx context.Context, actor string, payload map[string]any) error
}

// MCPNotifier implements ActorNotifier using MCP push notifications.
type MCPNotifier struct {
	mcpServer *server.MCPServer
	sessions  *SessionRegistry
}

// NewMCPNotifier creates a notifier that pushes via the MCP transport.
func NewMCPNotifier(mcpServer *server.MCPServer, sessions *SessionRegistry) *MCPNotifier {
	return &MCPNotifier{mcpServer: mcpServer, sessions: sessions}
}

// Notify sends a notification to the actor's session.
// Best-effort: returns nil if the actor is not connected.
func (n *MCPNotifier) Notify(_ context.Context, actor string, payload map[string]any) error {
	sessionID, ok := n.sessions.SessionFor(actor)
	if !ok {
		return nil // actor not connected, best-effort
	}
	err := n.mcpServer.SendNotificationToSpecificClient(sessionID, "notifications/message", payload)
	if errors.Is(err, server.ErrSessionNotFound) {
		// Session expired between lookup and send, not an error.
		n.sessions.Remove(sessionID)
		return nil
	}
	return err
}
