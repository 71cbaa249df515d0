package mcp

import (
	"context"

	"github.com/mark3labs/mcp-go/server"
	"github.com/runbooklabs/runbook/internal/streaming"
)

// eventNotificationMethod is the JSON-RPC method used for forwarded run events.
const eventNotificationMethod = "notifications/run_event"

// EventNotifier forwards live run events from the streaming hub to every
// connected MCP client as server-initiated notifications.
type EventNotifier struct {
	mcpServer *server.MCPServer
	hub       streaming.EventHub

	cancel func()
	done   chan struct{}
}

// NewEventNotifier creates a notifier that broadcasts hub events over MCP.
func NewEventNotifier(mcpServer *server.MCPServer, hub streaming.EventHub) *EventNotifier {
	return &EventNotifier{mcpServer: mcpServer, hub: hub}
}

// Start subscribes to the hub and forwards events until Stop is called or
// ctx is cancelled.
func (n *EventNotifier) Start(ctx context.Context) error {
	events, cancel, err := n.hub.Subscribe(ctx, streaming.EventFilter{})
	if err != nil {
		return err
	}
	n.cancel = cancel
	n.done = make(chan struct{})

	go func() {
		defer close(n.done)
		for e := range events {
			n.mcpServer.SendNotificationToAllClients(eventNotificationMethod, map[string]any{
				"run_id":     e.RunID,
				"step_id":    e.StepID,
				"event_type": e.EventType,
				"payload":    e.Payload,
			})
		}
	}()
	return nil
}

// Stop cancels the hub subscription and waits for the forwarding loop to drain.
func (n *EventNotifier) Stop() {
	if n.cancel == nil {
		return
	}
	n.cancel()
	<-n.done
	n.cancel = nil
}
