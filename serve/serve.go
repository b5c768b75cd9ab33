// Package serve is the orchestrator's intake surface: the Telegram
// long-poll loop, an HTTP webhook, the ambient ticker, and health.
package serve

import "context"

// Agent is the coordinator surface the intake layers feed. Message
// handling is fire-and-forget; the coordinator owns queueing.
type Agent interface {
	// HandleUserMessage enqueues a user message for a reasoning turn.
	HandleUserMessage(ctx context.Context, text, source string)

	// HandleAmbient wakes the agent with no user input.
	HandleAmbient(ctx context.Context)

	// Clear resets the conversation buffer.
	Clear(ctx context.Context) error
}
