// Package trigger feeds background messages into the run coordinator
// from non-interactive sources: cron schedules and filesystem watches.
// A trigger firing is a normal message; it gets the same run lifecycle
// and soft-interrupt behavior as a typed one.
package trigger

import (
	"context"

	"github.com/google/uuid"

	"github.com/pipali/pipali/internal/protocol"
)

// Submitter accepts trigger messages. The run coordinator implements
// it.
type Submitter interface {
	Message(ctx context.Context, cmd *protocol.MessageCommand) error
}

// submit sends one trigger firing. An empty conversationID starts a
// fresh conversation for the firing.
func submit(ctx context.Context, s Submitter, conversationID, text string) error {
	return s.Message(ctx, &protocol.MessageCommand{
		Message:         text,
		ConversationID:  conversationID,
		ClientMessageID: "trigger-" + uuid.New().String(),
	})
}
