package ws

import (
	"strings"

	"github.com/google/uuid"
)

func newConnID() string {
	return uuid.NewString()
}

// clientMessage is what an attached UI sends back.
type clientMessage struct {
	Type      string `json:"type"`
	MessageID string `json:"message_id,omitempty"`
}

const clientJumpDone = "jump_done"

func bearerToken(header, query string) string {
	if header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
			return parts[1]
		}
		return ""
	}
	return query
}
