package utils

import (
	"github.com/google/uuid"
)

// GenerateParticipantID generates a unique participant ID, stable for the
// lifetime of one room session.
func GenerateParticipantID() string {
	return "p_" + uuid.NewString()
}

// GenerateMessageID generates a unique signal message ID.
func GenerateMessageID() string {
	return "sig_" + uuid.NewString()
}

// GenerateChatID generates a unique chat message ID.
func GenerateChatID() string {
	return "chat_" + uuid.NewString()
}
