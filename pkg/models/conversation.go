package models

import "strings"

const (
	ConversationKindPairwise = "pairwise"
	ConversationKindGroup    = "group"
)

// FirstEpoch is the epoch assigned when a conversation key is first
// established; epochs only move forward from here.
const FirstEpoch uint64 = 1

type Conversation struct {
	ID           string `json:"id"`
	Kind         string `json:"kind"`
	CurrentEpoch uint64 `json:"current_epoch"`
}

func NormalizeConversationKind(raw string) string {
	switch strings.TrimSpace(raw) {
	case ConversationKindGroup:
		return ConversationKindGroup
	default:
		return ConversationKindPairwise
	}
}

func NormalizeConversation(c Conversation) Conversation {
	c.ID = strings.TrimSpace(c.ID)
	c.Kind = NormalizeConversationKind(c.Kind)
	if c.CurrentEpoch < FirstEpoch {
		c.CurrentEpoch = FirstEpoch
	}
	return c
}
