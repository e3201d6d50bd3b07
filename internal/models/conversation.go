package models

import "time"

// DefaultConversationTitle is used until a title is derived or set.
const DefaultConversationTitle = "New Chat"

// Conversation groups an ordered sequence of messages.
type Conversation struct {
	ID            string    `json:"id"`
	Title         string    `json:"title"`
	TitleSet      bool      `json:"title_set"`
	Messages      []Message `json:"messages"`
	CreatedAt     time.Time `json:"created_at"`
	NextMessageID int64     `json:"next_message_id"`
}

// Clone deep-copies the conversation including its messages.
func (c Conversation) Clone() Conversation {
	msgs := make([]Message, len(c.Messages))
	for i, m := range c.Messages {
		msgs[i] = m.Clone()
	}
	c.Messages = msgs
	return c
}

// ConversationSummary is the sidebar view of a conversation.
type ConversationSummary struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	MessageCount int       `json:"message_count"`
	CreatedAt    time.Time `json:"created_at"`
	Active       bool      `json:"active"`
}
