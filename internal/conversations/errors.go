package conversations

import "errors"

// ErrConversationNotFound is returned when a conversation lookup misses.
var ErrConversationNotFound = errors.New("conversation not found")
