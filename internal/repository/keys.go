package repository

import "strings"

// recordKind tags the sort key of an item so conversations and bots can share
// one partition without colliding. The tag is embedded between two "#" runes,
// so the two key spaces cannot overlap for any user or entity id.
type recordKind string

const (
	kindConversation recordKind = "CONV"
	kindBot          recordKind = "BOT"
)

func composeKey(kind recordKind, userID, entityID string) string {
	return userID + "#" + string(kind) + "#" + entityID
}

func keyPrefix(kind recordKind, userID string) string {
	return userID + "#" + string(kind) + "#"
}

// ConversationSK returns the sort key for a conversation item:
// "{userId}#CONV#{conversationId}".
func ConversationSK(userID, conversationID string) string {
	return composeKey(kindConversation, userID, conversationID)
}

// BotSK returns the sort key for a bot item: "{userId}#BOT#{botId}".
func BotSK(userID, botID string) string {
	return composeKey(kindBot, userID, botID)
}

// ConversationIDFromSK extracts the conversation id from a stored sort key.
// A key without the "#CONV#" tag is a schema violation and yields a
// *DecodeError.
func ConversationIDFromSK(sk string) (string, error) {
	return decomposeKey(kindConversation, sk)
}

// BotIDFromSK extracts the bot id from a stored sort key.
func BotIDFromSK(sk string) (string, error) {
	return decomposeKey(kindBot, sk)
}

func decomposeKey(kind recordKind, sk string) (string, error) {
	tag := "#" + string(kind) + "#"
	idx := strings.Index(sk, tag)
	if idx < 0 {
		return "", &DecodeError{What: "sort key", Value: sk}
	}
	id := sk[idx+len(tag):]
	if id == "" {
		return "", &DecodeError{What: "sort key", Value: sk}
	}
	return id, nil
}
