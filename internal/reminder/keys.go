package reminder

import "fmt"

// Key identifies one logical reminder delivery: entity + scope + type.
// Once a key has a recorded send it must never fire again, across restarts.
type Key string

// ChannelKey scopes a reminder round to the announcement channel.
func ChannelKey(entityID int64, reminderType string) Key {
	return Key(fmt.Sprintf("evt:%d:channel:%s", entityID, reminderType))
}

// RecipientKey scopes a reminder to a single direct-message recipient.
func RecipientKey(entityID, recipientID int64, reminderType string) Key {
	return Key(fmt.Sprintf("evt:%d:user:%d:%s", entityID, recipientID, reminderType))
}
