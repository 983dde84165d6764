package identity

import "fmt"

// Identity is the composite key identifying a conversation participant:
// whether the message came from a group, which group, and which user.
// Two identities address the same pending state iff they are equal, so the
// struct is deliberately comparable and used directly as a map key.
type Identity struct {
	IsGroup bool
	GroupID string
	UserID  string
}

// Private builds an identity for a direct (non-group) conversation.
func Private(userID string) Identity {
	return Identity{UserID: userID}
}

// Group builds an identity for a message sent by userID inside a group.
func Group(groupID, userID string) Identity {
	return Identity{IsGroup: true, GroupID: groupID, UserID: userID}
}

// Valid reports whether the identity carries enough information to key state.
func (id Identity) Valid() bool {
	if id.IsGroup {
		return id.GroupID != "" && id.UserID != ""
	}
	return id.UserID != ""
}

// SessionKey derives the chat-session cache key. Group conversations collapse
// to one session per group regardless of which member is speaking; private
// conversations get one session per user.
func (id Identity) SessionKey() string {
	if id.IsGroup {
		return "group:" + id.GroupID
	}
	return "private:" + id.UserID
}

// String renders the full composite key, mainly for logging.
func (id Identity) String() string {
	if id.IsGroup {
		return fmt.Sprintf("group:%s/user:%s", id.GroupID, id.UserID)
	}
	return "user:" + id.UserID
}
