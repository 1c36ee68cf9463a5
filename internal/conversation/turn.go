// Package conversation holds the turn model shared by the context store and
// the completion clients, and assembles the bounded turn list sent upstream.
package conversation

import "time"

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Valid reports whether r is one of the three known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleSystem, RoleUser, RoleAssistant:
		return true
	}
	return false
}

// Turn is one message in a conversation. Timestamps are kept at microsecond
// precision so a turn read back from either store compares equal to the
// turn that was written.
type Turn struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// NewTurn stamps a turn with the current time.
func NewTurn(role Role, content string) Turn {
	return Turn{Role: role, Content: content, Timestamp: Stamp(time.Now())}
}

// Stamp normalizes t to the precision stored durably.
func Stamp(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

// Equal is structural equality, used to detect the same turn arriving from
// the cache and the durable store.
func (t Turn) Equal(o Turn) bool {
	return t.Role == o.Role && t.Content == o.Content && Stamp(t.Timestamp).Equal(Stamp(o.Timestamp))
}

// Context is the ordered turn history of one identity.
type Context struct {
	Identity string
	Turns    []Turn
}

// System returns the first system turn, if any.
func (c Context) System() (Turn, bool) {
	for _, t := range c.Turns {
		if t.Role == RoleSystem {
			return t, true
		}
	}
	return Turn{}, false
}

// Dialogue returns the non-system turns in order.
func (c Context) Dialogue() []Turn {
	out := make([]Turn, 0, len(c.Turns))
	for _, t := range c.Turns {
		if t.Role != RoleSystem {
			out = append(out, t)
		}
	}
	return out
}
