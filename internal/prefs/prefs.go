// Package prefs stores per-recipient reminder opt-out preferences.
package prefs

import "context"

// Preferences holds one recipient's opt-out flags. The zero value (and a nil
// pointer) mean "all reminder types allowed".
type Preferences struct {
	// OptOutAll short-circuits every reminder type.
	OptOutAll bool
	// OptOut flags individual reminder types. Absent types are allowed.
	OptOut map[string]bool
}

// Allows reports whether reminderType may be sent to this recipient.
// Safe on a nil receiver.
func (p *Preferences) Allows(reminderType string) bool {
	if p == nil {
		return true
	}
	if p.OptOutAll {
		return false
	}
	return !p.OptOut[reminderType]
}

// Store resolves preferences for a recipient. A nil result means no stored
// preferences, i.e. everything allowed.
type Store interface {
	GetPreferences(ctx context.Context, recipientID int64) (*Preferences, error)
}
