package ids

import "github.com/google/uuid"

// NewUUID returns a random (v4) UUID string.
// Message ids and server-assigned user ids use this form.
func NewUUID() string {
	return uuid.NewString()
}
