package uuidx

import "github.com/google/uuid"

// New returns a time-ordered (version 7) UUID. It panics if the random source fails.
func New() uuid.UUID {
	return uuid.Must(uuid.NewV7())
}

// NewString returns New() in its canonical string form.
func NewString() string {
	return New().String()
}

// Prefixed returns an id of the form "<prefix>-<uuid>", used for peer ids that should
// reveal which transport created them when they show up in logs.
func Prefixed(prefix string) string {
	if prefix == "" {
		return NewString()
	}
	return prefix + "-" + NewString()
}
