/*
Package randx generates identifiers for connections and other transient objects.
*/
package randx

import (
	"github.com/google/uuid"
)

// ConnectionID returns a fresh UUID v4 used as the public socket id.
func ConnectionID() string {
	return uuid.New().String()
}

// IsValidConnectionID reports whether id parses as a UUID.
func IsValidConnectionID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}
