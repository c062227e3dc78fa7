package model

import "github.com/oklog/ulid/v2"

// NewID generates a new ULID string. Job ids sort by creation time, which
// keeps queue claiming and list endpoints naturally ordered.
func NewID() string {
	return ulid.Make().String()
}
