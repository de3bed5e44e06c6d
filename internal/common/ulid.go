package common

import (
	"time"

	"github.com/oklog/ulid/v2"
)

// NewULID returns a 26-char, lexically time-sortable id. ulid.Make uses a
// process-wide monotonic entropy source, so ids minted in the same millisecond
// still sort in creation order.
func NewULID() (string, error) {
	return ulid.Make().String(), nil
}

// ULIDTime recovers the creation time encoded in id.
func ULIDTime(id string) (time.Time, error) {
	u, err := ulid.ParseStrict(id)
	if err != nil {
		return time.Time{}, err
	}
	return ulid.Time(u.Time()).UTC(), nil
}
