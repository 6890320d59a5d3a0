package store

import "time"

// nowMillis returns the current time as Unix milliseconds, the timestamp
// unit every pkg/types time field uses.
func nowMillis() int64 {
	return time.Now().UnixMilli()
}
