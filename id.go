package conductor

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// NewID generates a globally unique, time-sortable UUIDv7 (RFC 9562).
func NewID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// NewTaskID generates a short opaque task identifier, unique enough within
// a single run. Tasks arriving from the model without an identifier get one.
func NewTaskID() string {
	id := uuid.Must(uuid.NewV7()).String()
	return "task_" + strings.ReplaceAll(id, "-", "")[24:]
}

// NowUnix returns current time as Unix seconds.
func NowUnix() int64 {
	return time.Now().Unix()
}
