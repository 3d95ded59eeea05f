package store

import (
	"encoding/json"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned for a missing user, document, or checkpoint.
	ErrNotFound = errors.New("not found")
	// ErrStaleToken is returned when an append presents a lock token that no
	// longer matches the document's current edit time.
	ErrStaleToken = errors.New("stale lock token")
)

// User is a document author with login credentials and the rotating request
// secret issued at login.
type User struct {
	ID             string
	LegalName      string
	Email          string
	Initials       string
	PasswordHash   string
	RotatingSecret string
	Locale         string
}

// DocumentRecord is the server-side document row: lifecycle stage, the
// current optimistic-lock token, and the participant-group snapshot.
type DocumentRecord struct {
	Key               string
	Stage             string
	EditTime          int64
	EmptyCellCount    int
	MarkerCounter     int
	AttachmentNumber  int
	Locale            string
	Timezone          string
	ParticipantGroups json.RawMessage
}

// Checkpoint is one append-only audit-log row. Timestamp is server-assigned
// and strictly increasing per document; the latest row's value is the token
// the next writer must present.
type Checkpoint struct {
	ID          string
	DocumentKey string
	Item        json.RawMessage
	Content     json.RawMessage
	Timestamp   int64
	CreatedAt   time.Time
}

// Lock is the soft per-document lock granted on fetch-with-lock.
type Lock struct {
	DocumentKey string
	SessionID   string
	AcquiredAt  time.Time
}
