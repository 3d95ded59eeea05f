// Package auditlog is the client side of the checkpoint wire protocol: it
// appends and fetches audit-log checkpoints against the server and carries
// the optimistic-lock token that makes writes single-writer.
package auditlog

import (
	"errors"
	"fmt"
	"time"

	"github.com/vincentgggg12/docufen-admin-sub002/internal/stage"
)

// Code is the enumerated outcome of a mutating call. Failure is a value, not
// an exception: callers branch on the code to pick recovery behavior.
type Code int

const (
	CodeOK              Code = 0
	CodeFailed          Code = 1   // server-reported failure, e.g. storage provisioning
	CodeNetwork         Code = 2   // timeout/abort/transport, client-side
	CodeUnauthenticated Code = 401 // bad or missing authorization token
	CodeConflict        Code = 412 // locked or stale, see ConflictKind
)

// ConflictKind splits the single 412 status into its two real causes.
type ConflictKind int

const (
	ConflictNone   ConflictKind = iota
	ConflictLocked              // another session holds the lock: wait and retry
	ConflictStale               // held token no longer current: reload and retry
)

// The wire protocol reports both conflict causes under one status code and
// distinguishes them only by message text. These literals and the two
// functions below are the only place in the codebase coupled to that text.
const (
	messageLocked = "Document Locked"
	messageStale  = "Hash not valid"
)

// ClassifyConflict translates a 412 message field into a typed kind. Unknown
// messages classify as stale: reload-and-retry is the recovery that cannot
// make things worse.
func ClassifyConflict(message string) ConflictKind {
	if message == messageLocked {
		return ConflictLocked
	}
	return ConflictStale
}

// WireMessage is the message text the server emits for a conflict kind.
func (k ConflictKind) WireMessage() string {
	if k == ConflictLocked {
		return messageLocked
	}
	return messageStale
}

// Verification records an attachment check carried in a checkpoint.
type Verification struct {
	FileName   string    `json:"fileName"`
	Digest     string    `json:"digest"`
	VerifiedBy string    `json:"verifiedBy"`
	VerifiedAt time.Time `json:"verifiedAt"`
}

// Item is one immutable checkpoint of document metadata. The sequence of
// items is the document's durable history; the latest item's server-assigned
// timestamp is the token the client must present on its next write.
type Item struct {
	ActionType       string                  `json:"actionType"`
	Time             time.Time               `json:"time"`
	LegalName        string                  `json:"legalName"`
	Initials         string                  `json:"initials"`
	Stage            stage.Stage             `json:"stage"`
	EmptyCellCount   int                     `json:"emptyCellCount"`
	MarkerCounter    int                     `json:"markerCounter"`
	AttachmentNumber int                     `json:"attachmentNumber"`
	Timezone         string                  `json:"timezone"`
	Locale           string                  `json:"locale"`
	Verifications    map[string]Verification `json:"verifications,omitempty"`
	ActiveChildren   []string                `json:"activeChildren,omitempty"`
}

var (
	// ErrBusy means another fetch is already in flight in this process.
	// Retryable, never fatal.
	ErrBusy = errors.New("fetch already in flight")
	// ErrSessionStale means the server no longer recognizes the session (401).
	ErrSessionStale = errors.New("session stale")
	// ErrAuthorizationStale means the authorization header was minted in an
	// expired window (403).
	ErrAuthorizationStale = errors.New("authorization header stale")
	// ErrLocked means another session holds the document lock (412).
	ErrLocked = errors.New("document locked by another session")
)

// NotFoundError reports a missing document, optionally carrying the locale
// hint the server attaches for user-facing messaging.
type NotFoundError struct {
	Key    string
	Locale string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("document %s not found", e.Key)
}
