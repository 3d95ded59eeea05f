// Package syncer composes the channel, the lifecycle rules, and the workflow
// engine into the operations the UI calls: open a document, save a
// checkpoint, request a stage transition, sign. It owns conflict recovery and
// guarantees at most one in-flight write per document.
package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/vincentgggg12/docufen-admin-sub002/internal/auditlog"
	"github.com/vincentgggg12/docufen-admin-sub002/internal/document"
	"github.com/vincentgggg12/docufen-admin-sub002/internal/spool"
	"github.com/vincentgggg12/docufen-admin-sub002/internal/stage"
	"github.com/vincentgggg12/docufen-admin-sub002/internal/workflow"
)

var (
	// ErrBusy rejects a save while another one is in flight for the same
	// document. Retryable backpressure, not a failure.
	ErrBusy = errors.New("save already in flight for this document")
	// ErrStale means the held lock token was no longer current. The local
	// copy has been reloaded; the caller should re-apply and retry.
	ErrStale = errors.New("document reloaded after stale write, retry")
	// ErrLocked means another session holds the document: wait and retry.
	ErrLocked = errors.New("document locked by another session")
	// ErrUnauthenticated surfaces to the caller for logout/redirect. Never
	// retried silently.
	ErrUnauthenticated = errors.New("unauthenticated")
	// ErrNetwork means the write may not have reached the server; the
	// payload was persisted for resubmission.
	ErrNetwork = errors.New("network failure, payload spooled")
	// ErrRejected is a definitive server-side failure.
	ErrRejected = errors.New("checkpoint rejected by server")

	ErrUnknownDocument   = errors.New("document not open")
	ErrInvalidTransition = errors.New("stage transition not allowed")
	ErrNotInWorkflow     = errors.New("participant not in this stage's group")
	ErrNotNextInLine     = errors.New("participant is not next in signing order")
)

// channelAPI is the slice of the audit-log channel the orchestrator uses.
type channelAPI interface {
	Append(ctx context.Context, req auditlog.AppendRequest) auditlog.AppendResult
	FetchLatest(ctx context.Context, key string, withLock bool) (*auditlog.FetchResult, error)
	RequestTransition(ctx context.Context, req auditlog.TransitionRequest) auditlog.AppendResult
}

// Orchestrator tracks the open documents of one client session.
type Orchestrator struct {
	channel channelAPI
	spool   *spool.Spool // optional

	mu       sync.Mutex
	docs     map[string]*document.Document
	inflight map[string]bool
}

func New(channel channelAPI, sp *spool.Spool) *Orchestrator {
	return &Orchestrator{
		channel:  channel,
		spool:    sp,
		docs:     make(map[string]*document.Document),
		inflight: make(map[string]bool),
	}
}

// Open pulls the latest checkpoint with the soft lock and builds the local
// document state. Propagates the channel's typed errors unchanged.
func (o *Orchestrator) Open(ctx context.Context, key string) (*document.Document, error) {
	res, err := o.channel.FetchLatest(ctx, key, true)
	if err != nil {
		return nil, err
	}
	doc := document.New(key)
	doc.ApplyCheckpoint(res.Item, res.Timestamp)

	o.mu.Lock()
	o.docs[key] = doc
	o.mu.Unlock()
	return doc, nil
}

// Close drops the local copy, e.g. on navigation away.
func (o *Orchestrator) Close(key string) {
	o.mu.Lock()
	delete(o.docs, key)
	o.mu.Unlock()
}

func (o *Orchestrator) openDoc(key string) (*document.Document, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	doc, ok := o.docs[key]
	if !ok {
		return nil, ErrUnknownDocument
	}
	return doc, nil
}

// acquire takes the single write slot for the document. There is no queue:
// backpressure is an immediate, retryable rejection.
func (o *Orchestrator) acquire(key string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.inflight[key] {
		return false
	}
	o.inflight[key] = true
	return true
}

func (o *Orchestrator) release(key string) {
	o.mu.Lock()
	delete(o.inflight, key)
	o.mu.Unlock()
}

// SaveCheckpoint appends one checkpoint for the document, presenting the held
// lock token. On success it returns the server's bookmark id and folds the
// checkpoint into local state atomically with the refreshed token.
func (o *Orchestrator) SaveCheckpoint(ctx context.Context, key string, item auditlog.Item, content json.RawMessage, leaveLock bool) (string, error) {
	doc, err := o.openDoc(key)
	if err != nil {
		return "", err
	}
	if !o.acquire(key) {
		return "", ErrBusy
	}
	defer o.release(key)

	res := o.channel.Append(ctx, auditlog.AppendRequest{
		Key:       key,
		Item:      item,
		Content:   content,
		Timestamp: doc.EditTime,
		LeaveLock: leaveLock,
	})
	return o.resolve(ctx, key, doc, item, res)
}

func (o *Orchestrator) resolve(ctx context.Context, key string, doc *document.Document, item auditlog.Item, res auditlog.AppendResult) (string, error) {
	switch res.Code {
	case auditlog.CodeOK:
		doc.ApplyCheckpoint(item, res.Timestamp)
		return res.BookmarkID, nil
	case auditlog.CodeConflict:
		if res.Conflict == auditlog.ConflictLocked {
			return "", ErrLocked
		}
		// Stale token: someone else wrote. Reload so the retry presents the
		// current token against current content.
		if latest, err := o.channel.FetchLatest(ctx, key, false); err == nil {
			doc.ApplyCheckpoint(latest.Item, latest.Timestamp)
		} else if !errors.Is(err, auditlog.ErrBusy) {
			log.Printf("syncer: reload after stale write failed for %s: %v", key, err)
		}
		return "", ErrStale
	case auditlog.CodeUnauthenticated:
		return "", ErrUnauthenticated
	case auditlog.CodeNetwork:
		return "", fmt.Errorf("%w: %v", ErrNetwork, res.Err)
	default:
		if res.Err != nil {
			return "", fmt.Errorf("%w: %v", ErrRejected, res.Err)
		}
		return "", ErrRejected
	}
}

// RequestStageTransition validates the lifecycle step locally, then asks the
// server. Entering Uploaded resets the tracked empty-cell count.
func (o *Orchestrator) RequestStageTransition(ctx context.Context, key string, to stage.Stage, reason string, nPages int) error {
	doc, err := o.openDoc(key)
	if err != nil {
		return err
	}
	if !stage.CanTransition(doc.Stage, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, doc.Stage, to)
	}
	if !o.acquire(key) {
		return ErrBusy
	}
	defer o.release(key)

	res := o.channel.RequestTransition(ctx, auditlog.TransitionRequest{
		Key:      key,
		NewStage: to,
		Reason:   reason,
		Time:     time.Now(),
		NPages:   nPages,
	})
	switch res.Code {
	case auditlog.CodeOK:
		doc.ApplyTransition(to, res.Timestamp)
		return nil
	case auditlog.CodeConflict:
		if res.Conflict == auditlog.ConflictLocked {
			return ErrLocked
		}
		return ErrStale
	case auditlog.CodeUnauthenticated:
		return ErrUnauthenticated
	case auditlog.CodeNetwork:
		return fmt.Errorf("%w: %v", ErrNetwork, res.Err)
	default:
		return ErrRejected
	}
}

// Sign records a signature for the participant in the document's current
// stage and commits it as a checkpoint. The workflow engine only answers
// "allowed"; nothing is shared-state-mutated until the append is accepted.
func (o *Orchestrator) Sign(ctx context.Context, key string, p workflow.Participant, content json.RawMessage) (string, error) {
	doc, err := o.openDoc(key)
	if err != nil {
		return "", err
	}
	groups := doc.ApprovalGroups()
	if !workflow.IsInWorkflow(doc.Stage, p, groups) {
		return "", ErrNotInWorkflow
	}
	if !workflow.IsNextInLine(doc.Stage, p, groups) {
		return "", ErrNotNextInLine
	}
	signed := workflow.MarkSigned(doc.Stage, p, groups)
	if signed == nil {
		return "", ErrNotInWorkflow
	}

	item := auditlog.Item{
		ActionType:       "signed",
		Time:             time.Now(),
		LegalName:        p.Name,
		Initials:         p.Initials,
		Stage:            doc.Stage,
		EmptyCellCount:   doc.EmptyCellCount,
		MarkerCounter:    doc.MarkerCounter,
		AttachmentNumber: doc.AttachmentNumber,
		Timezone:         doc.Timezone,
		Locale:           doc.Locale,
	}
	bookmark, err := o.SaveCheckpoint(ctx, key, item, content, true)
	if err != nil {
		return "", err
	}
	doc.SetApprovalGroups(signed)
	return bookmark, nil
}

// ResubmitPending replays spooled payloads for the document using the current
// lock token. Entries the server accepts are removed; the rest stay spooled.
func (o *Orchestrator) ResubmitPending(ctx context.Context, key string) (int, error) {
	if o.spool == nil {
		return 0, nil
	}
	doc, err := o.openDoc(key)
	if err != nil {
		return 0, err
	}
	pending, err := o.spool.List(key)
	if err != nil {
		return 0, err
	}

	resubmitted := 0
	for _, entry := range pending {
		var req auditlog.AppendRequest
		if err := json.Unmarshal(entry.Body, &req); err != nil {
			log.Printf("syncer: dropping unreadable spool entry %s: %v", entry.Path, err)
			_ = o.spool.Remove(entry.Path)
			continue
		}
		req.Key = key
		req.Timestamp = doc.EditTime
		res := o.channel.Append(ctx, req)
		if res.Code != auditlog.CodeOK {
			return resubmitted, fmt.Errorf("resubmit stopped at %s: code %d", entry.Path, res.Code)
		}
		doc.ApplyCheckpoint(req.Item, res.Timestamp)
		if err := o.spool.Remove(entry.Path); err != nil {
			return resubmitted, err
		}
		resubmitted++
	}
	return resubmitted, nil
}
