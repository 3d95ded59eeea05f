// Package server is the reference backend for the checkpoint protocol: it
// authenticates windowed request tokens, enforces single-writer appends via
// the optimistic lock token, manages the soft per-document lock, and runs
// the lifecycle rules server-side.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/vincentgggg12/docufen-admin-sub002/internal/auditlog"
	"github.com/vincentgggg12/docufen-admin-sub002/internal/authtoken"
	"github.com/vincentgggg12/docufen-admin-sub002/internal/secrets"
	"github.com/vincentgggg12/docufen-admin-sub002/internal/stage"
	"github.com/vincentgggg12/docufen-admin-sub002/internal/store"
	"github.com/vincentgggg12/docufen-admin-sub002/internal/util"
	"github.com/vincentgggg12/docufen-admin-sub002/internal/workflow"
)

// errLocked means another live session holds the document's soft lock.
var errLocked = errors.New("document locked")

// Store is the persistence surface the service needs.
type Store interface {
	GetUser(ctx context.Context, userID string) (store.User, error)
	CreateUser(ctx context.Context, user store.User) error
	SetUserSecret(ctx context.Context, userID, secret string) error
	GetDocument(ctx context.Context, key string) (store.DocumentRecord, error)
	CreateDocument(ctx context.Context, rec store.DocumentRecord, first store.Checkpoint) error
	LatestCheckpoint(ctx context.Context, key string) (store.Checkpoint, error)
	AppendCheckpoint(ctx context.Context, key string, expected int64, rec store.DocumentRecord, cp store.Checkpoint) error
	GetLock(ctx context.Context, key string) (store.Lock, error)
	AcquireLock(ctx context.Context, key, sessionID string, at time.Time) error
	ReleaseLock(ctx context.Context, key, sessionID string) error
	Ping(ctx context.Context) error
}

// LockStore holds the soft per-document locks. Defaults to the main store;
// a Redis-backed implementation can take over so leases expire on their own.
type LockStore interface {
	GetLock(ctx context.Context, key string) (store.Lock, error)
	AcquireLock(ctx context.Context, key, sessionID string, at time.Time) error
	ReleaseLock(ctx context.Context, key, sessionID string) error
}

// BlobStore archives checkpoint content snapshots. Optional.
type BlobStore interface {
	PutContent(ctx context.Context, documentKey string, timestamp int64, content []byte) error
}

// Notifier alerts the next signer when a signature lands. Optional.
type Notifier interface {
	NotifyNextSigner(documentKey string, signer workflow.Participant, docStage stage.Stage) error
}

type Service struct {
	store      Store
	locks      LockStore
	jwtSecret  []byte
	sessionTTL time.Duration
	lockLease  time.Duration
	bc         *secrets.Broadcaster
	blobs      BlobStore
	notifier   Notifier
	now        func() time.Time
}

func New(st Store, jwtSecret string, sessionTTL, lockLease time.Duration) *Service {
	return &Service{
		store:      st,
		locks:      st,
		jwtSecret:  []byte(jwtSecret),
		sessionTTL: sessionTTL,
		lockLease:  lockLease,
		now:        time.Now,
	}
}

func (s *Service) WithBroadcaster(bc *secrets.Broadcaster) *Service { s.bc = bc; return s }
func (s *Service) WithLockStore(ls LockStore) *Service              { s.locks = ls; return s }
func (s *Service) WithBlobStore(b BlobStore) *Service               { s.blobs = b; return s }
func (s *Service) WithNotifier(n Notifier) *Service                 { s.notifier = n; return s }

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// EnsureUser creates the user if missing, hashing the password with bcrypt.
func (s *Service) EnsureUser(ctx context.Context, user store.User, password string) error {
	if _, err := s.store.GetUser(ctx, user.ID); err == nil {
		return nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	user.PasswordHash = string(hash)
	return s.store.CreateUser(ctx, user)
}

// LoginResult carries the session token and the freshly rotated secret.
type LoginResult struct {
	Token string `json:"token"`
	Sus   string `json:"sus"`
}

// Login checks credentials, rotates the user's request secret, and issues a
// session token whose jti identifies this session for lock ownership.
func (s *Service) Login(ctx context.Context, userID, password string) (LoginResult, error) {
	user, err := s.store.GetUser(ctx, userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return LoginResult{}, domainError(401, "UNAUTHORIZED", "Unknown user or bad password", nil)
		}
		return LoginResult{}, err
	}
	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)) != nil {
		return LoginResult{}, domainError(401, "UNAUTHORIZED", "Unknown user or bad password", nil)
	}

	sus, err := s.rotateSecret(ctx, userID)
	if err != nil {
		return LoginResult{}, err
	}

	claims := jwt.RegisteredClaims{
		Subject:   userID,
		ID:        uuid.NewString(),
		ExpiresAt: jwt.NewNumericDate(s.now().Add(s.sessionTTL)),
		IssuedAt:  jwt.NewNumericDate(s.now()),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.jwtSecret)
	if err != nil {
		return LoginResult{}, fmt.Errorf("sign session token: %w", err)
	}
	return LoginResult{Token: token, Sus: sus}, nil
}

// SessionID extracts the session identity (jti) from a session token, or ""
// for a missing/invalid token. Lock ownership is per session, not per user:
// two tabs of the same user must still contend for the lock.
func (s *Service) SessionID(token string) string {
	if token == "" {
		return ""
	}
	parsed, err := jwt.ParseWithClaims(token, &jwt.RegisteredClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.jwtSecret, nil
	})
	if err != nil || !parsed.Valid {
		return ""
	}
	claims, ok := parsed.Claims.(*jwt.RegisteredClaims)
	if !ok {
		return ""
	}
	return claims.ID
}

// authState classifies the Authorization header.
type authState int

const (
	authInvalid authState = iota
	authStale             // right secret, previous window
	authOK
)

// Authorize verifies the windowed request token against the user's current
// rotating secret.
func (s *Service) Authorize(ctx context.Context, userID, bearer string) (store.User, authState) {
	user, err := s.store.GetUser(ctx, userID)
	if err != nil {
		return store.User{}, authInvalid
	}
	ok, stale := authtoken.Verify(user.RotatingSecret, bearer, s.now())
	switch {
	case ok:
		return user, authOK
	case stale:
		return user, authStale
	default:
		return store.User{}, authInvalid
	}
}

func (s *Service) rotateSecret(ctx context.Context, userID string) (string, error) {
	sus := uuid.NewString()
	if err := s.store.SetUserSecret(ctx, userID, sus); err != nil {
		return "", fmt.Errorf("rotate secret: %w", err)
	}
	if s.bc != nil {
		if err := s.bc.Publish(ctx, userID, sus); err != nil {
			log.Printf("server: secret broadcast failed for %s: %v", userID, err)
		}
	}
	return sus, nil
}

// CreateDocument initializes a document with its five participant-group
// slots and a "created" checkpoint whose timestamp seeds the lock token.
func (s *Service) CreateDocument(ctx context.Context, user store.User, key, locale, timezone string) (int64, error) {
	groups := []workflow.Group{
		{Title: workflow.GroupOwners, Participants: []workflow.Participant{{
			ID: user.ID, Email: user.Email, Name: user.LegalName, Initials: user.Initials,
		}}},
		{Title: workflow.GroupPreApproval},
		{Title: workflow.GroupExecution},
		{Title: workflow.GroupPostApproval},
		{Title: workflow.GroupViewers},
	}
	groupsJSON, err := json.Marshal(groups)
	if err != nil {
		return 0, fmt.Errorf("marshal groups: %w", err)
	}

	ts := s.now().UnixMilli()
	item := auditlog.Item{
		ActionType: "created",
		Time:       s.now(),
		LegalName:  user.LegalName,
		Initials:   user.Initials,
		Stage:      stage.Draft,
		Timezone:   timezone,
		Locale:     locale,
	}
	itemJSON, err := json.Marshal(item)
	if err != nil {
		return 0, fmt.Errorf("marshal item: %w", err)
	}

	rec := store.DocumentRecord{
		Key:               key,
		Stage:             string(stage.Draft),
		Locale:            locale,
		Timezone:          timezone,
		ParticipantGroups: groupsJSON,
	}
	first := store.Checkpoint{
		ID:          util.NewID("al"),
		DocumentKey: key,
		Item:        itemJSON,
		Content:     json.RawMessage(`{}`),
		Timestamp:   ts,
	}
	if err := s.store.CreateDocument(ctx, rec, first); err != nil {
		return 0, err
	}
	return ts, nil
}

// checkLock fails when a different live session holds the soft lock.
func (s *Service) checkLock(ctx context.Context, key, sessionID string) error {
	lock, err := s.locks.GetLock(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if lock.SessionID == sessionID {
		return nil
	}
	if s.now().Sub(lock.AcquiredAt) < s.lockLease {
		return errLocked
	}
	return nil
}

// FetchOut is the latest checkpoint, its lock token, and the rotated secret.
type FetchOut struct {
	Item      json.RawMessage `json:"item"`
	Timestamp int64           `json:"timestamp"`
	Sus       string          `json:"sus,omitempty"`
}

// FetchLatest returns the newest checkpoint, optionally granting the soft
// lock, and opportunistically rotates the caller's secret.
func (s *Service) FetchLatest(ctx context.Context, user store.User, sessionID, key string, withLock bool) (FetchOut, error) {
	rec, err := s.store.GetDocument(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return FetchOut{}, &notFoundError{Key: key, Locale: user.Locale}
	}
	if err != nil {
		return FetchOut{}, err
	}

	if withLock {
		if err := s.checkLock(ctx, key, sessionID); err != nil {
			return FetchOut{}, err
		}
		if err := s.locks.AcquireLock(ctx, key, sessionID, s.now()); err != nil {
			return FetchOut{}, err
		}
	}

	cp, err := s.store.LatestCheckpoint(ctx, key)
	if err != nil {
		return FetchOut{}, err
	}
	if cp.Timestamp != rec.EditTime {
		log.Printf("server: document %s edit time %d disagrees with latest checkpoint %d", key, rec.EditTime, cp.Timestamp)
	}

	sus, err := s.rotateSecret(ctx, user.ID)
	if err != nil {
		return FetchOut{}, err
	}
	return FetchOut{Item: cp.Item, Timestamp: cp.Timestamp, Sus: sus}, nil
}

// AppendIn is the checkpoint write body.
type AppendIn struct {
	Item      auditlog.Item   `json:"item"`
	Content   json.RawMessage `json:"content"`
	Timestamp int64           `json:"timestamp"`
	Force     bool            `json:"force"`
	LeaveLock bool            `json:"leaveLock"`
}

// AppendOut acknowledges an accepted write with the new lock token and the
// rotated request secret.
type AppendOut struct {
	BookmarkID string `json:"bookmarkId"`
	Timestamp  int64  `json:"timestamp"`
	Sus        string `json:"sus,omitempty"`
}

// Append commits one checkpoint. Acceptance depends solely on the presented
// lock token matching the document's current edit time; a mismatch is the
// stale conflict, a foreign live lock is the locked conflict.
func (s *Service) Append(ctx context.Context, user store.User, sessionID, key string, in AppendIn) (AppendOut, error) {
	if err := s.checkLock(ctx, key, sessionID); err != nil {
		return AppendOut{}, err
	}
	rec, err := s.store.GetDocument(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return AppendOut{}, &notFoundError{Key: key, Locale: user.Locale}
	}
	if err != nil {
		return AppendOut{}, err
	}

	next := rec
	next.Stage = string(stage.Parse(string(in.Item.Stage)))
	next.EmptyCellCount = in.Item.EmptyCellCount
	next.MarkerCounter = in.Item.MarkerCounter
	next.AttachmentNumber = in.Item.AttachmentNumber

	var nextSigner *workflow.Participant
	if in.Item.ActionType == "signed" {
		groupsJSON, signer := s.recordSignature(rec, in.Item)
		if groupsJSON != nil {
			next.ParticipantGroups = groupsJSON
		}
		nextSigner = signer
	}

	ts := s.nextTimestamp(rec.EditTime)

	if s.blobs != nil && len(in.Content) > 0 {
		if err := s.blobs.PutContent(ctx, key, ts, in.Content); err != nil {
			return AppendOut{}, domainError(503, "PROVISIONING", "Content storage not available", nil)
		}
	}

	itemJSON, err := json.Marshal(in.Item)
	if err != nil {
		return AppendOut{}, fmt.Errorf("marshal item: %w", err)
	}
	cp := store.Checkpoint{
		ID:          util.NewID("al"),
		DocumentKey: key,
		Item:        itemJSON,
		Content:     in.Content,
		Timestamp:   ts,
	}
	if err := s.store.AppendCheckpoint(ctx, key, in.Timestamp, next, cp); err != nil {
		return AppendOut{}, err
	}

	if !in.LeaveLock {
		if err := s.locks.ReleaseLock(ctx, key, sessionID); err != nil {
			log.Printf("server: release lock for %s: %v", key, err)
		}
	}

	if nextSigner != nil && s.notifier != nil {
		if err := s.notifier.NotifyNextSigner(key, *nextSigner, stage.Parse(next.Stage)); err != nil {
			log.Printf("server: next-signer notification for %s: %v", key, err)
		}
	}

	sus, err := s.rotateSecret(ctx, user.ID)
	if err != nil {
		return AppendOut{}, err
	}
	return AppendOut{BookmarkID: cp.ID, Timestamp: ts, Sus: sus}, nil
}

// recordSignature folds a "signed" checkpoint into the stored participant
// groups and resolves who signs next, if anyone.
func (s *Service) recordSignature(rec store.DocumentRecord, item auditlog.Item) (json.RawMessage, *workflow.Participant) {
	var groups []workflow.Group
	if err := json.Unmarshal(rec.ParticipantGroups, &groups); err != nil || len(groups) < 5 {
		return nil, nil
	}
	docStage := stage.Parse(string(item.Stage))
	approval := groups[1:4]

	signed := workflow.MarkSigned(docStage, workflow.Participant{Name: item.LegalName, Initials: item.Initials}, approval)
	if signed == nil {
		// Name-only match: fall back to the precedence matcher.
		for _, member := range approvalMembers(docStage, approval) {
			if member.Name == item.LegalName || (item.Initials != "" && member.Initials == item.Initials) {
				signed = workflow.MarkSigned(docStage, member, approval)
				break
			}
		}
	}
	if signed == nil {
		return nil, nil
	}
	copy(groups[1:4], signed)

	var next *workflow.Participant
	if idx := workflow.NextSignerIndex(docStage, signed); idx >= 0 {
		member := signed[workflow.StageGroupIndex(docStage)].Participants[idx]
		next = &member
	}

	groupsJSON, err := json.Marshal(groups)
	if err != nil {
		return nil, next
	}
	return groupsJSON, next
}

func approvalMembers(docStage stage.Stage, approval []workflow.Group) []workflow.Participant {
	idx := workflow.StageGroupIndex(docStage)
	if idx < 0 || idx >= len(approval) {
		return nil
	}
	return approval[idx].Participants
}

// TransitionIn is a stage-change request.
type TransitionIn struct {
	NewStage stage.Stage `json:"newStage"`
	Reason   string      `json:"reason"`
	Time     time.Time   `json:"time"`
	NPages   int         `json:"nPages"`
}

// Transition validates the lifecycle step and commits it as a checkpoint
// under the same conflict rules as Append.
func (s *Service) Transition(ctx context.Context, user store.User, sessionID, key string, in TransitionIn) (AppendOut, error) {
	if err := s.checkLock(ctx, key, sessionID); err != nil {
		return AppendOut{}, err
	}
	rec, err := s.store.GetDocument(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return AppendOut{}, &notFoundError{Key: key, Locale: user.Locale}
	}
	if err != nil {
		return AppendOut{}, err
	}

	from := stage.Parse(rec.Stage)
	if !stage.CanTransition(from, in.NewStage) {
		return AppendOut{}, domainError(400, "INVALID_TRANSITION",
			fmt.Sprintf("Cannot move from %s to %s", from, in.NewStage), nil)
	}

	next := rec
	next.Stage = string(in.NewStage)
	if in.NewStage == stage.Uploaded {
		// Freshly uploaded content has no tracked empty cells yet.
		next.EmptyCellCount = 0
	}

	item := auditlog.Item{
		ActionType:       "stageTransition",
		Time:             in.Time,
		LegalName:        user.LegalName,
		Initials:         user.Initials,
		Stage:            in.NewStage,
		EmptyCellCount:   next.EmptyCellCount,
		MarkerCounter:    next.MarkerCounter,
		AttachmentNumber: next.AttachmentNumber,
		Timezone:         rec.Timezone,
		Locale:           rec.Locale,
	}
	itemJSON, err := json.Marshal(item)
	if err != nil {
		return AppendOut{}, fmt.Errorf("marshal item: %w", err)
	}

	ts := s.nextTimestamp(rec.EditTime)
	cp := store.Checkpoint{
		ID:          util.NewID("al"),
		DocumentKey: key,
		Item:        itemJSON,
		Content:     json.RawMessage(`{}`),
		Timestamp:   ts,
	}
	if err := s.store.AppendCheckpoint(ctx, key, rec.EditTime, next, cp); err != nil {
		return AppendOut{}, err
	}

	sus, err := s.rotateSecret(ctx, user.ID)
	if err != nil {
		return AppendOut{}, err
	}
	return AppendOut{BookmarkID: cp.ID, Timestamp: ts, Sus: sus}, nil
}

// nextTimestamp keeps the lock token strictly increasing even when the wall
// clock stalls inside one millisecond.
func (s *Service) nextTimestamp(prev int64) int64 {
	ts := s.now().UnixMilli()
	if ts <= prev {
		ts = prev + 1
	}
	return ts
}
