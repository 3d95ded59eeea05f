package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/vincentgggg12/docufen-admin-sub002/internal/auditlog"
	"github.com/vincentgggg12/docufen-admin-sub002/internal/authtoken"
	"github.com/vincentgggg12/docufen-admin-sub002/internal/secrets"
	"github.com/vincentgggg12/docufen-admin-sub002/internal/stage"
	"github.com/vincentgggg12/docufen-admin-sub002/internal/store"
)

const testPassword = "correct horse battery staple"

func newTestBackend(t *testing.T) (*store.MemoryStore, *Service, *httptest.Server) {
	t.Helper()
	st := store.NewMemoryStore()
	svc := New(st, "test-jwt-secret", time.Hour, 45*time.Second)
	user := store.User{
		ID:        "user-1",
		LegalName: "Avery Quinn",
		Email:     "avery@example.com",
		Initials:  "AQ",
		Locale:    "en-GB",
	}
	if err := svc.EnsureUser(context.Background(), user, testPassword); err != nil {
		t.Fatalf("ensure user: %v", err)
	}
	ts := httptest.NewServer(NewHTTPServer(svc, "*").Handler())
	t.Cleanup(ts.Close)
	return st, svc, ts
}

// newTestChannel logs in one session. Sessions of the same user share the
// secrets store: every server response rotates the secret, and a second
// session holding yesterday's secret would be locked out mid-test.
func newTestChannel(t *testing.T, baseURL string, sec *secrets.Store) *auditlog.Channel {
	t.Helper()
	if sec == nil {
		sec = secrets.NewStore()
	}
	ch := auditlog.NewChannel(baseURL, authtoken.NewProvider(sec), sec, nil, nil)
	if err := ch.Login(context.Background(), "user-1", testPassword); err != nil {
		t.Fatalf("login: %v", err)
	}
	return ch
}

func createDocument(t *testing.T, svc *Service, key string) {
	t.Helper()
	user, err := svc.store.GetUser(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("get user: %v", err)
	}
	if _, err := svc.CreateDocument(context.Background(), user, key, "en-GB", "Europe/London"); err != nil {
		t.Fatalf("create document: %v", err)
	}
}

func TestLoginRejectsBadPassword(t *testing.T) {
	_, _, ts := newTestBackend(t)

	body := bytes.NewBufferString(`{"userId":"user-1","password":"wrong"}`)
	resp, err := http.Post(ts.URL+"/api/session/login", "application/json", body)
	if err != nil {
		t.Fatalf("post login: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected status 401, got %d", resp.StatusCode)
	}
}

func TestCheckpointRoundTrip(t *testing.T) {
	_, svc, ts := newTestBackend(t)
	createDocument(t, svc, "doc-1")
	ch := newTestChannel(t, ts.URL, nil)
	ctx := context.Background()

	fetched, err := ch.FetchLatest(ctx, "doc-1", true)
	if err != nil {
		t.Fatalf("fetch latest: %v", err)
	}
	if fetched.Item.ActionType != "created" {
		t.Fatalf("expected created checkpoint, got %q", fetched.Item.ActionType)
	}
	if fetched.Timestamp == 0 {
		t.Fatalf("expected a lock token")
	}

	result := ch.Append(ctx, auditlog.AppendRequest{
		Key: "doc-1",
		Item: auditlog.Item{
			ActionType: "edited",
			Time:       time.Now(),
			LegalName:  "Avery Quinn",
			Initials:   "AQ",
			Stage:      stage.Draft,
		},
		Content:   json.RawMessage(`{"cells":3}`),
		Timestamp: fetched.Timestamp,
	})
	if result.Code != auditlog.CodeOK {
		t.Fatalf("expected accepted write, got code %d err %v", result.Code, result.Err)
	}
	if result.BookmarkID == "" {
		t.Fatalf("expected a bookmark id")
	}
	if result.Timestamp <= fetched.Timestamp {
		t.Fatalf("expected lock token to advance, got %d after %d", result.Timestamp, fetched.Timestamp)
	}

	// Replaying the consumed token must fail as a stale-token conflict.
	replay := ch.Append(ctx, auditlog.AppendRequest{
		Key:       "doc-1",
		Item:      auditlog.Item{ActionType: "edited", Stage: stage.Draft},
		Timestamp: fetched.Timestamp,
	})
	if replay.Code != auditlog.CodeConflict {
		t.Fatalf("expected conflict, got code %d err %v", replay.Code, replay.Err)
	}
	if replay.Conflict != auditlog.ConflictStale {
		t.Fatalf("expected stale-token conflict, got %v", replay.Conflict)
	}
}

func TestForeignLockBlocksAppend(t *testing.T) {
	st, svc, ts := newTestBackend(t)
	createDocument(t, svc, "doc-2")
	ctx := context.Background()

	ch := newTestChannel(t, ts.URL, nil)
	fetched, err := ch.FetchLatest(ctx, "doc-2", true)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}

	// Another live session takes the lock out from under this one.
	if err := st.AcquireLock(ctx, "doc-2", "intruder-session", time.Now()); err != nil {
		t.Fatalf("seed lock: %v", err)
	}

	result := ch.Append(ctx, auditlog.AppendRequest{
		Key:       "doc-2",
		Item:      auditlog.Item{ActionType: "edited", Stage: stage.Draft},
		Timestamp: fetched.Timestamp,
	})
	if result.Code != auditlog.CodeConflict {
		t.Fatalf("expected conflict, got code %d err %v", result.Code, result.Err)
	}
	if result.Conflict != auditlog.ConflictLocked {
		t.Fatalf("expected locked conflict, got %v", result.Conflict)
	}
}

func TestFetchWithLockHeldByOther(t *testing.T) {
	_, svc, ts := newTestBackend(t)
	createDocument(t, svc, "doc-3")
	ctx := context.Background()

	sec := secrets.NewStore()
	holder := newTestChannel(t, ts.URL, sec)
	if _, err := holder.FetchLatest(ctx, "doc-3", true); err != nil {
		t.Fatalf("holder fetch: %v", err)
	}

	contender := newTestChannel(t, ts.URL, sec)
	_, err := contender.FetchLatest(ctx, "doc-3", true)
	if err != auditlog.ErrLocked {
		t.Fatalf("expected ErrLocked, got %v", err)
	}

	// Without a lock request the read goes through.
	if _, err := contender.FetchLatest(ctx, "doc-3", false); err != nil {
		t.Fatalf("read without lock: %v", err)
	}
}

func TestExpiredLockIsReclaimable(t *testing.T) {
	st, svc, ts := newTestBackend(t)
	createDocument(t, svc, "doc-4")
	ctx := context.Background()

	// A foreign lock older than the lease must not block a new session.
	if err := st.AcquireLock(ctx, "doc-4", "dead-session", time.Now().Add(-time.Minute)); err != nil {
		t.Fatalf("seed lock: %v", err)
	}

	contender := newTestChannel(t, ts.URL, nil)
	if _, err := contender.FetchLatest(ctx, "doc-4", true); err != nil {
		t.Fatalf("expected expired lock to be reclaimable, got %v", err)
	}
}

func TestFetchUnknownDocumentCarriesLocale(t *testing.T) {
	_, _, ts := newTestBackend(t)
	ch := newTestChannel(t, ts.URL, nil)

	_, err := ch.FetchLatest(context.Background(), "missing", false)
	nf, ok := err.(*auditlog.NotFoundError)
	if !ok {
		t.Fatalf("expected NotFoundError, got %v", err)
	}
	if nf.Locale != "en-GB" {
		t.Fatalf("expected the user's locale on the 404, got %q", nf.Locale)
	}
}

func TestStageTransitionOverWire(t *testing.T) {
	_, svc, ts := newTestBackend(t)
	createDocument(t, svc, "doc-5")
	ch := newTestChannel(t, ts.URL, nil)
	ctx := context.Background()

	if _, err := ch.FetchLatest(ctx, "doc-5", true); err != nil {
		t.Fatalf("fetch: %v", err)
	}

	result := ch.RequestTransition(ctx, auditlog.TransitionRequest{
		Key:      "doc-5",
		NewStage: stage.Uploaded,
		Time:     time.Now(),
		NPages:   4,
	})
	if result.Code != auditlog.CodeOK {
		t.Fatalf("expected accepted transition, got code %d err %v", result.Code, result.Err)
	}

	// Skipping ahead in the lifecycle is rejected outright, not as a conflict.
	skip := ch.RequestTransition(ctx, auditlog.TransitionRequest{
		Key:      "doc-5",
		NewStage: stage.PostApprove,
		Time:     time.Now(),
	})
	if skip.Code != auditlog.CodeFailed {
		t.Fatalf("expected failed code for illegal transition, got %d", skip.Code)
	}

	rec, err := svc.store.GetDocument(ctx, "doc-5")
	if err != nil {
		t.Fatalf("get document: %v", err)
	}
	if rec.Stage != string(stage.Uploaded) {
		t.Fatalf("expected stage Uploaded, got %q", rec.Stage)
	}
	if rec.EmptyCellCount != 0 {
		t.Fatalf("expected empty cell count reset on upload, got %d", rec.EmptyCellCount)
	}
}

func TestStaleAuthorizationWindow(t *testing.T) {
	_, svc, ts := newTestBackend(t)
	createDocument(t, svc, "doc-6")
	ch := newTestChannel(t, ts.URL, nil)

	// The client derives tokens for the current window; the server judging
	// one window later sees a stale-but-valid token.
	svc.now = func() time.Time { return time.Now().Add(authtoken.Window) }

	_, err := ch.FetchLatest(context.Background(), "doc-6", false)
	if err != auditlog.ErrAuthorizationStale {
		t.Fatalf("expected ErrAuthorizationStale, got %v", err)
	}
}

func TestSignedCheckpointAdvancesWorkflow(t *testing.T) {
	st, svc, ts := newTestBackend(t)
	createDocument(t, svc, "doc-7")
	ctx := context.Background()

	// Seed a pre-approval group with an ordered pair of signers.
	rec, err := st.GetDocument(ctx, "doc-7")
	if err != nil {
		t.Fatalf("get document: %v", err)
	}
	rec.Stage = string(stage.PreApprove)
	rec.ParticipantGroups = json.RawMessage(`[
		{"title":"Owners","participants":[{"id":"user-1","email":"avery@example.com","name":"Avery Quinn","initials":"AQ"}]},
		{"title":"Pre-Approval","signingOrder":true,"participants":[
			{"id":"user-1","email":"avery@example.com","name":"Avery Quinn","initials":"AQ"},
			{"id":"user-2","email":"blake@example.com","name":"Blake Reed","initials":"BR"}
		]},
		{"title":"Execution","participants":[]},
		{"title":"Post-Approval","participants":[]},
		{"title":"Viewers","participants":[]}
	]`)
	seedDocument(t, st, rec)

	ch := newTestChannel(t, ts.URL, nil)
	fetched, err := ch.FetchLatest(ctx, "doc-7", true)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}

	result := ch.Append(ctx, auditlog.AppendRequest{
		Key: "doc-7",
		Item: auditlog.Item{
			ActionType: "signed",
			Time:       time.Now(),
			LegalName:  "Avery Quinn",
			Initials:   "AQ",
			Stage:      stage.PreApprove,
		},
		Timestamp: fetched.Timestamp,
	})
	if result.Code != auditlog.CodeOK {
		t.Fatalf("expected accepted signature, got code %d err %v", result.Code, result.Err)
	}

	after, err := st.GetDocument(ctx, "doc-7")
	if err != nil {
		t.Fatalf("get document: %v", err)
	}
	var groups []struct {
		Title        string `json:"title"`
		Participants []struct {
			ID     string `json:"id"`
			Signed bool   `json:"signed"`
		} `json:"participants"`
	}
	if err := json.Unmarshal(after.ParticipantGroups, &groups); err != nil {
		t.Fatalf("parse groups: %v", err)
	}
	pre := groups[1]
	if !pre.Participants[0].Signed {
		t.Fatalf("expected the first signer to be marked signed")
	}
	if pre.Participants[1].Signed {
		t.Fatalf("expected the second signer to remain unsigned")
	}
}

// seedDocument overwrites a document record in the memory store via the CAS
// path so the edit time stays coherent.
func seedDocument(t *testing.T, st *store.MemoryStore, rec store.DocumentRecord) {
	t.Helper()
	ctx := context.Background()
	cp := store.Checkpoint{
		ID:          "al_seed",
		DocumentKey: rec.Key,
		Item:        json.RawMessage(`{"actionType":"seed"}`),
		Content:     json.RawMessage(`{}`),
		Timestamp:   rec.EditTime + 1,
	}
	if err := st.AppendCheckpoint(ctx, rec.Key, rec.EditTime, rec, cp); err != nil {
		t.Fatalf("seed document: %v", err)
	}
}
