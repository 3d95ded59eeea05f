package auditlog

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vincentgggg12/docufen-admin-sub002/internal/authtoken"
	"github.com/vincentgggg12/docufen-admin-sub002/internal/secrets"
	"github.com/vincentgggg12/docufen-admin-sub002/internal/spool"
)

func newTestChannel(t *testing.T, baseURL string) (*Channel, *secrets.Store, *spool.Spool) {
	t.Helper()
	store := secrets.NewStore()
	store.Set("u1", "secret")
	sp, err := spool.New(t.TempDir())
	require.NoError(t, err)
	ch := NewChannel(baseURL, authtoken.NewProvider(store), store, nil, sp)
	ch.userID = "u1"
	return ch, store, sp
}

func TestClassifyConflict(t *testing.T) {
	require.Equal(t, ConflictLocked, ClassifyConflict("Document Locked"))
	require.Equal(t, ConflictStale, ClassifyConflict("Hash not valid"))
	require.Equal(t, ConflictStale, ClassifyConflict("anything else"))
	require.Equal(t, "Document Locked", ConflictLocked.WireMessage())
	require.Equal(t, "Hash not valid", ConflictStale.WireMessage())
}

func TestAppendSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/documents/doc-1/auditlog", r.URL.Path)
		require.NotEmpty(t, r.Header.Get("Authorization"))
		require.Equal(t, "u1", r.Header.Get("X-Docufen-User"))

		var body struct {
			Force     bool  `json:"force"`
			Timestamp int64 `json:"timestamp"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.True(t, body.Force, "append must be a force-write")
		require.Equal(t, int64(41), body.Timestamp)

		json.NewEncoder(w).Encode(map[string]any{"bookmarkId": "al_1", "timestamp": 42})
	}))
	defer srv.Close()

	ch, _, _ := newTestChannel(t, srv.URL)
	res := ch.Append(context.Background(), AppendRequest{Key: "doc-1", Timestamp: 41})
	require.Equal(t, CodeOK, res.Code)
	require.Equal(t, "al_1", res.BookmarkID)
	require.Equal(t, int64(42), res.Timestamp)
}

func TestAppendConflictKinds(t *testing.T) {
	message := "Document Locked"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPreconditionFailed)
		json.NewEncoder(w).Encode(map[string]string{"message": message})
	}))
	defer srv.Close()

	ch, _, _ := newTestChannel(t, srv.URL)

	res := ch.Append(context.Background(), AppendRequest{Key: "doc-1"})
	require.Equal(t, CodeConflict, res.Code)
	require.Equal(t, ConflictLocked, res.Conflict)

	message = "Hash not valid"
	res = ch.Append(context.Background(), AppendRequest{Key: "doc-1"})
	require.Equal(t, CodeConflict, res.Code)
	require.Equal(t, ConflictStale, res.Conflict)
}

func TestAppendServerStatuses(t *testing.T) {
	status := int32(http.StatusUnauthorized)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(int(atomic.LoadInt32(&status)))
	}))
	defer srv.Close()

	ch, _, _ := newTestChannel(t, srv.URL)

	res := ch.Append(context.Background(), AppendRequest{Key: "doc-1"})
	require.Equal(t, CodeUnauthenticated, res.Code)

	atomic.StoreInt32(&status, http.StatusServiceUnavailable)
	res = ch.Append(context.Background(), AppendRequest{Key: "doc-1"})
	require.Equal(t, CodeFailed, res.Code)
}

func TestAppendNetworkFailureSpoolsPayload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	ch, _, sp := newTestChannel(t, srv.URL)
	ch.SetTimeout(20 * time.Millisecond)

	res := ch.Append(context.Background(), AppendRequest{Key: "doc-1", Timestamp: 7})
	require.Equal(t, CodeNetwork, res.Code)
	require.Error(t, res.Err)

	pending, err := sp.List("doc-1")
	require.NoError(t, err)
	require.Len(t, pending, 1, "network failure must persist the payload")

	var body struct {
		Timestamp int64 `json:"timestamp"`
	}
	require.NoError(t, json.Unmarshal(pending[0].Body, &body))
	require.Equal(t, int64(7), body.Timestamp)
}

func TestAppendShortCircuitsWithoutSecret(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer srv.Close()

	store := secrets.NewStore()
	ch := NewChannel(srv.URL, authtoken.NewProvider(store), store, nil, nil)
	ch.userID = "u1"

	res := ch.Append(context.Background(), AppendRequest{Key: "doc-1"})
	require.Equal(t, CodeUnauthenticated, res.Code)
	require.ErrorIs(t, res.Err, authtoken.ErrNotReady)
	require.False(t, called, "not-ready must not hit the network")
}

func TestFetchLatestSuccessRotatesSecret(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/documents/doc-1/auditlog/latest", r.URL.Path)
		require.Equal(t, "1", r.URL.Query().Get("lock"))
		json.NewEncoder(w).Encode(map[string]any{
			"item":      Item{ActionType: "message", LegalName: "Ann"},
			"timestamp": 99,
			"sus":       "rotated",
		})
	}))
	defer srv.Close()

	ch, store, _ := newTestChannel(t, srv.URL)
	res, err := ch.FetchLatest(context.Background(), "doc-1", true)
	require.NoError(t, err)
	require.Equal(t, int64(99), res.Timestamp)
	require.Equal(t, "message", res.Item.ActionType)
	require.Equal(t, "rotated", store.Get("u1"), "rotated sus must update the secret store")
}

func TestFetchLatestErrorOutcomes(t *testing.T) {
	status := int32(http.StatusUnauthorized)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		code := int(atomic.LoadInt32(&status))
		w.WriteHeader(code)
		if code == http.StatusNotFound {
			json.NewEncoder(w).Encode(map[string]string{"locale": "de-DE"})
		}
	}))
	defer srv.Close()

	ch, _, _ := newTestChannel(t, srv.URL)
	ctx := context.Background()

	_, err := ch.FetchLatest(ctx, "doc-1", false)
	require.ErrorIs(t, err, ErrSessionStale)

	atomic.StoreInt32(&status, http.StatusForbidden)
	_, err = ch.FetchLatest(ctx, "doc-1", false)
	require.ErrorIs(t, err, ErrAuthorizationStale)

	atomic.StoreInt32(&status, http.StatusPreconditionFailed)
	_, err = ch.FetchLatest(ctx, "doc-1", true)
	require.ErrorIs(t, err, ErrLocked)

	atomic.StoreInt32(&status, http.StatusNotFound)
	_, err = ch.FetchLatest(ctx, "doc-1", false)
	var notFound *NotFoundError
	require.ErrorAs(t, err, &notFound)
	require.Equal(t, "de-DE", notFound.Locale)
}

func TestFetchLatestBusy(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		json.NewEncoder(w).Encode(map[string]any{"item": Item{}, "timestamp": 1})
	}))
	defer srv.Close()

	ch, _, _ := newTestChannel(t, srv.URL)

	type outcome struct {
		res *FetchResult
		err error
	}
	first := make(chan outcome, 1)
	go func() {
		res, err := ch.FetchLatest(context.Background(), "doc-1", false)
		first <- outcome{res, err}
	}()

	// Wait for the first call to take the re-entrancy flag.
	require.Eventually(t, func() bool {
		ch.mu.Lock()
		defer ch.mu.Unlock()
		return ch.fetching
	}, time.Second, 5*time.Millisecond)

	_, err := ch.FetchLatest(context.Background(), "doc-1", false)
	require.ErrorIs(t, err, ErrBusy, "second overlapping fetch must fail fast")

	close(release)
	got := <-first
	require.NoError(t, got.err, "busy rejection must not affect the in-flight call")
	require.Equal(t, int64(1), got.res.Timestamp)

	// Flag released: a later fetch works again.
	_, err = ch.FetchLatest(context.Background(), "doc-1", false)
	require.NoError(t, err)
}

func TestRequestTransitionUsesAppendContract(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/documents/doc-1/stage", r.URL.Path)
		var body struct {
			NewStage string `json:"newStage"`
			Reason   string `json:"reason"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, "Uploaded", body.NewStage)
		json.NewEncoder(w).Encode(map[string]any{"bookmarkId": "al_2", "timestamp": 5})
	}))
	defer srv.Close()

	ch, _, _ := newTestChannel(t, srv.URL)
	res := ch.RequestTransition(context.Background(), TransitionRequest{
		Key:      "doc-1",
		NewStage: "Uploaded",
		Reason:   "initial upload",
		Time:     time.Now(),
		NPages:   3,
	})
	require.Equal(t, CodeOK, res.Code)
	require.Equal(t, "al_2", res.BookmarkID)
}

func TestLogin(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/session/login", r.URL.Path)
		var body struct {
			UserID   string `json:"userId"`
			Password string `json:"password"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		if body.Password != "pw" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"token": "sess", "sus": "fresh"})
	}))
	defer srv.Close()

	store := secrets.NewStore()
	ch := NewChannel(srv.URL, authtoken.NewProvider(store), store, nil, nil)

	require.ErrorIs(t, ch.Login(context.Background(), "u1", "wrong"), ErrSessionStale)

	require.NoError(t, ch.Login(context.Background(), "u1", "pw"))
	require.Equal(t, "u1", ch.UserID())
	require.Equal(t, "fresh", store.Get("u1"))

	// Login seeds the secret: a windowed token is now derivable.
	_, err := authtoken.NewProvider(store).GetAuthorization("u1")
	require.NoError(t, err)
}
