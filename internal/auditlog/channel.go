package auditlog

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/vincentgggg12/docufen-admin-sub002/internal/authtoken"
	"github.com/vincentgggg12/docufen-admin-sub002/internal/secrets"
	"github.com/vincentgggg12/docufen-admin-sub002/internal/spool"
	"github.com/vincentgggg12/docufen-admin-sub002/internal/stage"
)

// DefaultTimeout is the hard ceiling on any wire call. A call that exceeds it
// is cancelled and reported as a network-class failure, never a server one.
const DefaultTimeout = 16 * time.Second

const (
	headerUser    = "X-Docufen-User"
	headerSession = "X-Docufen-Session"
)

// Channel speaks the checkpoint protocol for one user session. There is no
// persistent connection: staleness is detected purely by pulling the latest
// checkpoint and comparing lock tokens.
type Channel struct {
	baseURL string
	http    *http.Client
	tokens  *authtoken.Provider
	secrets *secrets.Store
	bc      *secrets.Broadcaster // optional, cross-session secret fanout
	spool   *spool.Spool         // optional, network-failure payload persistence
	timeout time.Duration

	userID       string
	sessionToken string

	mu       sync.Mutex
	fetching bool
}

func NewChannel(baseURL string, tokens *authtoken.Provider, store *secrets.Store, bc *secrets.Broadcaster, sp *spool.Spool) *Channel {
	return &Channel{
		baseURL: baseURL,
		http:    &http.Client{},
		tokens:  tokens,
		secrets: store,
		bc:      bc,
		spool:   sp,
		timeout: DefaultTimeout,
	}
}

// SetTimeout overrides the wire timeout. Intended for tests.
func (c *Channel) SetTimeout(d time.Duration) { c.timeout = d }

// UserID returns the user this channel authenticates as.
func (c *Channel) UserID() string { return c.userID }

// Login authenticates against the server and seeds the rotating secret. The
// returned session token identifies this session for lock ownership.
func (c *Channel) Login(ctx context.Context, userID, password string) error {
	body, err := json.Marshal(map[string]string{"userId": userID, "password": password})
	if err != nil {
		return fmt.Errorf("marshal login: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/session/login", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build login request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("login: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return ErrSessionStale
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("login: unexpected status %d", resp.StatusCode)
	}

	var payload struct {
		Token string `json:"token"`
		Sus   string `json:"sus"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return fmt.Errorf("decode login response: %w", err)
	}

	c.userID = userID
	c.sessionToken = payload.Token
	c.applySecret(userID, payload.Sus)
	return nil
}

// AppendRequest is one checkpoint write. Timestamp is the lock token obtained
// from the previous FetchLatest or Append.
type AppendRequest struct {
	Key       string          `json:"-"`
	Item      Item            `json:"item"`
	Content   json.RawMessage `json:"content"`
	Timestamp int64           `json:"timestamp"`
	Force     bool            `json:"force"`
	LeaveLock bool            `json:"leaveLock"`
}

// AppendResult carries the enumerated outcome. BookmarkID is set only on
// success; Conflict only on CodeConflict; Err holds the underlying cause for
// logging and is never required for control flow.
type AppendResult struct {
	Code       Code
	Conflict   ConflictKind
	BookmarkID string
	Timestamp  int64
	Err        error
}

// Append writes a new checkpoint. Requests are always force-writes: the
// server decides acceptance solely from the presented lock token. On a
// network-class failure the payload is spooled for manual resubmission.
func (c *Channel) Append(ctx context.Context, req AppendRequest) AppendResult {
	req.Force = true
	body, err := json.Marshal(req)
	if err != nil {
		return AppendResult{Code: CodeFailed, Err: fmt.Errorf("marshal append: %w", err)}
	}
	return c.postCheckpoint(ctx, c.baseURL+"/api/documents/"+req.Key+"/auditlog", req.Key, body, true)
}

// TransitionRequest asks the server to move the document to a new stage.
type TransitionRequest struct {
	Key      string      `json:"-"`
	NewStage stage.Stage `json:"newStage"`
	Reason   string      `json:"reason"`
	Time     time.Time   `json:"time"`
	NPages   int         `json:"nPages,omitempty"`
}

// RequestTransition submits a stage transition under the same enumerated-code
// contract as Append. Transition payloads are not spooled: a transition
// re-requested after reconnect must revalidate against the current stage.
func (c *Channel) RequestTransition(ctx context.Context, req TransitionRequest) AppendResult {
	body, err := json.Marshal(req)
	if err != nil {
		return AppendResult{Code: CodeFailed, Err: fmt.Errorf("marshal transition: %w", err)}
	}
	return c.postCheckpoint(ctx, c.baseURL+"/api/documents/"+req.Key+"/stage", req.Key, body, false)
}

func (c *Channel) postCheckpoint(ctx context.Context, url, key string, body []byte, spoolOnFailure bool) AppendResult {
	token, err := c.tokens.GetAuthorization(c.userID)
	if err != nil {
		// Secret not known yet: short-circuit rather than hit the network.
		return AppendResult{Code: CodeUnauthenticated, Err: err}
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return AppendResult{Code: CodeFailed, Err: fmt.Errorf("build request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set(headerUser, c.userID)
	req.Header.Set(headerSession, c.sessionToken)

	resp, err := c.http.Do(req)
	if err != nil {
		// Timeout, abort, DNS: the write may or may not have landed, so the
		// payload is kept for manual resubmission.
		if spoolOnFailure && c.spool != nil {
			if path, spoolErr := c.spool.Put(key, body); spoolErr != nil {
				log.Printf("auditlog: spool failed for %s: %v", key, spoolErr)
			} else {
				log.Printf("auditlog: spooled failed write for %s at %s", key, path)
			}
		}
		return AppendResult{Code: CodeNetwork, Err: err}
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		var payload struct {
			BookmarkID string `json:"bookmarkId"`
			Timestamp  int64  `json:"timestamp"`
			Sus        string `json:"sus"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
			return AppendResult{Code: CodeFailed, Err: fmt.Errorf("decode response: %w", err)}
		}
		c.applySecret(c.userID, payload.Sus)
		return AppendResult{Code: CodeOK, BookmarkID: payload.BookmarkID, Timestamp: payload.Timestamp}
	case http.StatusUnauthorized:
		return AppendResult{Code: CodeUnauthenticated}
	case http.StatusPreconditionFailed:
		var payload struct {
			Message string `json:"message"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&payload)
		return AppendResult{Code: CodeConflict, Conflict: ClassifyConflict(payload.Message)}
	default:
		return AppendResult{Code: CodeFailed, Err: fmt.Errorf("server status %d", resp.StatusCode)}
	}
}

// FetchResult is the latest checkpoint plus the lock token for the next write.
type FetchResult struct {
	Item      Item
	Timestamp int64
}

// FetchLatest retrieves the most recent checkpoint. With withLock the server
// also grants the soft lock, failing with ErrLocked if another live session
// holds it. Overlapping calls from the same process fail fast with ErrBusy
// instead of racing the network layer.
func (c *Channel) FetchLatest(ctx context.Context, key string, withLock bool) (*FetchResult, error) {
	c.mu.Lock()
	if c.fetching {
		c.mu.Unlock()
		return nil, ErrBusy
	}
	c.fetching = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.fetching = false
		c.mu.Unlock()
	}()

	token, err := c.tokens.GetAuthorization(c.userID)
	if err != nil {
		return nil, err
	}

	url := c.baseURL + "/api/documents/" + key + "/auditlog/latest"
	if withLock {
		url += "?lock=1"
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build fetch request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set(headerUser, c.userID)
	req.Header.Set(headerSession, c.sessionToken)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch latest: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		var payload struct {
			Item      Item   `json:"item"`
			Timestamp int64  `json:"timestamp"`
			Sus       string `json:"sus"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
			return nil, fmt.Errorf("decode fetch response: %w", err)
		}
		c.applySecret(c.userID, payload.Sus)
		return &FetchResult{Item: payload.Item, Timestamp: payload.Timestamp}, nil
	case http.StatusUnauthorized:
		return nil, ErrSessionStale
	case http.StatusForbidden:
		return nil, ErrAuthorizationStale
	case http.StatusNotFound:
		var payload struct {
			Locale string `json:"locale"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&payload)
		return nil, &NotFoundError{Key: key, Locale: payload.Locale}
	case http.StatusPreconditionFailed:
		return nil, ErrLocked
	default:
		return nil, fmt.Errorf("fetch latest: server status %d", resp.StatusCode)
	}
}

// applySecret stores a rotated secret and best-effort fans it out to the
// user's other sessions.
func (c *Channel) applySecret(userID, sus string) {
	if sus == "" || userID == "" {
		return
	}
	c.secrets.Set(userID, sus)
	if c.bc != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := c.bc.Publish(ctx, userID, sus); err != nil {
			log.Printf("auditlog: secret broadcast failed: %v", err)
		}
	}
}
