// Package spool persists checkpoint payloads that failed with a
// network-class error so they can be resubmitted later. Server rejections are
// never spooled: a definitive answer means the payload is wrong, not lost.
package spool

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

type Spool struct {
	mu  sync.Mutex
	dir string
}

// Pending is one spooled payload awaiting resubmission.
type Pending struct {
	Path        string          `json:"-"`
	DocumentKey string          `json:"documentKey"`
	SavedAt     time.Time       `json:"savedAt"`
	Body        json.RawMessage `json:"body"`
}

func New(dir string) (*Spool, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create spool dir: %w", err)
	}
	return &Spool{dir: dir}, nil
}

// Put writes the payload for the document and returns the file path. The
// write goes through a temp file and rename so a crash never leaves a
// half-written entry.
func (s *Spool) Put(documentKey string, body json.RawMessage) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry := Pending{
		DocumentKey: documentKey,
		SavedAt:     time.Now().UTC(),
		Body:        body,
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return "", fmt.Errorf("marshal spool entry: %w", err)
	}

	name := fmt.Sprintf("%s-%d.json", sanitize(documentKey), time.Now().UnixNano())
	path := filepath.Join(s.dir, name)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", fmt.Errorf("write spool entry: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("commit spool entry: %w", err)
	}
	return path, nil
}

// List returns the pending entries for a document in write order. An empty
// key lists everything.
func (s *Spool) List(documentKey string) ([]Pending, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read spool dir: %w", err)
	}

	var names []string
	prefix := ""
	if documentKey != "" {
		prefix = sanitize(documentKey) + "-"
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		if prefix != "" && !strings.HasPrefix(e.Name(), prefix) {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	var out []Pending
	for _, name := range names {
		path := filepath.Join(s.dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read spool entry %s: %w", name, err)
		}
		var p Pending
		if err := json.Unmarshal(data, &p); err != nil {
			// A corrupt entry should not block resubmission of the rest.
			continue
		}
		p.Path = path
		out = append(out, p)
	}
	return out, nil
}

// Remove deletes a spooled entry after successful resubmission.
func (s *Spool) Remove(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove spool entry: %w", err)
	}
	return nil
}

func sanitize(key string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, key)
}
