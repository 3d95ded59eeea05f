package authtoken

import (
	"errors"
	"testing"
	"time"

	"github.com/vincentgggg12/docufen-admin-sub002/internal/secrets"
)

func TestGetAuthorizationNotReady(t *testing.T) {
	p := NewProvider(secrets.NewStore())
	_, err := p.GetAuthorization("u1")
	if !errors.Is(err, ErrNotReady) {
		t.Fatalf("expected ErrNotReady before secret is known, got %v", err)
	}
}

func TestDeriveStableWithinWindow(t *testing.T) {
	base := time.Unix(1_700_000_100, 0)
	windowStart := time.Unix(base.Unix()-base.Unix()%180, 0)

	a := Derive("secret", windowStart)
	b := Derive("secret", windowStart.Add(179*time.Second))
	if a != b {
		t.Fatal("token changed inside one window")
	}

	c := Derive("secret", windowStart.Add(180*time.Second))
	if a == c {
		t.Fatal("token did not rotate at the window boundary")
	}

	if Derive("other", windowStart) == a {
		t.Fatal("different secrets produced the same token")
	}
}

func TestVerifyDistinguishesStaleWindow(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)

	current := Derive("secret", now)
	if ok, stale := Verify("secret", current, now); !ok || stale {
		t.Fatalf("current token: ok=%v stale=%v", ok, stale)
	}

	previous := Derive("secret", now.Add(-Window))
	if ok, stale := Verify("secret", previous, now); ok || !stale {
		t.Fatalf("previous-window token: ok=%v stale=%v", ok, stale)
	}

	if ok, stale := Verify("secret", "garbage", now); ok || stale {
		t.Fatalf("forged token: ok=%v stale=%v", ok, stale)
	}
	if ok, _ := Verify("", current, now); ok {
		t.Fatal("empty secret must never verify")
	}
}

func TestProviderUsesStoreSecret(t *testing.T) {
	store := secrets.NewStore()
	store.Set("u1", "secret")
	p := NewProvider(store)
	p.now = func() time.Time { return time.Unix(1_700_000_000, 0) }

	token, err := p.GetAuthorization("u1")
	if err != nil {
		t.Fatalf("GetAuthorization failed: %v", err)
	}
	if token != Derive("secret", time.Unix(1_700_000_000, 0)) {
		t.Fatal("provider token does not match direct derivation")
	}
}
