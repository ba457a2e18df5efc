package session

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/vigia-electoral/vigia/internal/database"
	"go.uber.org/zap"
)

func signedToken(t *testing.T, expiresAt *time.Time) string {
	t.Helper()
	claims := jwt.RegisteredClaims{Subject: "operator-1"}
	if expiresAt != nil {
		claims.ExpiresAt = jwt.NewNumericDate(*expiresAt)
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

func newMemoryStore(t *testing.T, clock func() time.Time) *Store {
	t.Helper()
	store, err := NewStore(StoreConfig{Clock: clock})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return store
}

func TestSetAuthValidation(t *testing.T) {
	store := newMemoryStore(t, nil)

	if err := store.SetAuth("", Identity{ID: "operator-1"}); !errors.Is(err, ErrMissingToken) {
		t.Fatalf("expected ErrMissingToken, got %v", err)
	}
	if err := store.SetAuth("token", Identity{}); !errors.Is(err, ErrMissingIdentityID) {
		t.Fatalf("expected ErrMissingIdentityID, got %v", err)
	}
}

func TestAuthPairSetAndCleared(t *testing.T) {
	store := newMemoryStore(t, nil)
	identity := Identity{ID: "operator-1", Username: "cria1", Role: "comisaria"}

	if err := store.SetAuth("token-value", identity); err != nil {
		t.Fatalf("set auth: %v", err)
	}
	if got := store.Token(); got != "token-value" {
		t.Fatalf("unexpected token %q", got)
	}
	got, ok := store.Identity()
	if !ok || got != identity {
		t.Fatalf("unexpected identity %+v ok=%v", got, ok)
	}

	if err := store.Logout(); err != nil {
		t.Fatalf("logout: %v", err)
	}
	if store.Token() != "" {
		t.Fatalf("token not cleared")
	}
	if _, ok := store.Identity(); ok {
		t.Fatalf("identity not cleared")
	}
}

func TestExpired(t *testing.T) {
	now := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	testCases := []struct {
		name    string
		token   func(t *testing.T) string
		expired bool
	}{
		{name: "no token", token: func(*testing.T) string { return "" }, expired: true},
		{name: "undecodable token", token: func(*testing.T) string { return "not-a-jwt" }, expired: true},
		{name: "past expiry", token: func(t *testing.T) string { return signedToken(t, &past) }, expired: true},
		{name: "future expiry", token: func(t *testing.T) string { return signedToken(t, &future) }, expired: false},
		{name: "no expiry claim", token: func(t *testing.T) string { return signedToken(t, nil) }, expired: false},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			store := newMemoryStore(t, func() time.Time { return now })

			if token := testCase.token(t); token != "" {
				if err := store.SetAuth(token, Identity{ID: "operator-1"}); err != nil {
					t.Fatalf("set auth: %v", err)
				}
			}

			if got := store.Expired(); got != testCase.expired {
				t.Fatalf("expected expired=%v, got %v", testCase.expired, got)
			}
		})
	}
}

func TestPersistenceAcrossRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.db")
	identity := Identity{ID: "operator-1", Username: "admin", Role: "admin"}

	first, err := database.OpenSQLite(path, zap.NewNop())
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	store, err := NewStore(StoreConfig{Database: first})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	if err := store.AwaitHydration(context.Background()); err != nil {
		t.Fatalf("await hydration: %v", err)
	}
	if err := store.SetAuth("persisted-token", identity); err != nil {
		t.Fatalf("set auth: %v", err)
	}
	if sqlDB, err := first.DB(); err == nil {
		_ = sqlDB.Close()
	}

	second, err := database.OpenSQLite(path, zap.NewNop())
	if err != nil {
		t.Fatalf("reopen database: %v", err)
	}
	restored, err := NewStore(StoreConfig{Database: second})
	if err != nil {
		t.Fatalf("restore store: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := restored.AwaitHydration(ctx); err != nil {
		t.Fatalf("await hydration: %v", err)
	}

	if got := restored.Token(); got != "persisted-token" {
		t.Fatalf("unexpected restored token %q", got)
	}
	got, ok := restored.Identity()
	if !ok || got != identity {
		t.Fatalf("unexpected restored identity %+v ok=%v", got, ok)
	}
}

func TestLogoutClearsPersistedSnapshot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.db")

	db, err := database.OpenSQLite(path, zap.NewNop())
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	store, err := NewStore(StoreConfig{Database: db})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	if err := store.AwaitHydration(context.Background()); err != nil {
		t.Fatalf("await hydration: %v", err)
	}
	if err := store.SetAuth("soon-gone", Identity{ID: "operator-1"}); err != nil {
		t.Fatalf("set auth: %v", err)
	}
	if err := store.Logout(); err != nil {
		t.Fatalf("logout: %v", err)
	}

	restored, err := NewStore(StoreConfig{Database: db})
	if err != nil {
		t.Fatalf("restore store: %v", err)
	}
	if err := restored.AwaitHydration(context.Background()); err != nil {
		t.Fatalf("await hydration: %v", err)
	}
	if got := restored.Token(); got != "" {
		t.Fatalf("expected empty token after logout, got %q", got)
	}
}

func TestWatchSignalsAuthChanges(t *testing.T) {
	store := newMemoryStore(t, nil)
	changes, cancel := store.Watch()
	defer cancel()

	if err := store.SetAuth("token", Identity{ID: "operator-1"}); err != nil {
		t.Fatalf("set auth: %v", err)
	}
	select {
	case <-changes:
	case <-time.After(time.Second):
		t.Fatalf("no notification after SetAuth")
	}

	if err := store.Logout(); err != nil {
		t.Fatalf("logout: %v", err)
	}
	select {
	case <-changes:
	case <-time.After(time.Second):
		t.Fatalf("no notification after Logout")
	}
}

func TestWatchExpiryForcesLogout(t *testing.T) {
	now := time.Date(2026, 8, 30, 19, 0, 0, 0, time.UTC)
	past := now.Add(-time.Minute)
	store := newMemoryStore(t, func() time.Time { return now })

	if err := store.SetAuth(signedToken(t, &past), Identity{ID: "operator-1"}); err != nil {
		t.Fatalf("set auth: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go WatchExpiry(ctx, store, 10*time.Millisecond)

	deadline := time.Now().Add(2 * time.Second)
	for store.Token() != "" {
		if time.Now().After(deadline) {
			t.Fatalf("expired session was not logged out")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
