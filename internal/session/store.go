package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const snapshotRowID = 1

var (
	// ErrMissingToken indicates SetAuth was called without a credential.
	ErrMissingToken = errors.New("session: token required")
	// ErrMissingIdentityID indicates SetAuth was called without an operator id.
	ErrMissingIdentityID = errors.New("session: identity id required")
)

// Identity describes the authenticated operator as reported by the backend.
type Identity struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Role     string `json:"role"`
}

// Snapshot is the single persisted row that restores the session across restarts.
// Only the credential and identity survive a restart; everything else is ephemeral.
type Snapshot struct {
	ID               uint   `gorm:"column:id;primaryKey"`
	Token            string `gorm:"column:token;type:text;not null;default:''"`
	IdentityJSON     string `gorm:"column:identity_json;type:text;not null;default:''"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null;default:0"`
}

// TableName exposes the table backing the session snapshot.
func (Snapshot) TableName() string {
	return "session_snapshot"
}

// StoreConfig describes the dependencies of the session store.
type StoreConfig struct {
	// Database persists the session across restarts. Nil keeps the store in memory.
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Store holds the authentication credential and operator identity. The pair is
// set and cleared atomically; everything that reads it must wait for hydration.
type Store struct {
	mu       sync.RWMutex
	token    string
	identity *Identity

	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger

	hydrated chan struct{}

	watchMu   sync.Mutex
	watchers  map[int64]chan struct{}
	nextWatch int64
}

// NewStore constructs the store and begins restoring any persisted session.
func NewStore(cfg StoreConfig) (*Store, error) {
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	store := &Store{
		db:       cfg.Database,
		clock:    clock,
		logger:   logger,
		hydrated: make(chan struct{}),
		watchers: make(map[int64]chan struct{}),
	}

	if store.db == nil {
		close(store.hydrated)
		return store, nil
	}

	if err := store.db.AutoMigrate(&Snapshot{}); err != nil {
		return nil, fmt.Errorf("session: migrate snapshot: %w", err)
	}

	go store.hydrate()

	return store, nil
}

func (s *Store) hydrate() {
	defer close(s.hydrated)

	var row Snapshot
	err := s.db.Where("id = ?", snapshotRowID).Take(&row).Error
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			s.logger.Warn("session restore failed", zap.Error(err))
		}
		return
	}
	if row.Token == "" {
		return
	}

	identity := &Identity{}
	if row.IdentityJSON != "" {
		if err := json.Unmarshal([]byte(row.IdentityJSON), identity); err != nil {
			s.logger.Warn("session identity decode failed", zap.Error(err))
			return
		}
	}

	s.mu.Lock()
	s.token = row.Token
	s.identity = identity
	s.mu.Unlock()
}

// AwaitHydration blocks until the persisted session has been restored.
// Reads before hydration completes are undefined and must be gated on this.
func (s *Store) AwaitHydration(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.hydrated:
		return nil
	}
}

// SetAuth stores the credential and identity as an atomic pair.
func (s *Store) SetAuth(token string, identity Identity) error {
	if token == "" {
		return ErrMissingToken
	}
	if identity.ID == "" {
		return ErrMissingIdentityID
	}

	stored := identity
	s.mu.Lock()
	s.token = token
	s.identity = &stored
	s.mu.Unlock()

	err := s.persist(token, &stored)
	s.notify()
	return err
}

// Logout clears the credential and identity as an atomic pair.
func (s *Store) Logout() error {
	s.mu.Lock()
	s.token = ""
	s.identity = nil
	s.mu.Unlock()

	err := s.persist("", nil)
	s.notify()
	return err
}

// Token returns the current credential, or the empty string when logged out.
func (s *Store) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token
}

// Identity returns the current operator identity.
func (s *Store) Identity() (Identity, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.identity == nil {
		return Identity{}, false
	}
	return *s.identity, true
}

// Expired reports whether the credential is absent or carries a past expiry.
// A credential that cannot be decoded is treated as already expired.
func (s *Store) Expired() bool {
	token := s.Token()
	if token == "" {
		return true
	}

	claims := &jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return true
	}
	expiry, err := claims.GetExpirationTime()
	if err != nil {
		return true
	}
	if expiry == nil {
		return false
	}
	return expiry.Time.Before(s.clock())
}

// Watch returns a channel signalled after every SetAuth or Logout, plus a
// cancel function that releases the subscription.
func (s *Store) Watch() (<-chan struct{}, func()) {
	stream := make(chan struct{}, 1)

	s.watchMu.Lock()
	s.nextWatch++
	id := s.nextWatch
	s.watchers[id] = stream
	s.watchMu.Unlock()

	cancel := func() {
		s.watchMu.Lock()
		delete(s.watchers, id)
		s.watchMu.Unlock()
	}
	return stream, cancel
}

func (s *Store) notify() {
	s.watchMu.Lock()
	defer s.watchMu.Unlock()
	for _, stream := range s.watchers {
		select {
		case stream <- struct{}{}:
		default:
		}
	}
}

func (s *Store) persist(token string, identity *Identity) error {
	if s.db == nil {
		return nil
	}

	identityJSON := ""
	if identity != nil {
		encoded, err := json.Marshal(identity)
		if err != nil {
			return fmt.Errorf("session: encode identity: %w", err)
		}
		identityJSON = string(encoded)
	}

	row := Snapshot{
		ID:               snapshotRowID,
		Token:            token,
		IdentityJSON:     identityJSON,
		UpdatedAtSeconds: s.clock().UTC().Unix(),
	}
	if err := s.db.Save(&row).Error; err != nil {
		s.logger.Warn("session persist failed", zap.Error(err))
		return fmt.Errorf("session: persist snapshot: %w", err)
	}
	return nil
}

// WatchExpiry logs the store out whenever the credential reports expired.
// It is the only behavioural coupling between the store and time; the check
// runs on a fixed interval outside the store itself.
func WatchExpiry(ctx context.Context, store *Store, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if store.Token() != "" && store.Expired() {
				_ = store.Logout()
			}
		}
	}
}
