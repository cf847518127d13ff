// Package store provides storage backends for ScanPipe.
//
// It holds one conversation record per patient plus the inbound message dedup log, backed by
// memory, SQLite, PostgreSQL or Redis.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/BTreeMap/ScanPipe/internal/models"
)

// DSN types returned by DetectDSNType.
const (
	DSNTypeSQLite   = "sqlite"
	DSNTypePostgres = "postgres"
	DSNTypeRedis    = "redis"
)

var (
	// ErrDSNNotSet is returned when a persistent backend is requested without a DSN.
	ErrDSNNotSet = errors.New("database DSN not set")
	// ErrEmptyPatientID is returned when a record has no patient id.
	ErrEmptyPatientID = errors.New("patient id is required")
)

// ConversationStore holds one conversation record per patient identifier.
type ConversationStore interface {
	// GetConversation returns the active record, or nil and no error when there is none.
	GetConversation(ctx context.Context, patientID string) (*models.ConversationRecord, error)
	// SaveConversation inserts or overwrites the record for rec.PatientID.
	SaveConversation(ctx context.Context, rec models.ConversationRecord) error
	// DeleteConversation removes the record; deleting a missing record is not an error.
	DeleteConversation(ctx context.Context, patientID string) error
	// ListConversations returns every active record ordered by patient id.
	ListConversations(ctx context.Context) ([]models.ConversationRecord, error)
}

// DedupRepo tracks provider message ids so redelivered webhooks are not processed twice.
// A message is only marked processed once its whole turn succeeded.
type DedupRepo interface {
	// IsProcessed reports whether messageID already completed processing.
	IsProcessed(ctx context.Context, messageID string) (bool, error)
	// RecordInbound notes that messageID arrived. Returns false if it was already recorded.
	RecordInbound(ctx context.Context, messageID, patientID string) (bool, error)
	// MarkProcessed records that messageID finished processing.
	MarkProcessed(ctx context.Context, messageID string) error
}

// Store is the full persistence surface used by the service.
type Store interface {
	ConversationStore
	DedupRepo
	Close() error
}

// Opts holds configuration for store backends.
type Opts struct {
	DSN  string
	Type string        // one of the DSNType constants; detected from DSN when empty
	TTL  time.Duration // Redis only: expiry for idle conversation records
}

// Option defines a configuration option for store backends.
type Option func(*Opts)

// WithPostgresDSN configures a PostgreSQL backend.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
		o.Type = DSNTypePostgres
	}
}

// WithSQLiteDSN configures a SQLite backend at the given file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
		o.Type = DSNTypeSQLite
	}
}

// WithRedisURL configures a Redis backend (redis:// or rediss:// URL).
func WithRedisURL(url string) Option {
	return func(o *Opts) {
		o.DSN = url
		o.Type = DSNTypeRedis
	}
}

// WithTTL sets the idle expiry for conversation records on backends that support it.
func WithTTL(ttl time.Duration) Option {
	return func(o *Opts) {
		o.TTL = ttl
	}
}

// DetectDSNType classifies a connection string.
func DetectDSNType(dsn string) string {
	lower := strings.ToLower(strings.TrimSpace(dsn))
	switch {
	case strings.HasPrefix(lower, "redis://"), strings.HasPrefix(lower, "rediss://"):
		return DSNTypeRedis
	case strings.HasPrefix(lower, "postgres://"), strings.HasPrefix(lower, "postgresql://"), isKeyValueDSN(lower):
		return DSNTypePostgres
	default:
		return DSNTypeSQLite
	}
}

func isKeyValueDSN(dsn string) bool {
	for _, key := range []string{"host=", "dbname=", "user=", "sslmode="} {
		if strings.Contains(dsn, key) {
			return true
		}
	}
	return false
}

// Open builds the backend selected by opts. With no DSN it returns an in-memory store.
func Open(opts ...Option) (Store, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.DSN == "" {
		slog.Debug("store.Open: no DSN configured, using in-memory store")
		return NewInMemoryStore(), nil
	}
	kind := cfg.Type
	if kind == "" {
		kind = DetectDSNType(cfg.DSN)
	}
	slog.Debug("store.Open: opening persistent store", "type", kind)
	switch kind {
	case DSNTypePostgres:
		return NewPostgresStore(opts...)
	case DSNTypeRedis:
		return NewRedisStore(opts...)
	case DSNTypeSQLite:
		return NewSQLiteStore(opts...)
	default:
		return nil, fmt.Errorf("unsupported store type %q", kind)
	}
}

// InMemoryStore is a mutex-protected map store, used when no DSN is configured and in tests.
type InMemoryStore struct {
	mu            sync.RWMutex
	conversations map[string]models.ConversationRecord
	inbound       map[string]*time.Time // message id -> processed time (nil while in flight)
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		conversations: make(map[string]models.ConversationRecord),
		inbound:       make(map[string]*time.Time),
	}
}

func (s *InMemoryStore) GetConversation(ctx context.Context, patientID string) (*models.ConversationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.conversations[patientID]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (s *InMemoryStore) SaveConversation(ctx context.Context, rec models.ConversationRecord) error {
	if rec.PatientID == "" {
		return ErrEmptyPatientID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conversations[rec.PatientID] = rec
	return nil
}

func (s *InMemoryStore) DeleteConversation(ctx context.Context, patientID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conversations, patientID)
	return nil
}

func (s *InMemoryStore) ListConversations(ctx context.Context) ([]models.ConversationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.ConversationRecord, 0, len(s.conversations))
	for _, rec := range s.conversations {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PatientID < out[j].PatientID })
	return out, nil
}

func (s *InMemoryStore) IsProcessed(ctx context.Context, messageID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	processedAt, ok := s.inbound[messageID]
	return ok && processedAt != nil, nil
}

func (s *InMemoryStore) RecordInbound(ctx context.Context, messageID, patientID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.inbound[messageID]; ok {
		return false, nil
	}
	s.inbound[messageID] = nil
	return true, nil
}

func (s *InMemoryStore) MarkProcessed(ctx context.Context, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	s.inbound[messageID] = &now
	return nil
}

// Close is a no-op for the in-memory store.
func (s *InMemoryStore) Close() error {
	return nil
}
