// Package docstore is the primary Adapter: a document store on Redis.
//
// Every record is one CBOR-encoded document under
//
//	<prefix>:doc:<collection>:<tenant>:<id>
//
// and the set <prefix>:idx:<collection>:<tenant> holds the IDs of a
// collection per tenant. Updates and batches run under WATCH with
// MULTI/EXEC, so a concurrent write to a watched key aborts the transaction
// instead of being overwritten. Queries are evaluated client-side.
package docstore

import (
	"context"
	"fmt"
	"strings"

	goredis "github.com/redis/go-redis/v9"

	"github.com/MarioHBS/knn-portal-backend-sub001/internal/adapter"
	"github.com/MarioHBS/knn-portal-backend-sub001/internal/dberr"
	"github.com/MarioHBS/knn-portal-backend-sub001/internal/record"
)

const (
	// DefaultName is the adapter name unless WithName is given.
	DefaultName = "redis"

	defaultPrefix = "portal"

	// scanChunk is how many documents one MGET fetches while streaming.
	scanChunk = 100

	// maxTxRetries bounds optimistic retries of a single-record update.
	maxTxRetries = 3
)

// Store is the Redis adapter. Safe for concurrent use.
type Store struct {
	client   goredis.UniversalClient
	addr     string
	password string
	db       int
	prefix   string
	name     string
}

var _ adapter.Adapter = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithClient uses an existing client instead of dialing addr.
func WithClient(client goredis.UniversalClient) Option {
	return func(s *Store) {
		if client != nil {
			s.client = client
		}
	}
}

// WithPrefix namespaces every key.
func WithPrefix(prefix string) Option {
	return func(s *Store) {
		prefix = strings.TrimSpace(prefix)
		if prefix != "" {
			s.prefix = prefix
		}
	}
}

// WithPassword sets the AUTH password.
func WithPassword(password string) Option {
	return func(s *Store) { s.password = password }
}

// WithDB selects the logical database.
func WithDB(db int) Option {
	return func(s *Store) { s.db = db }
}

// WithName overrides the adapter name.
func WithName(name string) Option {
	return func(s *Store) {
		if name != "" {
			s.name = name
		}
	}
}

// New connects to addr and pings it. addr may be empty when WithClient is
// given.
func New(ctx context.Context, addr string, opts ...Option) (*Store, error) {
	s := &Store{
		addr:   strings.TrimSpace(addr),
		prefix: defaultPrefix,
		name:   DefaultName,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.client == nil {
		if s.addr == "" {
			return nil, dberr.Wrap(dberr.KindValidation, s.name, "open", fmt.Errorf("redis addr is required"))
		}
		s.client = goredis.NewClient(&goredis.Options{Addr: s.addr, Password: s.password, DB: s.db})
	}
	if err := s.Ping(ctx); err != nil {
		_ = s.client.Close()
		return nil, err
	}
	return s, nil
}

// Name returns the adapter name.
func (s *Store) Name() string {
	return s.name
}

// Ping checks the connection.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return s.fail("ping", fmt.Errorf("redis ping failed: %w", err))
	}
	return nil
}

// Close closes the client.
func (s *Store) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

func (s *Store) docKey(collection string, tenant record.TenantScope, id string) string {
	return s.prefix + ":doc:" + collection + ":" + string(tenant) + ":" + id
}

func (s *Store) idxKey(collection string, tenant record.TenantScope) string {
	return s.prefix + ":idx:" + collection + ":" + string(tenant)
}

// fail classifies err and attributes it to this adapter.
func (s *Store) fail(op string, err error) error {
	return dberr.Wrap(classify(err), s.name, op, err)
}

func checkScope(collection string, tenant record.TenantScope) error {
	if err := tenant.Validate(); err != nil {
		return dberr.Validation("", err)
	}
	if err := record.ValidateCollection(collection); err != nil {
		return dberr.Validation("", err)
	}
	return nil
}
