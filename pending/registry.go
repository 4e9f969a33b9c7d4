// Package pending keeps short-lived records addressed by opaque tokens:
// subscription confirmations, moderator requests and held messages.
//
// A token is 40 lowercase hex characters. It reveals nothing about the
// record and is safe in a mailto: local part or a URL path.
package pending

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"iter"
	"sort"
	"strings"
	"time"

	"lukechampine.com/blake3"

	"github.com/migadu/tidings/config"
	"github.com/migadu/tidings/consts"
	"github.com/migadu/tidings/db"
	"github.com/migadu/tidings/logger"
	"github.com/migadu/tidings/pkg/metrics"
)

const tokenAttempts = 3

// Store is the persistence the registry needs; *db.Store implements it.
type Store interface {
	PendedTokenExists(ctx context.Context, token string) (bool, error)
	InsertPended(ctx context.Context, token string, expiration int64, kvs []db.KeyValue) error
	GetPended(ctx context.Context, token string) (*db.PendedRecord, []db.KeyValue, error)
	DeletePended(ctx context.Context, token string) (bool, error)
	TakePended(ctx context.Context, token string) ([]db.KeyValue, error)
	EvictExpired(ctx context.Context, now int64) ([]string, error)
	FindPendedTokens(ctx context.Context, conds []db.KeyValue) ([]string, error)
	CountPended(ctx context.Context, conds []db.KeyValue) (int, error)
}

// Filter narrows Find and Count. Empty fields do not filter.
type Filter struct {
	ListID        string
	Type          string
	TokenOwner    string
	HeldMessageID string
}

type Registry struct {
	store         Store
	pendingLife   time.Duration
	moderatorLife time.Duration
	now           func() time.Time
	newToken      func() string
}

func New(store Store, cfg config.PendingConfig) (*Registry, error) {
	pendingLife, err := cfg.GetPendingRequestLife()
	if err != nil {
		return nil, fmt.Errorf("invalid pending.pending_request_life: %w", err)
	}
	moderatorLife, err := cfg.GetModeratorRequestLife()
	if err != nil {
		return nil, fmt.Errorf("invalid pending.moderator_request_life: %w", err)
	}
	return &Registry{
		store:         store,
		pendingLife:   pendingLife,
		moderatorLife: moderatorLife,
		now:           time.Now,
		newToken:      generateToken,
	}, nil
}

// generateToken hashes the current time and 32 random bytes.
func generateToken() string {
	var seed [40]byte
	binary.BigEndian.PutUint64(seed[:8], uint64(time.Now().UnixNano()))
	if _, err := rand.Read(seed[8:]); err != nil {
		panic(fmt.Sprintf("crypto/rand failed: %v", err))
	}
	sum := blake3.Sum256(seed[:])
	return hex.EncodeToString(sum[:20])
}

// Add stores p and returns its new token. A zero lifetime selects the
// moderator or the default request lifetime based on token_owner.
func (r *Registry) Add(ctx context.Context, p Pendable, lifetime time.Duration) (string, error) {
	if p.Type() == "" {
		return "", fmt.Errorf("%w: pendable has no type", consts.ErrSerializationFailed)
	}
	if lifetime <= 0 {
		if p.String(KeyTokenOwner) == consts.TokenOwnerModerator {
			lifetime = r.moderatorLife
		} else {
			lifetime = r.pendingLife
		}
	}

	kvs := make([]db.KeyValue, 0, len(p))
	kvs = append(kvs, db.KeyValue{Key: KeyType, Value: p.Type()})
	keys := make([]string, 0, len(p))
	for k := range p {
		if k != KeyType {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		v, err := encodeValue(k, p[k])
		if err != nil {
			return "", err
		}
		kvs = append(kvs, db.KeyValue{Key: k, Value: v})
	}

	var token string
	for attempt := 0; attempt < tokenAttempts; attempt++ {
		candidate := r.newToken()
		exists, err := r.store.PendedTokenExists(ctx, candidate)
		if err != nil {
			return "", err
		}
		if !exists {
			token = candidate
			break
		}
	}
	if token == "" {
		return "", consts.ErrTokenExhausted
	}

	expiration := r.now().Add(lifetime).Unix()
	if err := r.store.InsertPended(ctx, token, expiration, kvs); err != nil {
		return "", err
	}
	metrics.PendingOperationsTotal.WithLabelValues("add").Inc()
	logger.Debug("Pendings: Added record", "type", p.Type(), "token", token, "lifetime", lifetime)
	return token, nil
}

// Confirm loads the pendable for token. A nil pendable with a nil error
// means the token is unknown. With expunge the record and any workflow
// state for the token are taken in one transaction, so concurrent
// confirmations of one token yield the pendable exactly once.
func (r *Registry) Confirm(ctx context.Context, token string, expunge bool) (Pendable, error) {
	var kvs []db.KeyValue
	var err error
	if expunge {
		kvs, err = r.store.TakePended(ctx, token)
	} else {
		_, kvs, err = r.store.GetPended(ctx, token)
	}
	if err != nil {
		if errors.Is(err, consts.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	p := make(Pendable, len(kvs))
	for _, kv := range kvs {
		v, err := decodeValue(kv.Key, kv.Value)
		if err != nil {
			return nil, err
		}
		p[kv.Key] = v
	}
	if expunge {
		metrics.PendingOperationsTotal.WithLabelValues("confirm").Inc()
	}
	return p, nil
}

func (r *Registry) Get(ctx context.Context, token string) (Pendable, error) {
	return r.Confirm(ctx, token, false)
}

// Discard removes the record and any workflow state for token, reporting
// whether a record existed.
func (r *Registry) Discard(ctx context.Context, token string) (bool, error) {
	found, err := r.store.DeletePended(ctx, token)
	if err == nil && found {
		metrics.PendingOperationsTotal.WithLabelValues("discard").Inc()
	}
	return found, err
}

// Evict deletes every expired record and returns how many were removed.
func (r *Registry) Evict(ctx context.Context) (int, error) {
	tokens, err := r.store.EvictExpired(ctx, r.now().Unix())
	if err != nil {
		return 0, err
	}
	if len(tokens) > 0 {
		metrics.PendingOperationsTotal.WithLabelValues("evict").Add(float64(len(tokens)))
		logger.Info("Pendings: Evicted records", "count", len(tokens))
	}
	return len(tokens), nil
}

func (f Filter) conditions() ([]db.KeyValue, error) {
	var conds []db.KeyValue
	add := func(key, value string) error {
		if value == "" {
			return nil
		}
		enc, err := encodeValue(key, value)
		if err != nil {
			return err
		}
		conds = append(conds, db.KeyValue{Key: key, Value: enc})
		return nil
	}
	for _, c := range [][2]string{
		{KeyListID, f.ListID},
		{KeyType, f.Type},
		{KeyTokenOwner, f.TokenOwner},
		{KeyHeldMessageID, f.HeldMessageID},
	} {
		if err := add(c[0], c[1]); err != nil {
			return nil, err
		}
	}
	return conds, nil
}

// Find yields the records matching f. The matching tokens are fixed when
// iteration starts; each pendable is loaded as it is reached, and records
// removed in the meantime are skipped.
func (r *Registry) Find(ctx context.Context, f Filter) iter.Seq2[Pending, error] {
	return func(yield func(Pending, error) bool) {
		conds, err := f.conditions()
		if err != nil {
			yield(Pending{}, err)
			return
		}
		tokens, err := r.store.FindPendedTokens(ctx, conds)
		if err != nil {
			yield(Pending{}, err)
			return
		}
		for _, token := range tokens {
			p, err := r.Get(ctx, token)
			if err != nil {
				if !yield(Pending{Token: token}, err) {
					return
				}
				continue
			}
			if p == nil {
				continue
			}
			if !yield(Pending{Token: token, Pendable: p}, nil) {
				return
			}
		}
	}
}

func (r *Registry) Count(ctx context.Context, f Filter) (int, error) {
	conds, err := f.conditions()
	if err != nil {
		return 0, err
	}
	return r.store.CountPended(ctx, conds)
}

// IsToken reports whether s has the shape of a registry token.
func IsToken(s string) bool {
	if len(s) != 40 {
		return false
	}
	return strings.Trim(s, "0123456789abcdef") == ""
}
