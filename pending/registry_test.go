package pending

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/migadu/tidings/config"
	"github.com/migadu/tidings/consts"
	"github.com/migadu/tidings/db"
	"github.com/migadu/tidings/testutils"
)

func newTestRegistry(t *testing.T) (*Registry, *db.Store) {
	t.Helper()
	store := testutils.SetupTestStore(t)
	r, err := New(store, config.PendingConfig{})
	require.NoError(t, err)
	return r, store
}

func TestAddCountConfirm(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestRegistry(t)

	before, err := r.Count(ctx, Filter{Type: consts.PendSubscription})
	require.NoError(t, err)

	token, err := r.Add(ctx, Pendable{"type": consts.PendSubscription, "list_id": "ant.example.com"}, 0)
	require.NoError(t, err)
	assert.True(t, IsToken(token), token)

	after, err := r.Count(ctx, Filter{Type: consts.PendSubscription})
	require.NoError(t, err)
	assert.Equal(t, before+1, after)

	p, err := r.Confirm(ctx, token, true)
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, consts.PendSubscription, p.Type())
	assert.Equal(t, "ant.example.com", p.String("list_id"))
}

func TestConfirmTwice(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestRegistry(t)

	token, err := r.Add(ctx, Pendable{"type": "probe"}, time.Hour)
	require.NoError(t, err)

	p, err := r.Confirm(ctx, token, true)
	require.NoError(t, err)
	assert.NotNil(t, p)

	p, err = r.Confirm(ctx, token, true)
	require.NoError(t, err)
	assert.Nil(t, p)
}

// barrierStore holds every lookup until both confirmers have arrived.
type barrierStore struct {
	*db.Store
	arrived sync.WaitGroup
}

func (b *barrierStore) wait() {
	b.arrived.Done()
	b.arrived.Wait()
}

func (b *barrierStore) GetPended(ctx context.Context, token string) (*db.PendedRecord, []db.KeyValue, error) {
	b.wait()
	return b.Store.GetPended(ctx, token)
}

func (b *barrierStore) TakePended(ctx context.Context, token string) ([]db.KeyValue, error) {
	b.wait()
	return b.Store.TakePended(ctx, token)
}

func TestConcurrentConfirmYieldsOnce(t *testing.T) {
	ctx := context.Background()
	store := &barrierStore{Store: testutils.SetupTestStore(t)}
	store.arrived.Add(2)
	r, err := New(store, config.PendingConfig{})
	require.NoError(t, err)

	token, err := r.Add(ctx, Pendable{"type": consts.PendSubscription, "list_id": "ant.example.com"}, time.Hour)
	require.NoError(t, err)

	var wg sync.WaitGroup
	results := make([]Pendable, 2)
	errs := make([]error, 2)
	for i := range 2 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = r.Confirm(ctx, token, true)
		}()
	}
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	won := 0
	for _, p := range results {
		if p != nil {
			won++
			assert.Equal(t, "ant.example.com", p.String("list_id"))
		}
	}
	assert.Equal(t, 1, won)
}

func TestConfirmWithoutExpunge(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestRegistry(t)

	token, err := r.Add(ctx, Pendable{"type": "probe"}, time.Hour)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		p, err := r.Get(ctx, token)
		require.NoError(t, err)
		assert.NotNil(t, p)
	}
}

func TestValueEncoding(t *testing.T) {
	ctx := context.Background()
	r, store := newTestRegistry(t)

	token, err := r.Add(ctx, Pendable{
		"type":    consts.PendHeldMessage,
		"id":      int64(42),
		"raw":     []byte{0xff, 0x00, 'a'},
		"tags":    []string{"a", "b"},
		"flagged": true,
	}, time.Hour)
	require.NoError(t, err)

	_, kvs, err := store.GetPended(ctx, token)
	require.NoError(t, err)
	raw := map[string]string{}
	for _, kv := range kvs {
		raw[kv.Key] = kv.Value
	}
	assert.Equal(t, consts.PendHeldMessage, raw["type"])
	assert.Equal(t, "42", raw["id"])
	assert.JSONEq(t, `{"__encoding__":"base64","value":"/wBh"}`, raw["raw"])

	p, err := r.Get(ctx, token)
	require.NoError(t, err)
	id, ok := p.Int64("id")
	assert.True(t, ok)
	assert.Equal(t, int64(42), id)
	assert.Equal(t, []byte{0xff, 0x00, 'a'}, p["raw"])
	assert.Equal(t, []any{"a", "b"}, p["tags"])
	assert.True(t, p.Bool("flagged"))
}

func TestAddRequiresType(t *testing.T) {
	r, _ := newTestRegistry(t)
	_, err := r.Add(context.Background(), Pendable{"list_id": "x"}, 0)
	assert.ErrorIs(t, err, consts.ErrSerializationFailed)
}

func TestDefaultLifetimes(t *testing.T) {
	ctx := context.Background()
	r, store := newTestRegistry(t)
	fixed := time.Unix(1_700_000_000, 0)
	r.now = func() time.Time { return fixed }

	sub, err := r.Add(ctx, Pendable{"type": "subscription", "token_owner": consts.TokenOwnerSubscriber}, 0)
	require.NoError(t, err)
	mod, err := r.Add(ctx, Pendable{"type": "subscription", "token_owner": consts.TokenOwnerModerator}, 0)
	require.NoError(t, err)

	rec, _, err := store.GetPended(ctx, sub)
	require.NoError(t, err)
	assert.Equal(t, fixed.Add(3*24*time.Hour).Unix(), rec.ExpirationDate)

	rec, _, err = store.GetPended(ctx, mod)
	require.NoError(t, err)
	assert.Equal(t, fixed.Add(30*24*time.Hour).Unix(), rec.ExpirationDate)
}

func TestEvictRespectsExpiry(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestRegistry(t)
	clock := time.Unix(1_700_000_000, 0)
	r.now = func() time.Time { return clock }

	token, err := r.Add(ctx, Pendable{"type": "probe"}, time.Hour)
	require.NoError(t, err)

	clock = clock.Add(59 * time.Minute)
	n, err := r.Evict(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	p, err := r.Get(ctx, token)
	require.NoError(t, err)
	assert.NotNil(t, p)

	clock = clock.Add(2 * time.Minute)
	n, err = r.Evict(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	p, err = r.Get(ctx, token)
	require.NoError(t, err)
	assert.Nil(t, p)
}

func TestFindFilters(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestRegistry(t)

	a, err := r.Add(ctx, Pendable{"type": "subscription", "list_id": "ant.example.com", "token_owner": "subscriber"}, 0)
	require.NoError(t, err)
	b, err := r.Add(ctx, Pendable{"type": "subscription", "list_id": "ant.example.com", "token_owner": "moderator"}, 0)
	require.NoError(t, err)
	_, err = r.Add(ctx, Pendable{"type": "subscription", "list_id": "bee.example.com"}, 0)
	require.NoError(t, err)
	h, err := r.Add(ctx, Pendable{"type": consts.PendHeldMessage, "list_id": "ant.example.com", "_mod_message_id": "<m@x>"}, 0)
	require.NoError(t, err)

	collect := func(f Filter) []string {
		var tokens []string
		for p, err := range r.Find(ctx, f) {
			require.NoError(t, err)
			tokens = append(tokens, p.Token)
		}
		return tokens
	}

	assert.Equal(t, []string{a, b}, collect(Filter{ListID: "ant.example.com", Type: "subscription"}))
	assert.Equal(t, []string{b}, collect(Filter{ListID: "ant.example.com", TokenOwner: "moderator"}))
	assert.Equal(t, []string{h}, collect(Filter{HeldMessageID: "<m@x>"}))
	assert.Len(t, collect(Filter{}), 4)

	n, err := r.Count(ctx, Filter{ListID: "ant.example.com"})
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestFindSkipsRecordsRemovedDuringIteration(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestRegistry(t)

	first, err := r.Add(ctx, Pendable{"type": "probe"}, 0)
	require.NoError(t, err)
	second, err := r.Add(ctx, Pendable{"type": "probe"}, 0)
	require.NoError(t, err)

	var seen []string
	for p, err := range r.Find(ctx, Filter{Type: "probe"}) {
		require.NoError(t, err)
		seen = append(seen, p.Token)
		if p.Token == first {
			_, err := r.Discard(ctx, second)
			require.NoError(t, err)
		}
	}
	assert.Equal(t, []string{first}, seen)
}

type mockStore struct {
	mock.Mock
	Store
}

func (m *mockStore) PendedTokenExists(ctx context.Context, token string) (bool, error) {
	args := m.Called(ctx, token)
	return args.Bool(0), args.Error(1)
}

func TestTokenExhaustion(t *testing.T) {
	store := &mockStore{}
	store.On("PendedTokenExists", mock.Anything, "dup").Return(true, nil).Times(3)

	r, err := New(store, config.PendingConfig{})
	require.NoError(t, err)
	r.newToken = func() string { return "dup" }

	_, err = r.Add(context.Background(), Pendable{"type": "probe"}, 0)
	assert.ErrorIs(t, err, consts.ErrTokenExhausted)
	store.AssertExpectations(t)
}

func TestTokenLookupError(t *testing.T) {
	store := &mockStore{}
	boom := errors.New("database is locked")
	store.On("PendedTokenExists", mock.Anything, mock.Anything).Return(false, boom).Once()

	r, err := New(store, config.PendingConfig{})
	require.NoError(t, err)
	_, err = r.Add(context.Background(), Pendable{"type": "probe"}, 0)
	assert.ErrorIs(t, err, boom)
}

func TestTokensAreDistinct(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 1000; i++ {
		tok := generateToken()
		require.True(t, IsToken(tok))
		require.False(t, seen[tok])
		seen[tok] = true
	}
}

func TestConfirmIsIdempotentProperty(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 30
	properties := gopter.NewProperties(parameters)

	properties.Property("confirm yields the pendable once", prop.ForAll(
		func(listID string, owner string) bool {
			token, err := r.Add(ctx, Pendable{"type": "subscription", "list_id": listID, "token_owner": owner}, 0)
			if err != nil {
				return false
			}
			first, err := r.Confirm(ctx, token, true)
			if err != nil || first == nil || first.String("list_id") != listID {
				return false
			}
			second, err := r.Confirm(ctx, token, true)
			return err == nil && second == nil
		},
		gen.AlphaString(),
		gen.OneConstOf(consts.TokenOwnerSubscriber, consts.TokenOwnerModerator),
	))

	properties.TestingRun(t)
}
