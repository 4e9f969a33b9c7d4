package cleaner

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"github.com/migadu/tidings/pending"
)

// --- Mocks ---

type mockPendings struct {
	mock.Mock
}

func (m *mockPendings) Evict(ctx context.Context) (int, error) {
	args := m.Called(ctx)
	return args.Int(0), args.Error(1)
}

func (m *mockPendings) Count(ctx context.Context, f pending.Filter) (int, error) {
	args := m.Called(ctx, f)
	return args.Int(0), args.Error(1)
}

// --- Tests ---

func TestRunOnce(t *testing.T) {
	ctx := context.Background()
	m := new(mockPendings)
	m.On("Evict", ctx).Return(3, nil).Once()
	m.On("Count", ctx, pending.Filter{}).Return(5, nil).Once()

	w := New(m, m, time.Hour)
	assert.Equal(t, 3, w.runOnce(ctx))
	m.AssertExpectations(t)
}

func TestRunOnceEvictError(t *testing.T) {
	ctx := context.Background()
	m := new(mockPendings)
	m.On("Evict", ctx).Return(0, errors.New("db down")).Once()

	w := New(m, m, time.Hour)
	assert.Zero(t, w.runOnce(ctx))
	m.AssertExpectations(t)
	m.AssertNotCalled(t, "Count", mock.Anything, mock.Anything)
}

func TestRunOnceWithoutCounter(t *testing.T) {
	ctx := context.Background()
	m := new(mockPendings)
	m.On("Evict", ctx).Return(1, nil).Once()

	w := New(m, nil, time.Hour)
	assert.Equal(t, 1, w.runOnce(ctx))
	m.AssertExpectations(t)
}

func TestStartEvictsImmediately(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	evicted := make(chan struct{}, 1)
	m := new(mockPendings)
	m.On("Evict", mock.Anything).Return(0, nil).Run(func(mock.Arguments) {
		select {
		case evicted <- struct{}{}:
		default:
		}
	})

	w := New(m, nil, time.Second)
	w.Start(ctx)
	defer w.Stop()

	select {
	case <-evicted:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not evict on start")
	}
}

func TestStopIsIdempotent(t *testing.T) {
	w := New(new(mockPendings), nil, time.Hour)
	w.Stop()
	assert.NotPanics(t, w.Stop)
}
