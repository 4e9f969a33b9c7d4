package errors

import (
	stderrors "errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFatalErrorKeepsFirst(t *testing.T) {
	eh := NewErrorHandler()
	first := stderrors.New("bind: address already in use")
	eh.FatalError("lmtp", first)
	eh.FatalError("adminapi", stderrors.New("second"))

	se, ok := eh.WaitForExitWithTimeout(time.Second)
	require.True(t, ok)
	assert.Equal(t, "lmtp", se.Service)
	assert.ErrorIs(t, se, first)

	_, ok = eh.WaitForExitWithTimeout(10 * time.Millisecond)
	assert.False(t, ok)
}
