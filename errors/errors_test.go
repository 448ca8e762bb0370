package errors

import (
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStoreError_MatchesSentinelOfItsKind(t *testing.T) {
	req := require.New(t)

	// Given a store error wrapped by a caller
	cause := fmt.Errorf("key missing")
	err := fmt.Errorf("load: %w", NewStoreError(KindNotFound, "get_message", cause))

	// Then it matches its own sentinel and keeps the cause
	req.True(stderrors.Is(err, ErrNotFound))
	req.False(stderrors.Is(err, ErrTransient))
	req.True(stderrors.Is(err, cause))

	kind, ok := KindOf(err)
	req.True(ok)
	req.Equal(KindNotFound, kind)
	req.False(IsRetryable(err))
}

func TestDeniedError_IsPermissionDenied(t *testing.T) {
	req := require.New(t)

	err := &DeniedError{Action: "send", Reason: "muted"}

	req.True(Is(err, ErrPermissionDenied))
	req.Equal("send denied: muted", err.Error())
	kind, ok := KindOf(err)
	req.True(ok)
	req.Equal(KindPermissionDenied, kind)
}

func TestIsRetryable(t *testing.T) {
	req := require.New(t)

	req.True(IsRetryable(NewStoreError(KindTransient, "insert", nil)))
	req.True(IsRetryable(fmt.Errorf("subscribe: %w", ErrChannelDisconnected)))
	req.False(IsRetryable(NewStoreError(KindConstraintViolation, "create_private", nil)))
	req.False(IsRetryable(nil))
	req.False(IsRetryable(fmt.Errorf("boom")))
}
