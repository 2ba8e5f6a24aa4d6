package fault

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, KindUnknown},
		{"plain", errors.New("boom"), KindUnknown},
		{"classified", New(KindNotFound, "missing"), KindNotFound},
		{"wrapped once", fmt.Errorf("outer: %w", New(KindPoolExhausted, "full")), KindPoolExhausted},
		{"deadline", context.DeadlineExceeded, KindTimeout},
		{"cancelled", context.Canceled, KindCancelled},
		{"wrapped deadline", fmt.Errorf("query: %w", context.DeadlineExceeded), KindTimeout},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}

func TestWrapPreservesChain(t *testing.T) {
	cause := errors.New("disk full")
	err := Wrap(KindUnavailable, cause, "vault write failed")

	require.Error(t, err)
	assert.True(t, errors.Is(err, cause))
	assert.Equal(t, KindUnavailable, KindOf(err))
	assert.Contains(t, err.Error(), "vault write failed")
	assert.Contains(t, err.Error(), "disk full")
}

func TestWrapNil(t *testing.T) {
	assert.NoError(t, Wrap(KindCrypto, nil, "ignored"))
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "risk_rejected", KindRiskRejected.String())
	assert.Equal(t, "unknown", KindUnknown.String())
	assert.Equal(t, "pool_exhausted", KindPoolExhausted.String())
}
