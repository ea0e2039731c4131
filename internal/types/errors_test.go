package types_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ksred/klear-engine/internal/types"
)

// pgError mimics the SQLSTATE accessor of the PostgreSQL driver's errors
type pgError struct{ code string }

func (e *pgError) Error() string    { return "pg error " + e.code }
func (e *pgError) SQLState() string { return e.code }

func TestUnavailableMapsTransactionAborts(t *testing.T) {
	tests := []struct {
		name      string
		cause     error
		kind      types.Kind
		retryable bool
	}{
		{"deadlock", &pgError{code: "40P01"}, types.KindConflict, true},
		{"serialization failure", fmt.Errorf("commit: %w", &pgError{code: "40001"}), types.KindConflict, true},
		{"unique violation", &pgError{code: "23505"}, types.KindUnavailable, false},
		{"connection refused", errors.New("dial tcp: connection refused"), types.KindUnavailable, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := types.Unavailable("failed to lock order", tt.cause)
			assert.True(t, types.IsKind(err, tt.kind))
			assert.Equal(t, tt.retryable, types.Retryable(err))
			assert.ErrorIs(t, err, tt.cause)
		})
	}

	assert.True(t, types.Retryable(&pgError{code: "40P01"}))
	assert.True(t, types.Retryable(types.Conflictf("entry changed")))
	assert.False(t, types.Retryable(nil))
}
