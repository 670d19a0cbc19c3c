package fault

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusErrorUnwrapsToSentinel(t *testing.T) {
	cases := map[int]error{
		http.StatusBadRequest:          ErrBadRequest,
		http.StatusUnauthorized:        ErrUnauthorized,
		http.StatusForbidden:           ErrForbidden,
		http.StatusNotFound:            ErrNotFound,
		http.StatusMethodNotAllowed:    ErrNotSupported,
		http.StatusPreconditionFailed:  ErrSyncConflict,
		http.StatusInternalServerError: ErrServer,
	}
	for code, want := range cases {
		err := fmt.Errorf("save: %w", &StatusError{Code: code, Method: http.MethodPost, URL: "/x/"})
		assert.ErrorIs(t, err, want, code)
	}

	err := &StatusError{Code: 412, Method: "POST", URL: "/b/", Message: "sync conflict", Details: "v1 is not current"}
	assert.Equal(t, "POST /b/: 412 Precondition Failed: sync conflict (v1 is not current)", err.Error())
}

func TestTypedErrors(t *testing.T) {
	err := fmt.Errorf("driver: %w", &DependencyError{Kind: "segment", Field: "block"})
	assert.ErrorIs(t, err, ErrDependency)
	var dep *DependencyError
	require.True(t, errors.As(err, &dep))
	assert.Equal(t, "block", dep.Field)

	err = Invalid("analogsignal", "signal", "unit %q unknown", "furlong")
	assert.ErrorIs(t, err, ErrValidation)
	assert.Contains(t, err.Error(), "analogsignal.signal")

	err = &TransportError{Op: "GET", URL: "http://127.0.0.1:1/", Err: context.DeadlineExceeded}
	assert.True(t, IsOffline(err))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, IsOffline(ErrNotFound))
}
