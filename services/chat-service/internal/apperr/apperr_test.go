package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOfWrapped(t *testing.T) {
	err := fmt.Errorf("book slot: %w", Conflict("slot is no longer available"))
	assert.Equal(t, KindConflict, KindOf(err))
	assert.True(t, Is(err, KindConflict))
	assert.False(t, Is(err, KindCapacityExceeded))

	assert.Equal(t, KindInternal, KindOf(errors.New("plain")))
	assert.Equal(t, Kind(""), KindOf(nil))
}

func TestUnwrapKeepsCause(t *testing.T) {
	cause := errors.New("dial tcp: timeout")
	err := Unavailable(cause)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "store unavailable: dial tcp: timeout", err.Error())
}

func TestHTTPStatusDistinguishesConflictFromCapacity(t *testing.T) {
	assert.Equal(t, http.StatusConflict, HTTPStatus(KindConflict))
	assert.Equal(t, http.StatusTooManyRequests, HTTPStatus(KindCapacityExceeded))
	assert.Equal(t, http.StatusBadRequest, HTTPStatus(KindValidation))
	assert.Equal(t, http.StatusServiceUnavailable, HTTPStatus(KindUnavailable))
	assert.Equal(t, http.StatusInternalServerError, HTTPStatus(KindInternal))
}
