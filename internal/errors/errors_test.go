package errors

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSentinelsSurviveWrapping(t *testing.T) {
	err := Wrap(NewInvalidRequestError("posting time %q", "25:00"), "update config")
	assert.True(t, IsInvalidRequest(err))
	assert.False(t, IsNotFound(err))
	assert.Contains(t, err.Error(), "25:00")

	nf := Wrapf(NewNotFoundError("post %s", "abc"), "schedule")
	assert.True(t, IsNotFound(nf))
	assert.True(t, Is(nf, ErrNotFound))
}

func TestNilIsNeverASentinel(t *testing.T) {
	assert.False(t, IsNotFound(nil))
	assert.False(t, IsInvalidRequest(nil))
}
