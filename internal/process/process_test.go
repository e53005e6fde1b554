package process

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCappedBuffer(t *testing.T) {
	b := &cappedBuffer{limit: 8}

	n, err := b.Write([]byte("hello"))
	assert.NoError(t, err)
	assert.Equal(t, 5, n)

	n, err = b.Write([]byte(" world"))
	assert.NoError(t, err)
	assert.Equal(t, 6, n, "writers must not see short writes")

	assert.True(t, strings.HasPrefix(b.String(), "hello wo"))
	assert.Contains(t, b.String(), "[output truncated]")
}

func TestResultSuccess(t *testing.T) {
	assert.True(t, (&Result{}).Success())
	assert.False(t, (&Result{ExitCode: 1}).Success())
	assert.False(t, (&Result{Canceled: true}).Success())
}
