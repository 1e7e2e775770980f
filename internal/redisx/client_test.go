package redisx

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// TestNew_AppliesTimeouts: the read/write deadlines must land on the client
// actually returned, not on a discarded copy.
func TestNew_AppliesTimeouts(t *testing.T) {
	t.Parallel()

	opts := New("localhost:6379").Options()
	assert.Equal(t, 2*time.Second, opts.ReadTimeout)
	assert.Equal(t, 2*time.Second, opts.WriteTimeout)
}
