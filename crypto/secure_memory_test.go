package crypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSecureWipe(t *testing.T) {
	data := []byte{1, 2, 3, 4}
	assert.NoError(t, SecureWipe(data))
	assert.Equal(t, []byte{0, 0, 0, 0}, data)
	assert.Error(t, SecureWipe(nil))
}

func TestConstantTimeEqual(t *testing.T) {
	assert.True(t, ConstantTimeEqual([]byte("abc"), []byte("abc")))
	assert.False(t, ConstantTimeEqual([]byte("abc"), []byte("abd")))
	assert.False(t, ConstantTimeEqual([]byte("abc"), []byte("ab")))
}
