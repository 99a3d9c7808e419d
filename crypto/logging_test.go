package crypto

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

func TestSecureFieldHash(t *testing.T) {
	tests := []struct {
		name    string
		data    []byte
		preview string
	}{
		{"nil", nil, "nil"},
		{"short", []byte{0xab, 0xcd}, "abcd"},
		{"exact", []byte{1, 2, 3, 4}, "01020304"},
		{"long", []byte{1, 2, 3, 4, 5, 6}, "01020304..."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := SecureFieldHash(tt.data, "salt")
			assert.Equal(t, tt.preview, f["salt_preview"])
			assert.Equal(t, len(tt.data), f["salt_size"])
		})
	}
}

func TestOperationFieldsMerges(t *testing.T) {
	f := OperationFields("derive", "start", logrus.Fields{"a": 1}, logrus.Fields{"b": 2, "status": "override"})
	assert.Equal(t, "crypto", f["package"])
	assert.Equal(t, "derive", f["operation"])
	assert.Equal(t, "override", f["status"])
	assert.Equal(t, 1, f["a"])
	assert.Equal(t, 2, f["b"])
}
