package signaling

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRelayInfoUsable(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*RelayInfo)
		want   bool
	}{
		{"no limitations", func(*RelayInfo) {}, true},
		{"large limit", func(i *RelayInfo) { i.Limitation.MaxMessageLength = 1 << 20 }, true},
		{"small limit", func(i *RelayInfo) { i.Limitation.MaxMessageLength = 4096 }, false},
		{"auth", func(i *RelayInfo) { i.Limitation.AuthRequired = true }, false},
		{"payment", func(i *RelayInfo) { i.Limitation.PaymentRequired = true }, false},
		{"restricted writes", func(i *RelayInfo) { i.Limitation.RestrictedWrites = true }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var info RelayInfo
			tt.mutate(&info)
			assert.Equal(t, tt.want, info.Usable(DefaultMinMessageLength))
		})
	}
}
