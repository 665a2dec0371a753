package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseDeviceType(t *testing.T) {
	tests := []struct {
		in   string
		want DeviceType
	}{
		{"desktop", DeviceDesktop},
		{"mobile", DeviceMobile},
		{"tablet", DeviceTablet},
		{"MOBILE", DeviceMobile},
		{"  tablet ", DeviceTablet},
		{"", DeviceUnknown},
		{"fridge", DeviceUnknown},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ParseDeviceType(tt.in), "input %q", tt.in)
	}
}
