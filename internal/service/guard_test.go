package service

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAccessGuard_Disabled(t *testing.T) {
	g := NewAccessGuard("")

	assert.False(t, g.Enabled())
	for _, v := range []string{"", "anything", "secret"} {
		assert.True(t, g.IsAuthorized(v), "value %q should pass a disabled guard", v)
	}
}

func TestAccessGuard_Enabled(t *testing.T) {
	g := NewAccessGuard("secret")

	tests := []struct {
		value string
		want  bool
	}{
		{"secret", true},
		{"", false},
		{"Secret", false},
		{"secret ", false},
		{"secretsecret", false},
		{"wrong", false},
	}

	assert.True(t, g.Enabled())
	for _, tt := range tests {
		assert.Equal(t, tt.want, g.IsAuthorized(tt.value), "IsAuthorized(%q)", tt.value)
	}
}
