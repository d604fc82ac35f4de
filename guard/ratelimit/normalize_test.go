package ratelimit

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizePath(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"root", "/", "/"},
		{"empty", "", "/"},
		{"plain", "/api/users", "/api/users"},
		{"numeric id", "/api/users/12345", "/api/users/:id"},
		{"uuid", "/api/orders/550e8400-e29b-41d4-a716-446655440000", "/api/orders/:uuid"},
		{"hex token", "/api/keys/deadbeefdeadbeef", "/api/keys/:hash"},
		{"short hex kept", "/api/keys/dead", "/api/keys/dead"},
		{"mixed", "/v1/42/items/550e8400-e29b-41d4-a716-446655440000/x", "/v1/:id/items/:uuid/x"},
		{"uuid wrong length", "/api/550e8400-e29b-41d4-a716", "/api/550e8400-e29b-41d4-a716"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizePath(tt.in))
		})
	}
}
