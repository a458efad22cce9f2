package common

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashFuncByName(t *testing.T) {
	tests := []struct {
		name      string
		algorithm string
		expected  string
		wantErr   bool
	}{
		{
			name:      "default is sha256",
			algorithm: "",
			expected:  "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824",
		},
		{
			name:      "explicit sha256",
			algorithm: "sha256",
			expected:  "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824",
		},
		{
			name:      "unknown algorithm",
			algorithm: "md5",
			wantErr:   true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fn, err := HashFuncByName(tt.algorithm)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, fn([]byte("hello")))
		})
	}
}

func TestBlake2bHash(t *testing.T) {
	fn, err := HashFuncByName("blake2b")
	require.NoError(t, err)

	a := fn([]byte("same bytes"))
	b := fn([]byte("same bytes"))
	c := fn([]byte("other bytes"))

	assert.Len(t, a, 64)
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.NotEqual(t, SHA256Hash([]byte("same bytes")), a)
}
