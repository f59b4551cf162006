package crypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashContent(t *testing.T) {
	tests := []struct {
		wantErr error
		name    string
		data    []byte
	}{
		{name: "json object", data: []byte(`{"title":"Refunds","priority":1}`)},
		{name: "raw text", data: []byte("not json")},
		{name: "empty", data: []byte{}, wantErr: ErrEmptyContent},
		{name: "nil", data: nil, wantErr: ErrEmptyContent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hash, err := HashContent(tt.data)

			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.Empty(t, hash)
				return
			}

			require.NoError(t, err)
			// BLAKE2b-256 is 32 bytes, 64 hex characters
			assert.Len(t, hash, 64)
		})
	}
}

func TestHashContent_Canonical(t *testing.T) {
	a, err := HashContent([]byte(`{"a":1,"b":{"y":2,"x":1}}`))
	require.NoError(t, err)

	b, err := HashContent([]byte("{ \"b\": {\"x\":1, \"y\":2},\n \"a\": 1 }"))
	require.NoError(t, err)
	assert.Equal(t, a, b)

	c, err := HashContent([]byte(`{"a":2,"b":{"y":2,"x":1}}`))
	require.NoError(t, err)
	assert.NotEqual(t, a, c)

	// large integers keep their exact digits
	big1, err := HashContent([]byte(`{"n":9007199254740993}`))
	require.NoError(t, err)
	big2, err := HashContent([]byte(`{"n":9007199254740992}`))
	require.NoError(t, err)
	assert.NotEqual(t, big1, big2)
}

func TestVerifyContent(t *testing.T) {
	data := []byte(`{"title":"Refunds"}`)
	hash, err := HashContent(data)
	require.NoError(t, err)

	assert.NoError(t, VerifyContent([]byte(`{ "title": "Refunds" }`), hash))
	assert.Error(t, VerifyContent([]byte(`{"title":"Other"}`), hash))
	assert.Error(t, VerifyContent(data, ""))
	assert.Error(t, VerifyContent(nil, hash))
}
