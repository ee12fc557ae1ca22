package security

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testCodec(t *testing.T) *Codec {
	t.Helper()
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	c, err := NewCodec(key)
	require.NoError(t, err)
	return c
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	c := testCodec(t)

	ct, err := c.Encrypt("shpat_0123456789abcdef")
	require.NoError(t, err)
	assert.NotContains(t, ct, "shpat_")

	pt, err := c.Decrypt(ct)
	require.NoError(t, err)
	assert.Equal(t, "shpat_0123456789abcdef", pt)
}

func TestEncryptUsesFreshNonce(t *testing.T) {
	c := testCodec(t)

	a, err := c.Encrypt("secret")
	require.NoError(t, err)
	b, err := c.Encrypt("secret")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestDecryptCorruptValueFails(t *testing.T) {
	c := testCodec(t)

	_, err := c.Decrypt("not base64!!")
	assert.Error(t, err)

	_, err = c.Decrypt(base64.RawURLEncoding.EncodeToString([]byte("short")))
	assert.Error(t, err)

	ct, err := c.Encrypt("secret")
	require.NoError(t, err)
	raw, err := base64.RawURLEncoding.DecodeString(ct)
	require.NoError(t, err)
	raw[len(raw)-1] ^= 0xff
	_, err = c.Decrypt(base64.RawURLEncoding.EncodeToString(raw))
	assert.Error(t, err)
}

func TestDecryptWithWrongKeyFails(t *testing.T) {
	c := testCodec(t)
	ct, err := c.Encrypt("secret")
	require.NoError(t, err)

	other := make([]byte, 32)
	for i := range other {
		other[i] = byte(255 - i)
	}
	c2, err := NewCodec(other)
	require.NoError(t, err)

	_, err = c2.Decrypt(ct)
	assert.Error(t, err)
}

func TestNewCodecRejectsBadKeyLength(t *testing.T) {
	_, err := NewCodec([]byte("too short"))
	assert.Error(t, err)
}
