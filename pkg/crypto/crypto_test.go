package crypto

import (
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGenerateHexToken(t *testing.T) {
	token, err := GenerateHexToken(LoginTokenBytes)
	require.NoError(t, err)
	require.Len(t, token, 2*LoginTokenBytes)

	_, err = hex.DecodeString(token)
	require.NoError(t, err)

	other, err := GenerateHexToken(LoginTokenBytes)
	require.NoError(t, err)
	require.NotEqual(t, token, other)
}

func TestGenerateToken(t *testing.T) {
	token, err := GenerateToken(48)
	require.NoError(t, err)
	require.NotEmpty(t, token)
	require.NotContains(t, token, "=", "url-safe tokens carry no padding")

	other, err := GenerateToken(48)
	require.NoError(t, err)
	require.NotEqual(t, token, other)
}

func TestPasswordHashing(t *testing.T) {
	hash, err := HashPassword("hunter2-hunter2")
	require.NoError(t, err)
	require.NotEqual(t, "hunter2-hunter2", hash)

	require.True(t, VerifyPassword(hash, "hunter2-hunter2"))
	require.False(t, VerifyPassword(hash, "wrong"))
	require.False(t, VerifyPassword("not-a-hash", "hunter2-hunter2"))
}
