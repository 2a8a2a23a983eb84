package sftpserver

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadOrGenerateHostKeyGeneratesEphemeralWhenPathEmpty(t *testing.T) {
	signer, err := loadOrGenerateHostKey("", nil)
	require.NoError(t, err)
	assert.NotNil(t, signer.PublicKey())
}

func TestLoadOrGenerateHostKeyGeneratesEphemeralWhenFileMissing(t *testing.T) {
	signer, err := loadOrGenerateHostKey("/nonexistent/path/to/host_key", nil)
	require.NoError(t, err)
	assert.NotNil(t, signer.PublicKey())
}

func TestServerConfigAcceptsAnyPasswordAndKey(t *testing.T) {
	s := &Server{}
	signer, err := loadOrGenerateHostKey("", nil)
	require.NoError(t, err)
	s.signer = signer

	cfg := s.serverConfig()
	perm, err := cfg.PasswordCallback(nil, []byte("anything"))
	require.NoError(t, err)
	assert.NotNil(t, perm)

	perm, err = cfg.PublicKeyCallback(nil, nil)
	require.NoError(t, err)
	assert.NotNil(t, perm)
}

