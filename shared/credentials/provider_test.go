package credentials

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveNoSubjectNameIsInsecure(t *testing.T) {
	p := New(nil)
	resolved := p.Resolve(Config{})
	assert.False(t, resolved.EncryptionEnabled)
	assert.False(t, resolved.AuthenticationEnabled)
}

func TestResolveMissingCertFallsBackInsecure(t *testing.T) {
	p := New(nil)
	resolved := p.Resolve(Config{
		CertificateSubjectName: "worker.internal",
		RootPEMPath:            filepath.Join(t.TempDir(), "does-not-exist.pem"),
	})
	assert.False(t, resolved.EncryptionEnabled, "a missing cert file must downgrade to insecure, not fail")
}

func TestResolveAuthenticationRequiresNonEmptyToken(t *testing.T) {
	dir := t.TempDir()
	tokenPath := filepath.Join(dir, "token")
	require.NoError(t, os.WriteFile(tokenPath, []byte("   \n"), 0o600))

	p := New(nil)
	resolved := p.Resolve(Config{
		// Subject name set with no PEM paths, so encryption engages and
		// only the blank token keeps authentication off.
		CertificateSubjectName: "worker.internal",
		TokenPath:              tokenPath,
	})
	require.True(t, resolved.EncryptionEnabled)
	assert.False(t, resolved.AuthenticationEnabled)
}

func TestLoadTokenRejectsNonJWT(t *testing.T) {
	dir := t.TempDir()
	tokenPath := filepath.Join(dir, "token")
	require.NoError(t, os.WriteFile(tokenPath, []byte("not-a-jwt"), 0o600))

	p := New(nil)
	_, err := p.loadToken(tokenPath)
	require.Error(t, err)
}

func TestLoadTokenAcceptsWellFormedJWT(t *testing.T) {
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"env": "prod"})
	signed, err := tok.SignedString([]byte("secret"))
	require.NoError(t, err)

	dir := t.TempDir()
	tokenPath := filepath.Join(dir, "token")
	require.NoError(t, os.WriteFile(tokenPath, []byte(signed), 0o600))

	p := New(nil)
	got, err := p.loadToken(tokenPath)
	require.NoError(t, err)
	assert.Equal(t, signed, got)
}
