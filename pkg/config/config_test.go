package config_test

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/certainly-param/vac-protocol/pkg/config"
)

func validRootKeyHex(t *testing.T) string {
	t.Helper()
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	return hex.EncodeToString(pub)
}

func clearVACEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"VAC_LISTEN_ADDR", "VAC_METRICS_ADDR", "VAC_ROOT_PUBLIC_KEY",
		"VAC_UPSTREAM_URL", "VAC_UPSTREAM_API_KEY", "VAC_CONTROL_PLANE_URL",
		"VAC_ADAPTERS_DIR", "VAC_REDIS_ADDR", "VAC_LOG_LEVEL",
		"VAC_HEARTBEAT_CADENCE", "VAC_ROTATION_PERIOD", "VAC_RATE_LIMIT_WINDOW",
		"VAC_REPLAY_CACHE_TTL", "VAC_FAIL_THRESHOLD", "VAC_RATE_LIMIT_CAPACITY",
	} {
		t.Setenv(k, "")
	}
}

func TestLoad_DefaultsWithRequiredEnvSet(t *testing.T) {
	clearVACEnv(t)
	t.Setenv("VAC_ROOT_PUBLIC_KEY", validRootKeyHex(t))
	t.Setenv("VAC_UPSTREAM_URL", "http://upstream.internal:8080")
	t.Setenv("VAC_UPSTREAM_API_KEY", "secret")

	cfg, err := config.Load("")
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:3000", cfg.ListenAddr)
	assert.Equal(t, 100, cfg.RateLimitCapacity)
	assert.Equal(t, 60*time.Second, cfg.RateLimitWindow)
	assert.Equal(t, 300*time.Second, cfg.ReplayCacheTTL)
	assert.Equal(t, 3, cfg.FailThreshold)
}

func TestLoad_MissingRootKeyFails(t *testing.T) {
	clearVACEnv(t)
	t.Setenv("VAC_UPSTREAM_URL", "http://upstream.internal:8080")
	t.Setenv("VAC_UPSTREAM_API_KEY", "secret")

	_, err := config.Load("")
	assert.Error(t, err)
}

func TestLoad_WrongLengthRootKeyFails(t *testing.T) {
	clearVACEnv(t)
	t.Setenv("VAC_ROOT_PUBLIC_KEY", "abcd")
	t.Setenv("VAC_UPSTREAM_URL", "http://upstream.internal:8080")
	t.Setenv("VAC_UPSTREAM_API_KEY", "secret")

	_, err := config.Load("")
	assert.Error(t, err)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	clearVACEnv(t)
	rootKey := validRootKeyHex(t)

	dir := t.TempDir()
	path := filepath.Join(dir, "sidecar.yaml")
	contents := "upstream_url: http://from-file:8080\nupstream_api_key: file-secret\nroot_public_key_hex: " + rootKey + "\n"
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))

	t.Setenv("VAC_UPSTREAM_URL", "http://from-env:9090")

	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, "http://from-env:9090", cfg.UpstreamURL)
	assert.Equal(t, "file-secret", cfg.UpstreamAPIKey)
}

func TestRootPublicKey_Decodes(t *testing.T) {
	clearVACEnv(t)
	rootKey := validRootKeyHex(t)
	t.Setenv("VAC_ROOT_PUBLIC_KEY", rootKey)
	t.Setenv("VAC_UPSTREAM_URL", "http://upstream.internal:8080")
	t.Setenv("VAC_UPSTREAM_API_KEY", "secret")

	cfg, err := config.Load("")
	require.NoError(t, err)

	raw, err := cfg.RootPublicKey()
	require.NoError(t, err)
	assert.Len(t, raw, ed25519.PublicKeySize)
}
