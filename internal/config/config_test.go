package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "sidecar.toml")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	return p
}

func TestLoadDefaults(t *testing.T) {
	c, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "urai-helper", c.BinaryName)
	assert.Equal(t, ".urai-helper.lock", c.LockFile)
	assert.Equal(t, 30*time.Second, c.StartupTimeout)
	assert.True(t, c.LockGuard)
	assert.True(t, c.UseOSEnv)
	assert.True(t, c.Provision.Enabled)
	assert.Equal(t, 4, c.Provision.Parallel)
	assert.Equal(t, "/", c.Server.BasePath)
	assert.Equal(t, "info", c.Log.Level)

	_, err = c.RequireInstallDir()
	assert.Error(t, err)
}

func TestLoadFile(t *testing.T) {
	p := writeConfig(t, `
install_dir = "/opt/urai/"
startup_timeout = "5s"
lock_guard = false
env = ["A=1"]

[credentials]
openai_api_key = "sk-1"

[log]
level = "debug"
format = "json"
dir = "/var/log/urai"
max_size_mb = 20

[history]
dsn = "sqlite:///tmp/h.db"

[server]
listen = "127.0.0.1:9000"
base_path = "/sidecar"

[server.auth]
enabled = true
secret_hash = "$2a$10$abc"
jwt_secret = "k"
token_ttl = "10m"

[provision]
enabled = false
`)
	c, err := Load(p)
	require.NoError(t, err)
	assert.Equal(t, "/opt/urai", c.InstallDir)
	assert.Equal(t, 5*time.Second, c.StartupTimeout)
	assert.False(t, c.LockGuard)
	assert.Equal(t, []string{"A=1"}, c.Env)
	assert.Equal(t, map[string]string{"openai": "sk-1"}, c.CredentialMap())
	assert.Equal(t, "sqlite:///tmp/h.db", c.History.DSN)
	assert.Equal(t, "/sidecar", c.Server.BasePath)
	assert.False(t, c.Provision.Enabled)
	assert.True(t, c.Server.Auth.Enabled)
	assert.Equal(t, 10*time.Minute, c.Server.Auth.TokenTTL)

	lc := c.LoggerConfig()
	assert.Equal(t, "debug", lc.Level)
	assert.Equal(t, "json", lc.Format)
	assert.Equal(t, "/var/log/urai", lc.File.Dir)
	assert.Equal(t, 20, lc.File.MaxSizeMB)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("URAI_SIDECAR_INSTALL_DIR", "/from/env")
	t.Setenv("URAI_SIDECAR_STARTUP_TIMEOUT", "2s")
	t.Setenv("URAI_SIDECAR_CREDENTIALS_GEMINI_API_KEY", "g-1")
	t.Setenv("URAI_SIDECAR_LOG_LEVEL", "warn")

	c, err := Load(writeConfig(t, `install_dir = "/from/file"`))
	require.NoError(t, err)
	assert.Equal(t, "/from/env", c.InstallDir)
	assert.Equal(t, 2*time.Second, c.StartupTimeout)
	assert.Equal(t, "g-1", c.Credentials.GeminiAPIKey)
	assert.Equal(t, "warn", c.Log.Level)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)

	_, err = Load(writeConfig(t, `binary_name = "bin/urai-helper"`))
	assert.Error(t, err)

	_, err = Load(writeConfig(t, `lock_file = "../x.lock"`))
	assert.Error(t, err)

	_, err = Load(writeConfig(t, "[server.auth]\nenabled = true\n"))
	assert.Error(t, err)
}

func TestApplyDefaults(t *testing.T) {
	c := &Config{InstallDir: "/a/b/../c"}
	c.ApplyDefaults()
	assert.Equal(t, "/a/c", c.InstallDir)
	assert.Equal(t, "urai-helper", c.BinaryName)
	assert.Equal(t, 30*time.Second, c.StartupTimeout)
}

func envMap(kvs []string) map[string]string {
	m := make(map[string]string, len(kvs))
	for _, kv := range kvs {
		for i := 0; i < len(kv); i++ {
			if kv[i] == '=' {
				m[kv[:i]] = kv[i+1:]
				break
			}
		}
	}
	return m
}

func TestWorkerEnvMerge(t *testing.T) {
	dir := t.TempDir()
	dotenv := filepath.Join(dir, ".env")
	t.Setenv("OS_ONLY", "osv")
	require.NoError(t, os.WriteFile(dotenv, []byte("FILE_ONLY=fv\n#comment\nTOP=file\n"), 0o644))

	c := &Config{UseOSEnv: true, EnvFiles: []string{dotenv}, Env: []string{"TOP=tv"}}
	kvs, err := c.WorkerEnv()
	require.NoError(t, err)
	m := envMap(kvs)
	assert.Equal(t, "osv", m["OS_ONLY"])
	assert.Equal(t, "fv", m["FILE_ONLY"])
	assert.Equal(t, "tv", m["TOP"])

	c.UseOSEnv = false
	kvs, err = c.WorkerEnv()
	require.NoError(t, err)
	_, ok := envMap(kvs)["OS_ONLY"]
	assert.False(t, ok)
}

func TestWorkerEnvMissingFile(t *testing.T) {
	c := &Config{EnvFiles: []string{"/definitely/not/exist.env"}}
	_, err := c.WorkerEnv()
	assert.Error(t, err)
	_, err = LoadEnvFile("/definitely/not/exist.env")
	assert.Error(t, err)
}
