package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// clearEnvVars unsets every QUOTACLIENT_* variable for the duration of the test.
func clearEnvVars(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"QUOTACLIENT_CREDENTIALS",
		"QUOTACLIENT_REDIS_PASSWORD",
		"QUOTACLIENT_API_BASE_URL",
		"QUOTACLIENT_API_TOKEN_URL",
		"QUOTACLIENT_API_SCOPE",
		"QUOTACLIENT_LIMITER_CONCURRENT_OFFSET",
		"QUOTACLIENT_LIMITER_JOB_EXPIRATION",
		"QUOTACLIENT_REDIS_ENABLED",
		"QUOTACLIENT_REDIS_ADDR",
		"QUOTACLIENT_SERVER_PORT",
		"QUOTACLIENT_LOGGING_LEVEL",
		"QUOTACLIENT_PAGINATION_PAGE_SIZE",
	} {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}
}

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("QUOTACLIENT_CREDENTIALS", "app-a:secret-a, app-b:secret-b")
	t.Setenv("QUOTACLIENT_API_BASE_URL", "https://api.example.test")
	t.Setenv("QUOTACLIENT_API_TOKEN_URL", "https://login.example.test/oauth/token")
}

func TestLoad_Defaults(t *testing.T) {
	clearEnvVars(t)
	setRequired(t)
	chdir(t, t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)

	require.Len(t, cfg.Credentials, 2)
	assert.Equal(t, "app-a", cfg.Credentials[0].ClientID)
	assert.Equal(t, "secret-b", cfg.Credentials[1].ClientSecret)

	assert.Equal(t, "/me", cfg.API.ProbePath)
	assert.Equal(t, 0, cfg.Limiter.ConcurrentOffset)
	assert.Equal(t, 2*time.Minute, cfg.Limiter.JobExpiration)
	assert.Equal(t, 10*time.Millisecond, cfg.Limiter.MinTimeMargin)
	assert.Equal(t, time.Hour, cfg.Limiter.RefreshInterval)
	assert.Equal(t, 20*time.Second, cfg.Limiter.TokenMargin)
	assert.Equal(t, 100, cfg.Pagination.PageSize)
	assert.Equal(t, "X-Ratelimit-Hourly-Limit", cfg.Headers.HourlyLimit)
	assert.False(t, cfg.Redis.Enabled)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoad_EnvOverrides(t *testing.T) {
	clearEnvVars(t)
	setRequired(t)
	chdir(t, t.TempDir())
	t.Setenv("QUOTACLIENT_LIMITER_CONCURRENT_OFFSET", "2")
	t.Setenv("QUOTACLIENT_LIMITER_JOB_EXPIRATION", "30s")
	t.Setenv("QUOTACLIENT_REDIS_ENABLED", "true")
	t.Setenv("QUOTACLIENT_REDIS_ADDR", "redis:6379")
	t.Setenv("QUOTACLIENT_REDIS_PASSWORD", "hunter2")
	t.Setenv("QUOTACLIENT_LOGGING_LEVEL", "debug")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 2, cfg.Limiter.ConcurrentOffset)
	assert.Equal(t, 30*time.Second, cfg.Limiter.JobExpiration)
	assert.True(t, cfg.Redis.Enabled)
	assert.Equal(t, "redis:6379", cfg.Redis.Addr)
	assert.Equal(t, "hunter2", cfg.Redis.Password)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoad_File(t *testing.T) {
	clearEnvVars(t)
	t.Setenv("QUOTACLIENT_CREDENTIALS", "app-a:secret-a")

	path := filepath.Join(t.TempDir(), "quota.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
api:
  base_url: https://file.example.test
  token_url: https://file.example.test/token
  scope: read
pagination:
  page_size: 50
  total_count_header: X-Pages
server:
  port: 9090
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "https://file.example.test", cfg.API.BaseURL)
	assert.Equal(t, "read", cfg.API.Scope)
	assert.Equal(t, 50, cfg.Pagination.PageSize)
	assert.Equal(t, "X-Pages", cfg.Pagination.TotalCountHeader)
	assert.Equal(t, 9090, cfg.Server.Port)
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	clearEnvVars(t)
	setRequired(t)

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestLoad_Validation(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		wantErr string
	}{
		{
			name:    "no credentials",
			env:     map[string]string{"QUOTACLIENT_CREDENTIALS": ""},
			wantErr: "at least one credential",
		},
		{
			name:    "malformed credentials",
			env:     map[string]string{"QUOTACLIENT_CREDENTIALS": "app-a"},
			wantErr: "want id:secret",
		},
		{
			name:    "missing base url",
			env:     map[string]string{"QUOTACLIENT_API_BASE_URL": ""},
			wantErr: "api.base_url is required",
		},
		{
			name:    "negative offset",
			env:     map[string]string{"QUOTACLIENT_LIMITER_CONCURRENT_OFFSET": "-1"},
			wantErr: "concurrent_offset",
		},
		{
			name:    "zero page size",
			env:     map[string]string{"QUOTACLIENT_PAGINATION_PAGE_SIZE": "0"},
			wantErr: "page_size",
		},
		{
			name:    "bad port",
			env:     map[string]string{"QUOTACLIENT_SERVER_PORT": "70000"},
			wantErr: "invalid server port",
		},
		{
			name:    "bad log level",
			env:     map[string]string{"QUOTACLIENT_LOGGING_LEVEL": "verbose"},
			wantErr: "invalid log level",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnvVars(t)
			setRequired(t)
			chdir(t, t.TempDir())
			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			_, err := Load("")
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestParseCredentials(t *testing.T) {
	creds, err := ParseCredentials(" a:1 ,b:2:3,,")
	require.NoError(t, err)
	require.Len(t, creds, 2)
	assert.Equal(t, "a", creds[0].ClientID)
	assert.Equal(t, "2:3", creds[1].ClientSecret)

	creds, err = ParseCredentials("")
	require.NoError(t, err)
	assert.Empty(t, creds)

	_, err = ParseCredentials(":secret")
	assert.Error(t, err)
}

func TestConfig_ClientConfig(t *testing.T) {
	clearEnvVars(t)
	setRequired(t)
	chdir(t, t.TempDir())
	t.Setenv("QUOTACLIENT_REDIS_ENABLED", "true")

	cfg, err := Load("")
	require.NoError(t, err)

	cc := cfg.ClientConfig(zerolog.Nop())
	require.NotNil(t, cc.Redis)
	defer cc.Redis.Close()

	assert.Len(t, cc.Credentials, 2)
	assert.Equal(t, "https://api.example.test", cc.BaseURL)
	assert.Equal(t, cfg.Limiter.JobExpiration, cc.JobExpiration)
	assert.Equal(t, cfg.Pagination.PageSize, cc.PageSize)
	assert.Equal(t, cfg.Headers, cc.Headers)
	assert.NotNil(t, cc.Logger)

	lc := cfg.LoggingConfig()
	assert.Equal(t, "info", string(lc.Level))
}

// chdir changes the working directory for the duration of the test,
// equivalent to testing.T.Chdir (Go 1.24+).
func chdir(t *testing.T, dir string) {
	t.Helper()
	prev, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() {
		if err := os.Chdir(prev); err != nil {
			t.Fatalf("restore working directory: %v", err)
		}
	})
}
