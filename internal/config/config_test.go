package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validYAML = `
server:
  addr: ":9000"
  api_tokens:
    tok-alice: alice
    tok-bob: bob
database:
  path: /tmp/ledger.db
providers:
  gemini:
    api_key: test-key
logging:
  level: debug
  format: console
`

func TestParse_Valid(t *testing.T) {
	cfg, err := Parse([]byte(validYAML))
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.Server.Addr)
	assert.Equal(t, "alice", cfg.Server.APITokens["tok-alice"])
	assert.Equal(t, "/tmp/ledger.db", cfg.Database.Path)
	assert.Equal(t, "test-key", cfg.Providers.Gemini.APIKey)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestParse_AppliesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`
providers:
  openai:
    api_key: k
`))
	require.NoError(t, err)

	assert.Equal(t, DefaultListenAddr, cfg.Server.Addr)
	assert.Equal(t, DefaultDatabasePath, cfg.Database.Path)
	assert.Equal(t, DefaultChatModel, cfg.Providers.ChatModel)
	assert.Equal(t, DefaultEmotionModel, cfg.Providers.EmotionModel)
	assert.Equal(t, DefaultProviderTimeout, cfg.Providers.Timeout.Std())
	assert.Equal(t, DefaultExportPrefix, cfg.Export.Prefix)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
}

func TestParse_RequiresAProviderKey(t *testing.T) {
	_, err := Parse([]byte(`server: {addr: ":9000"}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "api_key")
}

func TestParse_RedisNeedsAddr(t *testing.T) {
	_, err := Parse([]byte(`
providers:
  gemini: {api_key: k}
redis:
  enabled: true
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "redis.addr")
}

func TestParse_RejectsUnknownLogFormat(t *testing.T) {
	_, err := Parse([]byte(`
providers:
  gemini: {api_key: k}
logging:
  format: xml
`))
	assert.Error(t, err)
}

func TestParse_Durations(t *testing.T) {
	cfg, err := Parse([]byte(`
server:
  read_timeout: 5s
  write_timeout: 90s
providers:
  gemini: {api_key: k}
  timeout: 30s
`))
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, cfg.Server.ReadTimeout.Std())
	assert.Equal(t, 90*time.Second, cfg.Server.WriteTimeout.Std())
	assert.Equal(t, 30*time.Second, cfg.Providers.Timeout.Std())
}

func TestExpandEnvWithDefaults(t *testing.T) {
	t.Setenv("LEDGER_TEST_KEY", "secret-123")

	out := ExpandEnvWithDefaults("key: ${LEDGER_TEST_KEY}")
	assert.Equal(t, "key: secret-123", out)

	out = ExpandEnvWithDefaults("addr: ${LEDGER_TEST_UNSET:-localhost:6379}")
	assert.Equal(t, "addr: localhost:6379", out)

	out = ExpandEnvWithDefaults("empty: ${LEDGER_TEST_UNSET}")
	assert.Equal(t, "empty: ", out)
}

func TestParse_ExpandsEnvInYAML(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "from-env")

	cfg, err := Parse([]byte(`
providers:
  gemini:
    api_key: ${GEMINI_API_KEY}
`))
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Providers.Gemini.APIKey)
}
