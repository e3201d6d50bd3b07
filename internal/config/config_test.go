package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"frenchmentor/internal/ledger"
	"frenchmentor/internal/models"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	path := writeConfig(t, `{}`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.BasicConfig.ServerAddress)
	assert.Equal(t, "sqlite3", cfg.Databases.Driver)
	assert.Equal(t, filepath.Join(filepath.Dir(path), "frenchmentor.db"), cfg.Databases.Path)
	assert.Equal(t, "mentor:sync", cfg.Redis.Channel)
	assert.Equal(t, 30*time.Minute, cfg.Redis.CacheTTL)
	assert.Equal(t, ledger.DefaultPolicy(), cfg.Economy.Policy())
	assert.Equal(t, 2, cfg.Persistence.Writers)
	assert.Equal(t, 5*time.Second, cfg.Persistence.SaveTimeout)

	sess := cfg.Session()
	assert.Equal(t, 3, sess.MaxAttempts)
	assert.True(t, sess.RefundOnCancel)
	assert.Equal(t, models.TierFree, sess.Tier)
	assert.Equal(t, models.LanguageEnglish, sess.Language)
	assert.Equal(t, 40, sess.Scoring.Floor)
}

func TestLoadFileValues(t *testing.T) {
	path := writeConfig(t, `{
		"basic_config": {"server_address": ":9000"},
		"databases": {"driver": "mysql", "dsn": "user:pw@tcp(localhost:3306)/mentor?parseTime=true"},
		"providers": {"openai": {"base_url": "http://llm", "model": "gpt-4o-mini", "api_key": "k"}},
		"tutor": {"provider": "openai", "max_attempts": 5, "backoff": "2s", "language": "French"},
		"economy": {"free_cap": 20, "free_window": "12h"}
	}`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.BasicConfig.ServerAddress)
	assert.Equal(t, "mysql", cfg.Databases.Driver)
	assert.Equal(t, 20, cfg.Economy.FreeCap)
	assert.Equal(t, 12*time.Hour, cfg.Economy.FreeWindow)
	assert.Equal(t, 2, cfg.Economy.FreeCost)

	name, prov, ok := cfg.Provider()
	require.True(t, ok)
	assert.Equal(t, "openai", name)
	assert.Equal(t, "gpt-4o-mini", prov.Model)

	sess := cfg.Session()
	assert.Equal(t, 5, sess.MaxAttempts)
	assert.Equal(t, 2*time.Second, sess.Backoff)
	assert.Equal(t, models.LanguageFrench, sess.Language)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("FRENCHMENTOR_BASIC_CONFIG_SERVER_ADDRESS", ":7000")
	t.Setenv("FRENCHMENTOR_ECONOMY_PRO_CAP", "500")
	t.Setenv("GEMINI_API_KEY", "from-env")
	cfg, err := Load(writeConfig(t, `{}`))
	require.NoError(t, err)

	assert.Equal(t, ":7000", cfg.BasicConfig.ServerAddress)
	assert.Equal(t, 500, cfg.Economy.ProCap)
	name, prov, ok := cfg.Provider()
	assert.True(t, ok)
	assert.Equal(t, "gemini", name)
	assert.Equal(t, "from-env", prov.APIKey)
}

func TestLoadRejectsBadValues(t *testing.T) {
	cases := map[string]string{
		"driver":   `{"databases": {"driver": "postgres"}}`,
		"mysql":    `{"databases": {"driver": "mysql"}}`,
		"tier":     `{"economy": {"default_tier": "gold"}}`,
		"language": `{"tutor": {"language": "Klingon"}}`,
		"syntax":   `{`,
		"writers":  `{"persistence": {"writers": 0}}`,
		"cap":      `{"economy": {"pro_cap": -1}}`,
		"window":   `{"economy": {"free_window": "0s"}}`,
		"negative": `{"economy": {"pro_window": "-1h"}}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, body))
			assert.Error(t, err)
		})
	}
}

func TestSqliteDriverAlias(t *testing.T) {
	path := writeConfig(t, `{"databases": {"driver": "SQLite", "path": "alias.db"}}`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "sqlite3", cfg.Databases.Driver)
	assert.Equal(t, filepath.Join(filepath.Dir(path), "alias.db"), cfg.Databases.Path)
}

func TestExplicitMissingFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.json"))
	assert.Error(t, err)
}
