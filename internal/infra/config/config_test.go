package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequiredEnv(t *testing.T) {
	t.Setenv("TELEGRAM_BOT_TOKEN", "123:abc")
	t.Setenv("TARGET_COMMON_CHAT_ID", "-1001234567890")
	t.Setenv("TARGET_JETTON_MASTER", "EQjetton")
	t.Setenv("TARGET_NFT_COLLECTION_ADDRESS", "EQcollection")
	t.Setenv("TC_MANIFEST_URL", "https://example.com/manifest.json")
}

func TestLoadConfigDefaults(t *testing.T) {
	t.Chdir(t.TempDir())
	setRequiredEnv(t)

	cfg, err := LoadConfig(nil)
	require.NoError(t, err)

	assert.Equal(t, "123:abc", cfg.Telegram.Token)
	assert.Equal(t, int64(-1001234567890), cfg.Telegram.ChatID)
	assert.Equal(t, 256, cfg.Telegram.ConcurrentUpdates)
	assert.Equal(t, "polling", cfg.Telegram.Mode)
	assert.Equal(t, 90, cfg.Club.WhaleRankThreshold)
	assert.Equal(t, uint64(1_000_000), cfg.Club.WhaleBalanceThreshold)
	assert.Equal(t, 60*time.Second, cfg.Club.BanDuration)
	assert.Equal(t, 180*time.Second, cfg.TonConnect.ConnectTimeout)
	assert.Equal(t, time.Second, cfg.TonConnect.TickInterval)
	assert.Equal(t, 1000, cfg.Ingest.PageSize)
	assert.Equal(t, 136_000, cfg.Ingest.NftMinCollectionSize)
	assert.Equal(t, 60*time.Minute, cfg.Ingest.JettonInterval)
	assert.Equal(t, 30*time.Minute, cfg.Ingest.JettonFirstRun)
	assert.Empty(t, cfg.Telegram.AdminIDs)
}

func TestLoadConfigLegacyEnvNames(t *testing.T) {
	t.Chdir(t.TempDir())
	setRequiredEnv(t)
	t.Setenv("ADMIN_IDS", "11, 22,33")
	t.Setenv("MYSQL_HOST", "db.internal")
	t.Setenv("MYSQL_PORT", "3306")
	t.Setenv("DATABASE_DRIVER", "mysql")
	t.Setenv("WHALE_RATING_THRESHOLD", "50")
	t.Setenv("ENABLE_CALLBACK_REPLIES", "true")

	cfg, err := LoadConfig(nil)
	require.NoError(t, err)

	assert.Equal(t, []int64{11, 22, 33}, cfg.Telegram.AdminIDs)
	assert.Equal(t, "mysql", cfg.Database.Driver)
	assert.Equal(t, "db.internal", cfg.Database.Host)
	assert.Equal(t, 3306, cfg.Database.Port)
	assert.Equal(t, 50, cfg.Club.WhaleRankThreshold)
	assert.True(t, cfg.Telegram.EnableCallbackReplies)
}

func TestLoadConfigFileAndFlags(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	setRequiredEnv(t)

	yaml := `
club:
  whale_rank_threshold: 10
  invite_expiry: 15m
ingest:
  page_size: 500
log:
  level: debug
`
	path := filepath.Join(dir, "custom.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	RegisterFlags(fs)
	require.NoError(t, fs.Parse([]string{"--config", path, "--log.level", "warn"}))

	cfg, err := LoadConfig(fs)
	require.NoError(t, err)

	assert.Equal(t, 10, cfg.Club.WhaleRankThreshold)
	assert.Equal(t, 15*time.Minute, cfg.Club.InviteExpiry)
	assert.Equal(t, 500, cfg.Ingest.PageSize)
	assert.Equal(t, "warn", cfg.Log.Level, "explicit flag wins over file")
	assert.Equal(t, "polling", cfg.Telegram.Mode, "unset flag keeps default")
}

func TestLoadConfigValidation(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		wantErr string
	}{
		{
			name:    "missing token",
			env:     map[string]string{"TELEGRAM_BOT_TOKEN": ""},
			wantErr: "telegram.token",
		},
		{
			name:    "webhook without url",
			env:     map[string]string{"TELEGRAM_MODE": "webhook"},
			wantErr: "webhook.url",
		},
		{
			name:    "unknown driver",
			env:     map[string]string{"DATABASE_DRIVER": "sqlite"},
			wantErr: "database.driver",
		},
		{
			name:    "bad admin ids",
			env:     map[string]string{"ADMIN_IDS": "1,x"},
			wantErr: "admin_ids",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Chdir(t.TempDir())
			setRequiredEnv(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			_, err := LoadConfig(nil)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
