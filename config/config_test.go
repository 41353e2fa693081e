package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func envLookup(vars map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := vars[key]
		return v, ok
	}
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadFromYAML(t *testing.T) {
	path := writeConfig(t, `
locale: en
storage:
  type: sqlite
  path: /var/lib/guardrelay/usage.db
mailbox:
  wait_timeout: 90s
accounts:
  - email: first@gmail.com
    password: secret
    command: "  !Код "
    daily_limit: 3
    period_hours: 24
  - email: second@rambler.ru
    password: secret2
    command: "!steam"
    daily_limit: "-"
`)

	cfg, err := load(path, envLookup(nil))
	require.NoError(t, err)

	assert.Equal(t, "en", cfg.Locale)
	assert.Equal(t, "sqlite", cfg.Storage.Type)
	assert.Equal(t, 90*time.Second, cfg.Mailbox.WaitTimeout)
	assert.Equal(t, 5*time.Second, cfg.Mailbox.PollInterval)
	assert.Equal(t, "noreply@steampowered.com", cfg.Mailbox.Sender)

	require.Len(t, cfg.Accounts, 2)
	assert.Equal(t, Account{
		Email:       "first@gmail.com",
		Password:    "secret",
		Command:     "!код",
		Limit:       3,
		PeriodHours: 24,
	}, cfg.Accounts[0])
	assert.True(t, cfg.Accounts[1].Unlimited())
	assert.Equal(t, time.Duration(0), cfg.Accounts[1].Period())
}

func TestLoadAccountsFromEnv(t *testing.T) {
	path := writeConfig(t, "locale: ru\n")

	cfg, err := load(path, envLookup(map[string]string{
		"EMAIL_1":        "a@mail.ru",
		"PASSWORD_1":     "p1",
		"COMMAND_1":      "!код",
		"DAILY_LIMIT_1":  "2",
		"PERIOD_HOURS_1": "0",
		"EMAIL_2":        "b@yandex.ru",
		"PASSWORD_2":     "p2",
		"COMMAND_2":      "!код2",
		"DAILY_LIMIT_2":  "-",
		// índice 3 ausente interrompe a enumeração
		"EMAIL_4":    "d@gmail.com",
		"PASSWORD_4": "p4",
		"COMMAND_4":  "!код4",
	}))
	require.NoError(t, err)

	require.Len(t, cfg.Accounts, 2)
	assert.Equal(t, 2, cfg.Accounts[0].Limit)
	assert.Equal(t, 0, cfg.Accounts[0].PeriodHours)
	assert.True(t, cfg.Accounts[1].Unlimited())
}

func TestLoadWithoutAccounts(t *testing.T) {
	path := writeConfig(t, "locale: ru\n")

	_, err := load(path, envLookup(nil))
	assert.ErrorIs(t, err, ErrNoAccounts)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("GUARDRELAY_STORAGE_TYPE", "redis")
	t.Setenv("FUNPAY_AUTH_TOKEN", "golden-key")

	path := writeConfig(t, `
accounts:
  - email: x@gmail.com
    password: p
    command: "!x"
`)

	cfg, err := load(path, envLookup(nil))
	require.NoError(t, err)
	assert.Equal(t, "redis", cfg.Storage.Type)
	assert.Equal(t, "golden-key", cfg.Chat.Token)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := load(filepath.Join(t.TempDir(), "absent.yaml"), envLookup(nil))
	assert.Error(t, err)

	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(t.TempDir()))
	t.Cleanup(func() { _ = os.Chdir(wd) })
	cfg, err := load("", envLookup(map[string]string{
		"EMAIL_1":    "a@gmail.com",
		"PASSWORD_1": "p",
		"COMMAND_1":  "!a",
	}))
	require.NoError(t, err)
	assert.Len(t, cfg.Accounts, 1)
}

func TestLoadRejectsUnknownStorage(t *testing.T) {
	path := writeConfig(t, `
storage:
  type: mongo
accounts:
  - email: x@gmail.com
    password: p
    command: "!x"
`)

	_, err := load(path, envLookup(nil))
	var cfgErr *ConfigError
	require.True(t, errors.As(err, &cfgErr))
	assert.Equal(t, "storage.type", cfgErr.Field)
}

func TestAccountEntryParse(t *testing.T) {
	base := AccountEntry{Email: "a@gmail.com", Password: "p", Command: "!a"}

	tests := []struct {
		name      string
		mutate    func(e *AccountEntry)
		wantField string
		want      Account
	}{
		{
			name:   "unlimited by dash",
			mutate: func(e *AccountEntry) { e.DailyLimit = "-" },
			want:   Account{Email: "a@gmail.com", Password: "p", Command: "!a"},
		},
		{
			name:   "unlimited when absent",
			mutate: func(e *AccountEntry) {},
			want:   Account{Email: "a@gmail.com", Password: "p", Command: "!a"},
		},
		{
			name:   "lifetime cap",
			mutate: func(e *AccountEntry) { e.DailyLimit = "5"; e.PeriodHours = "-" },
			want:   Account{Email: "a@gmail.com", Password: "p", Command: "!a", Limit: 5},
		},
		{
			name:   "rolling window with imap override",
			mutate: func(e *AccountEntry) { e.DailyLimit = "1"; e.PeriodHours = "12"; e.IMAPServer = "imap.example.org:993" },
			want:   Account{Email: "a@gmail.com", Password: "p", Command: "!a", Limit: 1, PeriodHours: 12, IMAPServer: "imap.example.org:993"},
		},
		{
			name:      "zero limit",
			mutate:    func(e *AccountEntry) { e.DailyLimit = "0" },
			wantField: "accounts[1].daily_limit",
		},
		{
			name:      "negative limit",
			mutate:    func(e *AccountEntry) { e.DailyLimit = "-3" },
			wantField: "accounts[1].daily_limit",
		},
		{
			name:      "bad period",
			mutate:    func(e *AccountEntry) { e.DailyLimit = "1"; e.PeriodHours = "day" },
			wantField: "accounts[1].period_hours",
		},
		{
			name:      "missing password",
			mutate:    func(e *AccountEntry) { e.Password = "" },
			wantField: "accounts[1].password",
		},
		{
			name:      "blank command",
			mutate:    func(e *AccountEntry) { e.Command = "   " },
			wantField: "accounts[1].command",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			entry := base
			tt.mutate(&entry)

			got, err := entry.Parse(1)
			if tt.wantField != "" {
				var cfgErr *ConfigError
				require.True(t, errors.As(err, &cfgErr))
				assert.Equal(t, tt.wantField, cfgErr.Field)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestLoadEnvFileMissingIsIgnored(t *testing.T) {
	assert.NoError(t, LoadEnvFile(filepath.Join(t.TempDir(), ".env")))
	assert.NoError(t, LoadEnvFile(""))
}
