package cmd

import (
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/otherjamesbrown/board-signal-scout/config"
	"github.com/otherjamesbrown/board-signal-scout/credentials"
	scerrors "github.com/otherjamesbrown/board-signal-scout/pkg/errors"
	"github.com/otherjamesbrown/board-signal-scout/pkg/logging"
)

const testKeyEnv = "SCOUT_TEST_ENCRYPTION_KEY"

func authDeps(t *testing.T, secrets ...string) (*AuthCommandDeps, string) {
	t.Helper()
	dir := t.TempDir()
	t.Setenv(testKeyEnv, strings.Repeat("ab", 32))
	t.Setenv("OPENAI_API_KEY", "")
	t.Setenv("SCOUT_API_KEY", "")
	t.Setenv(PassphraseEnv, "")

	return &AuthCommandDeps{
		CredentialsDir: func() (string, error) { return dir, nil },
		KeyProvider: func() (credentials.KeyProvider, error) {
			return credentials.NewEnvKeyProvider(testKeyEnv), nil
		},
		ReadSecret: func(prompt string) (string, error) {
			if len(secrets) == 0 {
				return "", errors.New("unexpected prompt: " + prompt)
			}
			s := secrets[0]
			secrets = secrets[1:]
			return s, nil
		},
	}, dir
}

func TestAuthCommand_Structure(t *testing.T) {
	cmd := NewAuthCommand(nil)

	assert.Equal(t, "auth", cmd.Use)
	assert.NotEmpty(t, cmd.Long)

	var names []string
	for _, sub := range cmd.Commands() {
		names = append(names, sub.Name())
	}
	assert.ElementsMatch(t, []string{"set-key", "status", "clear"}, names)
}

func TestAuth_SetKeyStatusClear(t *testing.T) {
	deps, dir := authDeps(t)

	out, err := execute(t, NewAuthCommand(deps), "set-key", "--api-key", "sk-abcdefghijkl")
	require.NoError(t, err)
	assert.Contains(t, out, "API key stored.")
	assert.Contains(t, out, "sk-a*******ijkl")
	assert.FileExists(t, filepath.Join(dir, credentials.DefaultCredentialsFile))

	out, err = execute(t, NewAuthCommand(deps), "status")
	require.NoError(t, err)
	assert.Contains(t, out, "Provider:     openai")
	assert.Contains(t, out, "sk-a*******ijkl")
	assert.NotContains(t, out, "sk-abcdefghijkl")

	out, err = execute(t, NewAuthCommand(deps), "clear")
	require.NoError(t, err)
	assert.Contains(t, out, "Stored API key removed.")

	out, err = execute(t, NewAuthCommand(deps), "status")
	require.NoError(t, err)
	assert.Contains(t, out, "No stored API key")

	out, err = execute(t, NewAuthCommand(deps), "clear")
	require.NoError(t, err)
	assert.Contains(t, out, "No stored credentials found.")
}

func TestAuth_SetKeyPrompts(t *testing.T) {
	deps, _ := authDeps(t, "sk-prompted-key")

	_, err := execute(t, NewAuthCommand(deps), "set-key")
	require.NoError(t, err)

	store, err := deps.openStore("")
	require.NoError(t, err)
	creds, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, "sk-prompted-key", creds.APIKey)
}

func TestAuth_SetKeyFromEnvironment(t *testing.T) {
	deps, _ := authDeps(t)
	t.Setenv("OPENAI_API_KEY", "sk-from-environment")

	out, err := execute(t, NewAuthCommand(deps), "set-key")
	require.NoError(t, err)
	assert.Contains(t, out, "Using API key from OPENAI_API_KEY")
}

func TestAuth_SetKeyNonInteractive(t *testing.T) {
	deps, _ := authDeps(t)

	_, err := execute(t, NewAuthCommand(deps), "set-key", "--non-interactive")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--non-interactive")
}

func TestAuth_Passphrase(t *testing.T) {
	deps, _ := authDeps(t, "correct horse battery staple")

	_, err := execute(t, NewAuthCommand(deps), "set-key", "--api-key", "sk-protected-key", "--passphrase")
	require.NoError(t, err)

	out, err := execute(t, NewAuthCommand(deps), "status")
	require.NoError(t, err)
	assert.Contains(t, out, "passphrase-protected")

	t.Setenv(PassphraseEnv, "correct horse battery staple")
	out, err = execute(t, NewAuthCommand(deps), "status")
	require.NoError(t, err)
	assert.Contains(t, out, "sk-p********-key")
}

func TestAuth_StatusNotesEnvironmentOverride(t *testing.T) {
	deps, _ := authDeps(t)
	t.Setenv("SCOUT_API_KEY", "sk-env-override")

	out, err := execute(t, NewAuthCommand(deps), "status")
	require.NoError(t, err)
	assert.Contains(t, out, "SCOUT_API_KEY is set")
}

func TestResolveAPIKey(t *testing.T) {
	deps, _ := authDeps(t)
	store, err := deps.openStore("")
	require.NoError(t, err)
	require.NoError(t, store.SaveAPIKey(credentials.ProviderOpenAI, "sk-stored"))

	openStored := func() (*credentials.Store, error) { return store, nil }
	openFails := func() (*credentials.Store, error) { return nil, errors.New("keyring locked") }

	tests := []struct {
		name      string
		flag      string
		configKey string
		open      func() (*credentials.Store, error)
		want      string
		wantErr   error
	}{
		{name: "flag wins", flag: "sk-flag", configKey: "sk-config", open: openStored, want: "sk-flag"},
		{name: "config before store", configKey: "sk-config", open: openStored, want: "sk-config"},
		{name: "store last", open: openStored, want: "sk-stored"},
		{name: "store unavailable", open: openFails, wantErr: scerrors.ErrMissingAPIKey},
		{name: "no store", wantErr: scerrors.ErrMissingAPIKey},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.DefaultConfig()
			cfg.LLM.APIKey = tt.configKey

			got, err := resolveAPIKey(tt.flag, cfg, tt.open, logging.NewNopLogger())
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.Contains(t, err.Error(), "scout auth set-key")
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestReadLine(t *testing.T) {
	got, err := readLine(strings.NewReader("  sk-typed  \nignored\n"))
	require.NoError(t, err)
	assert.Equal(t, "sk-typed", got)
}
