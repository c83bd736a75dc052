package credentials

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zalando/go-keyring"
	"gopkg.in/yaml.v3"

	scerrors "github.com/otherjamesbrown/board-signal-scout/pkg/errors"
)

// testEncryptionKey is a fixed 32-byte key, hex encoded.
const testEncryptionKey = "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"

func envStore(t *testing.T) *Store {
	t.Helper()
	t.Setenv(EncryptionKeyEnv, testEncryptionKey)
	s, err := NewStoreAt(t.TempDir(), NewEnvKeyProvider(EncryptionKeyEnv))
	require.NoError(t, err)
	return s
}

func TestCredentialsDir(t *testing.T) {
	t.Setenv("SCOUT_CONFIG_DIR", "")
	dir, err := CredentialsDir()
	require.NoError(t, err)
	home, _ := os.UserHomeDir()
	assert.Equal(t, filepath.Join(home, ".scout"), dir)

	t.Setenv("SCOUT_CONFIG_DIR", "/tmp/scout-test")
	dir, err = CredentialsDir()
	require.NoError(t, err)
	assert.Equal(t, "/tmp/scout-test", dir)
}

func TestStore_SaveAndLoad(t *testing.T) {
	s := envStore(t)
	require.False(t, s.Exists())

	require.NoError(t, s.SaveAPIKey(ProviderOpenAI, "  sk-test-1234567890  "))
	require.True(t, s.Exists())

	info, err := os.Stat(s.Path())
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	raw, err := os.ReadFile(s.Path())
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "sk-test-1234567890", "key is encrypted at rest")

	creds, err := s.Load()
	require.NoError(t, err)
	assert.Equal(t, "sk-test-1234567890", creds.APIKey)
	assert.Equal(t, ProviderOpenAI, creds.Provider)
	assert.Equal(t, "Environment variable (SCOUT_ENCRYPTION_KEY)", creds.KeySource)
	assert.False(t, creds.LastUpdated.IsZero())
}

func TestStore_SaveEmptyKey(t *testing.T) {
	s := envStore(t)
	err := s.SaveAPIKey(ProviderOpenAI, "   ")
	assert.ErrorIs(t, err, scerrors.ErrMissingAPIKey)
}

func TestStore_LoadNoCredentials(t *testing.T) {
	s := envStore(t)
	_, err := s.Load()
	assert.ErrorIs(t, err, ErrNoCredentials)
}

func TestStore_Delete(t *testing.T) {
	s := envStore(t)
	require.NoError(t, s.SaveAPIKey(ProviderOpenAI, "sk-delete-me"))
	require.NoError(t, s.Delete())
	assert.False(t, s.Exists())
	assert.NoError(t, s.Delete(), "deleting twice is fine")
}

func TestStore_WrongKeyFails(t *testing.T) {
	s := envStore(t)
	require.NoError(t, s.SaveAPIKey(ProviderOpenAI, "sk-secret"))

	t.Setenv("OTHER_KEY", strings.Repeat("ab", 32))
	other, err := NewStoreAt(filepath.Dir(s.Path()), NewEnvKeyProvider("OTHER_KEY"))
	require.NoError(t, err)

	_, err = other.Load()
	assert.ErrorIs(t, err, ErrEncryptionFailed)
}

func TestPassphraseStore_ReusesSalt(t *testing.T) {
	dir := t.TempDir()

	s, err := NewPassphraseStore(dir, "correct horse")
	require.NoError(t, err)
	require.NoError(t, s.SaveAPIKey(ProviderOpenAI, "sk-passphrase"))

	raw, err := os.ReadFile(s.Path())
	require.NoError(t, err)
	var onDisk Credentials
	require.NoError(t, yaml.Unmarshal(raw, &onDisk))
	assert.Len(t, onDisk.KDFSalt, saltLength*2)

	reopened, err := NewPassphraseStore(dir, "correct horse")
	require.NoError(t, err)
	creds, err := reopened.Load()
	require.NoError(t, err)
	assert.Equal(t, "sk-passphrase", creds.APIKey)

	wrong, err := NewPassphraseStore(dir, "battery staple")
	require.NoError(t, err)
	_, err = wrong.Load()
	assert.ErrorIs(t, err, ErrEncryptionFailed)
}

func TestNewStore_PassphraseFileNeedsPassphrase(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("SCOUT_CONFIG_DIR", dir)

	s, err := NewPassphraseStore(dir, "pw")
	require.NoError(t, err)
	require.NoError(t, s.SaveAPIKey(ProviderOpenAI, "sk-x"))

	_, err = NewStore()
	assert.ErrorIs(t, err, ErrPassphraseNeeded)
}

func TestResolveAPIKey(t *testing.T) {
	s := envStore(t)
	require.NoError(t, s.SaveAPIKey(ProviderOpenAI, "sk-stored"))
	empty := envStore(t)

	tests := []struct {
		name       string
		flag       string
		config     string
		store      *Store
		wantKey    string
		wantSource string
		wantErr    error
	}{
		{"flag wins", "sk-flag", "sk-config", s, "sk-flag", "flag", nil},
		{"config next", "", "sk-config", s, "sk-config", "config", nil},
		{"store last", "", "", s, "sk-stored", "credentials", nil},
		{"nothing stored", "", "", empty, "", "", scerrors.ErrMissingAPIKey},
		{"no store", "", "", nil, "", "", scerrors.ErrMissingAPIKey},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			key, source, err := ResolveAPIKey(tt.flag, tt.config, tt.store)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantKey, key)
			assert.Equal(t, tt.wantSource, source)
		})
	}
}

func TestEncryptDecrypt(t *testing.T) {
	key := make([]byte, keyLength)
	a, err := encrypt(key, "hello")
	require.NoError(t, err)
	b, err := encrypt(key, "hello")
	require.NoError(t, err)
	assert.NotEqual(t, a, b, "nonce differs per call")

	plain, err := decrypt(key, a)
	require.NoError(t, err)
	assert.Equal(t, "hello", plain)

	_, err = decrypt(key, "not base64!")
	assert.ErrorIs(t, err, ErrEncryptionFailed)
	_, err = decrypt(key, "AAAA")
	assert.ErrorIs(t, err, ErrEncryptionFailed)
}

func TestMaskAPIKey(t *testing.T) {
	tests := []struct{ in, want string }{
		{"", ""},
		{"short", "*****"},
		{"sk-abcdefghijkl", "sk-a*******ijkl"},
	}
	for _, tt := range tests {
		if got := MaskAPIKey(tt.in); got != tt.want {
			t.Errorf("MaskAPIKey(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestEnvKeyProvider(t *testing.T) {
	tests := []struct {
		name    string
		value   string
		wantErr string
	}{
		{"valid", testEncryptionKey, ""},
		{"unset", "", "not set"},
		{"not hex", "zz", "invalid key"},
		{"wrong length", "abcd", "must be 32 bytes"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("SCOUT_TEST_KEY", tt.value)
			key, err := NewEnvKeyProvider("SCOUT_TEST_KEY").GetKey()
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Len(t, key, keyLength)
		})
	}
}

func TestPassphraseKeyProvider(t *testing.T) {
	salt, err := GenerateSalt()
	require.NoError(t, err)
	require.Len(t, salt, saltLength)

	k1, err := NewPassphraseKeyProvider("pw", salt).GetKey()
	require.NoError(t, err)
	k2, err := NewPassphraseKeyProvider("pw", salt).GetKey()
	require.NoError(t, err)
	assert.Equal(t, k1, k2, "derivation is deterministic")

	otherSalt, err := GenerateSalt()
	require.NoError(t, err)
	k3, err := NewPassphraseKeyProvider("pw", otherSalt).GetKey()
	require.NoError(t, err)
	assert.NotEqual(t, k1, k3)

	_, err = NewPassphraseKeyProvider("", salt).GetKey()
	assert.Error(t, err)
	_, err = NewPassphraseKeyProvider("pw", nil).GetKey()
	assert.Error(t, err)
}

func TestKeyringKeyProvider_Mock(t *testing.T) {
	keyring.MockInit()

	p := NewKeyringKeyProvider()
	first, err := p.GetKey()
	require.NoError(t, err)
	require.Len(t, first, keyLength)

	again, err := p.GetKey()
	require.NoError(t, err)
	assert.Equal(t, first, again, "stored key is reused")

	require.NoError(t, p.Forget())
	fresh, err := p.GetKey()
	require.NoError(t, err)
	assert.NotEqual(t, first, fresh)
	require.NoError(t, p.Forget())
	assert.NoError(t, p.Forget(), "forgetting a missing key is fine")
}

func TestDefaultKeyProvider_PrefersEnv(t *testing.T) {
	t.Setenv(EncryptionKeyEnv, testEncryptionKey)
	p, err := DefaultKeyProvider()
	require.NoError(t, err)
	_, ok := p.(*EnvKeyProvider)
	assert.True(t, ok)
}

func TestOpenStore(t *testing.T) {
	t.Setenv(EncryptionKeyEnv, testEncryptionKey)
	envProvider := func() (KeyProvider, error) { return NewEnvKeyProvider(EncryptionKeyEnv), nil }

	plainDir := t.TempDir()
	s, err := OpenStore(plainDir, "", envProvider)
	require.NoError(t, err)
	assert.Equal(t, "Environment variable (SCOUT_ENCRYPTION_KEY)", s.KeySource())

	ppDir := t.TempDir()
	pp, err := OpenStore(ppDir, "secret", envProvider)
	require.NoError(t, err)
	require.NoError(t, pp.SaveAPIKey(ProviderOpenAI, "sk-pp"))

	_, err = OpenStore(ppDir, "", envProvider)
	assert.ErrorIs(t, err, ErrPassphraseNeeded)

	reopened, err := OpenStore(ppDir, "secret", envProvider)
	require.NoError(t, err)
	creds, err := reopened.Load()
	require.NoError(t, err)
	assert.Equal(t, "sk-pp", creds.APIKey)
}
