// Package credentials keeps the model provider API key in an AES-GCM
// encrypted file under the scout config directory. The encryption key lives
// in the OS keyring, in SCOUT_ENCRYPTION_KEY, or is derived from a passphrase.
package credentials

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	scerrors "github.com/otherjamesbrown/board-signal-scout/pkg/errors"
)

// Credential storage constants.
const (
	DefaultCredentialsDir  = ".scout"
	DefaultCredentialsFile = "credentials.yaml"

	// ProviderOpenAI is the only provider the chat client speaks today.
	ProviderOpenAI = "openai"
)

// Common errors.
var (
	ErrNoCredentials    = errors.New("no credentials stored")
	ErrEncryptionFailed = errors.New("encryption failed")
	ErrPassphraseNeeded = errors.New("credentials are passphrase-protected")
)

// Credentials is the decrypted content of the credentials file.
type Credentials struct {
	Provider    string    `yaml:"provider"`
	APIKey      string    `yaml:"api_key"`
	KeySource   string    `yaml:"key_source,omitempty"`
	KDFSalt     string    `yaml:"kdf_salt,omitempty"`
	LastUpdated time.Time `yaml:"last_updated"`
}

// Store reads and writes the credentials file.
type Store struct {
	dir      string
	key      []byte
	provider KeyProvider
}

// CredentialsDir returns $SCOUT_CONFIG_DIR, or ~/.scout.
func CredentialsDir() (string, error) {
	if dir := os.Getenv("SCOUT_CONFIG_DIR"); dir != "" {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("getting home directory: %w", err)
	}
	return filepath.Join(home, DefaultCredentialsDir), nil
}

// NewStore opens the default directory with DefaultKeyProvider.
func NewStore() (*Store, error) {
	dir, err := CredentialsDir()
	if err != nil {
		return nil, err
	}
	return OpenStore(dir, "", DefaultKeyProvider)
}

// OpenStore opens dir. A non-empty passphrase selects the passphrase-derived
// key. Otherwise a file written with a passphrase is ErrPassphraseNeeded and
// newProvider supplies the key.
func OpenStore(dir, passphrase string, newProvider func() (KeyProvider, error)) (*Store, error) {
	if passphrase != "" {
		return NewPassphraseStore(dir, passphrase)
	}
	if salt, err := storedSalt(dir); err == nil && salt != nil {
		return nil, ErrPassphraseNeeded
	}
	provider, err := newProvider()
	if err != nil {
		return nil, fmt.Errorf("initializing key provider: %w", err)
	}
	return NewStoreAt(dir, provider)
}

// NewStoreAt opens dir with an explicit key provider.
func NewStoreAt(dir string, provider KeyProvider) (*Store, error) {
	key, err := provider.GetKey()
	if err != nil {
		return nil, fmt.Errorf("getting encryption key: %w", err)
	}
	return &Store{dir: dir, key: key, provider: provider}, nil
}

// NewPassphraseStore opens dir with a passphrase-derived key, reusing the
// salt already in the file or generating a new one.
func NewPassphraseStore(dir, passphrase string) (*Store, error) {
	salt, err := storedSalt(dir)
	if err != nil {
		return nil, err
	}
	if salt == nil {
		if salt, err = GenerateSalt(); err != nil {
			return nil, err
		}
	}
	return NewStoreAt(dir, NewPassphraseKeyProvider(passphrase, salt))
}

func storedSalt(dir string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(dir, DefaultCredentialsFile))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading credentials file: %w", err)
	}
	var creds Credentials
	if err := yaml.Unmarshal(data, &creds); err != nil {
		return nil, fmt.Errorf("parsing credentials: %w", err)
	}
	if creds.KDFSalt == "" {
		return nil, nil
	}
	salt, err := hex.DecodeString(creds.KDFSalt)
	if err != nil {
		return nil, fmt.Errorf("parsing kdf salt: %w", err)
	}
	return salt, nil
}

// Path returns the credentials file path.
func (s *Store) Path() string {
	return filepath.Join(s.dir, DefaultCredentialsFile)
}

// KeySource describes where the encryption key comes from.
func (s *Store) KeySource() string {
	return s.provider.Description()
}

// Save encrypts the API key and writes the file with 0600 permissions.
func (s *Store) Save(creds *Credentials) error {
	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return fmt.Errorf("creating credentials directory: %w", err)
	}

	out := *creds
	if out.Provider == "" {
		out.Provider = ProviderOpenAI
	}
	out.LastUpdated = time.Now().UTC()
	out.KeySource = s.provider.Description()
	out.KDFSalt = ""
	if pp, ok := s.provider.(*PassphraseKeyProvider); ok {
		out.KDFSalt = hex.EncodeToString(pp.Salt())
	}

	encrypted, err := encrypt(s.key, out.APIKey)
	if err != nil {
		return fmt.Errorf("encrypting API key: %w", err)
	}
	out.APIKey = encrypted

	data, err := yaml.Marshal(&out)
	if err != nil {
		return fmt.Errorf("marshaling credentials: %w", err)
	}
	if err := os.WriteFile(s.Path(), data, 0o600); err != nil {
		return fmt.Errorf("writing credentials file: %w", err)
	}
	return nil
}

// SaveAPIKey stores apiKey for provider.
func (s *Store) SaveAPIKey(provider, apiKey string) error {
	if strings.TrimSpace(apiKey) == "" {
		return scerrors.ErrMissingAPIKey
	}
	return s.Save(&Credentials{Provider: provider, APIKey: strings.TrimSpace(apiKey)})
}

// Load reads and decrypts the file. A missing file is ErrNoCredentials.
func (s *Store) Load() (*Credentials, error) {
	data, err := os.ReadFile(s.Path())
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNoCredentials
	}
	if err != nil {
		return nil, fmt.Errorf("reading credentials file: %w", err)
	}

	var creds Credentials
	if err := yaml.Unmarshal(data, &creds); err != nil {
		return nil, fmt.Errorf("parsing credentials: %w", err)
	}
	if creds.APIKey != "" {
		plain, err := decrypt(s.key, creds.APIKey)
		if err != nil {
			return nil, fmt.Errorf("decrypting API key: %w", err)
		}
		creds.APIKey = plain
	}
	return &creds, nil
}

// Delete removes the file. A missing file is not an error.
func (s *Store) Delete() error {
	if err := os.Remove(s.Path()); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("removing credentials file: %w", err)
	}
	return nil
}

// Exists reports whether the file is present.
func (s *Store) Exists() bool {
	_, err := os.Stat(s.Path())
	return err == nil
}

// ResolveAPIKey picks the first non-empty key from the flag, the loaded
// configuration (which already folds in the environment), and the store.
// store may be nil. No key at all is scerrors.ErrMissingAPIKey.
func ResolveAPIKey(flagValue, configValue string, store *Store) (key, source string, err error) {
	if v := strings.TrimSpace(flagValue); v != "" {
		return v, "flag", nil
	}
	if v := strings.TrimSpace(configValue); v != "" {
		return v, "config", nil
	}
	if store != nil {
		creds, err := store.Load()
		switch {
		case err == nil && creds.APIKey != "":
			return creds.APIKey, "credentials", nil
		case err != nil && !errors.Is(err, ErrNoCredentials):
			return "", "", err
		}
	}
	return "", "", scerrors.ErrMissingAPIKey
}

func encrypt(key []byte, plaintext string) (string, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("%w: generating nonce: %v", ErrEncryptionFailed, err)
	}
	return base64.StdEncoding.EncodeToString(gcm.Seal(nonce, nonce, []byte(plaintext), nil)), nil
}

func decrypt(key []byte, ciphertext string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("%w: decoding base64: %v", ErrEncryptionFailed, err)
	}
	gcm, err := newGCM(key)
	if err != nil {
		return "", err
	}
	if len(data) < gcm.NonceSize() {
		return "", fmt.Errorf("%w: ciphertext too short", ErrEncryptionFailed)
	}
	nonce, sealed := data[:gcm.NonceSize()], data[gcm.NonceSize():]
	plain, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}
	return string(plain), nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: creating cipher: %v", ErrEncryptionFailed, err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("%w: creating GCM: %v", ErrEncryptionFailed, err)
	}
	return gcm, nil
}

// MaskAPIKey shows the first and last four characters of a key.
func MaskAPIKey(key string) string {
	if len(key) <= 8 {
		return strings.Repeat("*", len(key))
	}
	return key[:4] + strings.Repeat("*", len(key)-8) + key[len(key)-4:]
}
