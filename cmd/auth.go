package cmd

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/otherjamesbrown/board-signal-scout/config"
	"github.com/otherjamesbrown/board-signal-scout/credentials"
	scerrors "github.com/otherjamesbrown/board-signal-scout/pkg/errors"
	"github.com/otherjamesbrown/board-signal-scout/pkg/logging"
)

// PassphraseEnv unlocks passphrase-protected credentials without a prompt.
const PassphraseEnv = "SCOUT_CREDENTIALS_PASSPHRASE"

// AuthCommandDeps holds the dependencies for auth commands.
type AuthCommandDeps struct {
	CredentialsDir func() (string, error)
	KeyProvider    func() (credentials.KeyProvider, error)
	// ReadSecret prompts on the terminal without echo.
	ReadSecret func(prompt string) (string, error)
}

// DefaultAuthDeps returns the default dependencies for production use.
func DefaultAuthDeps() *AuthCommandDeps {
	return &AuthCommandDeps{
		CredentialsDir: credentials.CredentialsDir,
		KeyProvider:    credentials.DefaultKeyProvider,
		ReadSecret:     readSecret,
	}
}

// openStore opens the credential store, using passphrase or $SCOUT_CREDENTIALS_PASSPHRASE
// when the file is passphrase-protected.
func (d *AuthCommandDeps) openStore(passphrase string) (*credentials.Store, error) {
	dir, err := d.CredentialsDir()
	if err != nil {
		return nil, err
	}
	if passphrase == "" {
		passphrase = os.Getenv(PassphraseEnv)
	}
	return credentials.OpenStore(dir, passphrase, d.KeyProvider)
}

// NewAuthCommand creates the auth command group.
func NewAuthCommand(deps *AuthCommandDeps) *cobra.Command {
	if deps == nil {
		deps = DefaultAuthDeps()
	}

	cmd := &cobra.Command{
		Use:   "auth",
		Short: "Manage the model API key",
		Long: `Manage the model provider API key used by evaluate and worker.

The key is stored encrypted (AES-GCM) in ~/.scout/credentials.yaml. The
encryption key comes from, in order:
  - SCOUT_ENCRYPTION_KEY (hex, 32 bytes) for CI and containers
  - the system keyring (macOS Keychain, Secret Service, Credential Manager)
  - a passphrase, when set-key is run with --passphrase

Key resolution at run time: --api-key flag, then SCOUT_API_KEY / OPENAI_API_KEY
or llm.api_key in the config file, then this store.`,
	}

	cmd.AddCommand(newAuthSetKeyCommand(deps))
	cmd.AddCommand(newAuthStatusCommand(deps))
	cmd.AddCommand(newAuthClearCommand(deps))
	return cmd
}

func newAuthSetKeyCommand(deps *AuthCommandDeps) *cobra.Command {
	var (
		apiKey         string
		provider       string
		usePassphrase  bool
		nonInteractive bool
	)

	cmd := &cobra.Command{
		Use:   "set-key",
		Short: "Store the model API key",
		Long: `Store the model API key encrypted at rest.

Without --api-key the key is read from OPENAI_API_KEY, or prompted for
without echo.

Examples:
  scout auth set-key
  scout auth set-key --api-key sk-...
  scout auth set-key --passphrase`,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()

			key := strings.TrimSpace(apiKey)
			if key == "" {
				if env := os.Getenv("OPENAI_API_KEY"); env != "" {
					key = env
					fmt.Fprintln(out, "Using API key from OPENAI_API_KEY environment variable")
				}
			}
			if key == "" {
				if nonInteractive {
					return errors.New("no API key provided and --non-interactive flag set")
				}
				prompted, err := deps.ReadSecret("API key: ")
				if err != nil {
					return fmt.Errorf("reading API key: %w", err)
				}
				key = prompted
			}

			var passphrase string
			if usePassphrase {
				var err error
				passphrase = os.Getenv(PassphraseEnv)
				if passphrase == "" {
					if passphrase, err = deps.ReadSecret("Passphrase: "); err != nil {
						return fmt.Errorf("reading passphrase: %w", err)
					}
				}
				if passphrase == "" {
					return errors.New("passphrase must not be empty")
				}
			}

			store, err := deps.openStore(passphrase)
			if errors.Is(err, credentials.ErrPassphraseNeeded) {
				return fmt.Errorf("%w: rerun with --passphrase or set %s", err, PassphraseEnv)
			}
			if err != nil {
				return fmt.Errorf("initializing credential store: %w", err)
			}
			if err := store.SaveAPIKey(provider, key); err != nil {
				return fmt.Errorf("saving API key: %w", err)
			}

			fmt.Fprintln(out, "API key stored.")
			fmt.Fprintf(out, "  Provider:   %s\n", provider)
			fmt.Fprintf(out, "  API key:    %s\n", credentials.MaskAPIKey(strings.TrimSpace(key)))
			fmt.Fprintf(out, "  Key source: %s\n", store.KeySource())
			fmt.Fprintf(out, "  File:       %s\n", store.Path())
			return nil
		},
	}

	cmd.Flags().StringVar(&apiKey, "api-key", "", "API key to store")
	cmd.Flags().StringVar(&provider, "provider", credentials.ProviderOpenAI, "Model provider the key belongs to")
	cmd.Flags().BoolVar(&usePassphrase, "passphrase", false, "Protect the key with a passphrase instead of the keyring")
	cmd.Flags().BoolVar(&nonInteractive, "non-interactive", false, "Fail instead of prompting for input")
	return cmd
}

func newAuthStatusCommand(deps *AuthCommandDeps) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show where the API key comes from",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()

			for _, env := range []string{"SCOUT_API_KEY", "OPENAI_API_KEY"} {
				if v := os.Getenv(env); v != "" {
					fmt.Fprintf(out, "Environment: %s is set (%s) and takes precedence over stored credentials\n",
						env, credentials.MaskAPIKey(v))
				}
			}

			store, err := deps.openStore("")
			if errors.Is(err, credentials.ErrPassphraseNeeded) {
				fmt.Fprintf(out, "Stored credentials are passphrase-protected; set %s to inspect them.\n", PassphraseEnv)
				return nil
			}
			if err != nil {
				return fmt.Errorf("initializing credential store: %w", err)
			}

			creds, err := store.Load()
			if errors.Is(err, credentials.ErrNoCredentials) {
				fmt.Fprintln(out, "No stored API key. Run 'scout auth set-key'.")
				return nil
			}
			if err != nil {
				return err
			}

			fmt.Fprintln(out, "Stored API key:")
			fmt.Fprintf(out, "  Provider:     %s\n", creds.Provider)
			fmt.Fprintf(out, "  API key:      %s\n", credentials.MaskAPIKey(creds.APIKey))
			fmt.Fprintf(out, "  Key source:   %s\n", creds.KeySource)
			fmt.Fprintf(out, "  Last updated: %s\n", creds.LastUpdated.Format("2006-01-02 15:04:05 MST"))
			fmt.Fprintf(out, "  File:         %s\n", store.Path())
			return nil
		},
	}
}

func newAuthClearCommand(deps *AuthCommandDeps) *cobra.Command {
	var forgetKey bool

	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Remove the stored API key",
		Long: `Remove the stored API key. Environment variables are not affected.

With --forget-key the encryption key is also removed from the system keyring.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()

			dir, err := deps.CredentialsDir()
			if err != nil {
				return err
			}
			path := filepath.Join(dir, credentials.DefaultCredentialsFile)
			if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
				return fmt.Errorf("removing credentials: %w", err)
			} else if err != nil {
				fmt.Fprintln(out, "No stored credentials found.")
			} else {
				fmt.Fprintln(out, "Stored API key removed.")
			}

			if forgetKey {
				if err := credentials.NewKeyringKeyProvider().Forget(); err != nil {
					return err
				}
				fmt.Fprintln(out, "Encryption key removed from the system keyring.")
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&forgetKey, "forget-key", false, "Also remove the encryption key from the system keyring")
	return cmd
}

// readSecret reads a line without echo, falling back to plain input when
// stdin is not a terminal.
func readSecret(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		b, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", err
		}
		return strings.TrimSpace(string(b)), nil
	}
	return readLine(os.Stdin)
}

func readLine(r io.Reader) (string, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

// openDefaultStore opens the credential store the auth commands manage.
func openDefaultStore() (*credentials.Store, error) {
	return DefaultAuthDeps().openStore("")
}

// resolveAPIKey picks the model API key: flag, then config (which carries
// the environment), then the credential store. The store is opened only
// when the first two are empty.
func resolveAPIKey(flagValue string, cfg *config.ScoutConfig, open func() (*credentials.Store, error), logger logging.Logger) (string, error) {
	key, source, err := credentials.ResolveAPIKey(flagValue, cfg.LLM.APIKey, nil)
	if errors.Is(err, scerrors.ErrMissingAPIKey) && open != nil {
		store, openErr := open()
		if openErr != nil {
			logger.Debug("Credential store unavailable", logging.Err(openErr))
		} else {
			key, source, err = credentials.ResolveAPIKey("", "", store)
		}
	}
	if err != nil {
		return "", fmt.Errorf("%w: pass --api-key, set OPENAI_API_KEY, or run 'scout auth set-key'", err)
	}
	logger.Debug("Resolved model API key", logging.F("source", source))
	return key, nil
}
