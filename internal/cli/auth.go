package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"

	"github.com/pendergraft/phoneverify/internal/auth"
	"github.com/pendergraft/phoneverify/pkg/client"
)

// Credentials stores API keys per daemon URL
type Credentials struct {
	Servers map[string]ServerCredential `yaml:"servers"`
}

// ServerCredential is the key saved for one daemon.
type ServerCredential struct {
	APIKey  string    `yaml:"api_key"`
	Name    string    `yaml:"name,omitempty"`
	SavedAt time.Time `yaml:"saved_at,omitempty"`
}

func createAuthCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "auth",
		Short: "Manage daemon API keys",
	}
	cmd.AddCommand(createAuthLoginCmd(), createAuthLogoutCmd(), createAuthStatusCmd())
	return cmd
}

func createAuthLoginCmd() *cobra.Command {
	var serverFlag, apiKeyFlag, keyFile string

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Save an API key for a daemon",
		Long: `Save an API key for a phoneverify daemon after checking it against the daemon.

Keys are issued on the daemon host with 'phoneverify-server keys create' and
stored in ~/.phoneverify/credentials, readable only by you.

EXAMPLES:
  # Prompt for the key
  phoneverify auth login

  # Read the key written by 'keys create --output'
  phoneverify auth login --key-file ./pv.key

  # Non-interactive
  phoneverify auth login --api-key $PHONEVERIFY_API_KEY
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			key := apiKeyFlag
			if keyFile != "" {
				data, err := os.ReadFile(keyFile)
				if err != nil {
					return fmt.Errorf("failed to read key file: %w", err)
				}
				key = strings.TrimSpace(string(data))
			}
			return runAuthLogin(serverFlag, key)
		},
	}

	cmd.Flags().StringVar(&serverFlag, "server", "", "daemon URL (default from config)")
	cmd.Flags().StringVar(&apiKeyFlag, "api-key", "", "API key (prompts if not provided)")
	cmd.Flags().StringVar(&keyFile, "key-file", "", "read the API key from a file")
	cmd.MarkFlagsMutuallyExclusive("api-key", "key-file")

	return cmd
}

func createAuthLogoutCmd() *cobra.Command {
	var serverFlag string
	var all bool

	cmd := &cobra.Command{
		Use:   "logout",
		Short: "Forget saved API keys",
		Example: `  phoneverify auth logout
  phoneverify auth logout --server https://verify.example.com
  phoneverify auth logout --all`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAuthLogout(serverFlag, all)
		},
	}

	cmd.Flags().StringVar(&serverFlag, "server", "", "daemon URL (default from config)")
	cmd.Flags().BoolVar(&all, "all", false, "forget every saved key")

	return cmd
}

func createAuthStatusCmd() *cobra.Command {
	var check bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "List saved API keys",
		Long: `List the daemons with a saved API key. The daemon the other commands
would talk to is marked with '*'. With --check every key is tried against its daemon.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if check {
				return runAuthCheck()
			}
			return runAuthStatus()
		},
	}

	cmd.Flags().BoolVar(&check, "check", false, "validate each saved key against its daemon")

	return cmd
}

func runAuthLogin(serverURL, key string) error {
	if serverURL == "" {
		serverURL = getServer()
	}

	if key == "" {
		var err error
		if key, err = promptAPIKey(serverURL); err != nil {
			return err
		}
	}
	if key == "" {
		return fmt.Errorf("API key cannot be empty")
	}
	if !auth.LooksLikeKey(key) {
		return fmt.Errorf("malformed API key: expected %s followed by %d hex characters", auth.KeyPrefix, 2*auth.KeyLength)
	}

	fmt.Printf("Checking key with %s...\n", serverURL)
	valid, err := validateAPIKey(serverURL, key)
	if err != nil {
		return fmt.Errorf("failed to validate credentials: %w", err)
	}
	if !valid {
		return fmt.Errorf("invalid API key")
	}

	if err := saveCredential(serverURL, key); err != nil {
		return fmt.Errorf("failed to save credentials: %w", err)
	}

	fmt.Printf("✅ Authenticated to %s (key: %s)\n", serverURL, maskAPIKey(key))
	fmt.Printf("   Credentials saved to %s\n", credentialsFilePath())
	return nil
}

// promptAPIKey reads a key without echo on a terminal, or one line from a pipe.
func promptAPIKey(serverURL string) (string, error) {
	fmt.Printf("Enter API key for %s: ", serverURL)

	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		raw, err := term.ReadPassword(fd)
		fmt.Println()
		if err != nil {
			return "", fmt.Errorf("failed to read API key: %w", err)
		}
		return strings.TrimSpace(string(raw)), nil
	}

	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && err != io.EOF {
		return "", fmt.Errorf("failed to read API key: %w", err)
	}
	return strings.TrimSpace(line), nil
}

func runAuthLogout(serverURL string, all bool) error {
	if all {
		if err := os.Remove(credentialsFilePath()); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove credentials: %w", err)
		}
		fmt.Println("✅ All credentials cleared")
		return nil
	}

	if serverURL == "" {
		serverURL = getServer()
	}

	creds, err := loadCredentials()
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to load credentials: %w", err)
	}
	key := normalizeServer(serverURL)
	if creds == nil || creds.Servers[key].APIKey == "" {
		fmt.Printf("No credentials found for %s\n", serverURL)
		return nil
	}

	delete(creds.Servers, key)
	if err := writeCredentials(creds); err != nil {
		return fmt.Errorf("failed to save credentials: %w", err)
	}

	fmt.Printf("✅ Logged out from %s\n", serverURL)
	return nil
}

func savedServers() ([]string, *Credentials, error) {
	creds, err := loadCredentials()
	if os.IsNotExist(err) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load credentials: %w", err)
	}
	servers := make([]string, 0, len(creds.Servers))
	for s := range creds.Servers {
		servers = append(servers, s)
	}
	sort.Strings(servers)
	return servers, creds, nil
}

func runAuthStatus() error {
	servers, creds, err := savedServers()
	if err != nil {
		return err
	}
	if len(servers) == 0 {
		fmt.Println("Not authenticated to any daemon")
		fmt.Println("\nRun 'phoneverify auth login' to authenticate")
		return nil
	}

	current := normalizeServer(getServer())
	fmt.Println("Saved keys:")
	for _, s := range servers {
		cred := creds.Servers[s]
		marker := " "
		if s == current {
			marker = "*"
		}
		line := fmt.Sprintf("%s %s  key: %s", marker, s, maskAPIKey(cred.APIKey))
		if cred.Name != "" {
			line += "  (" + cred.Name + ")"
		}
		if !cred.SavedAt.IsZero() {
			line += "  saved " + cred.SavedAt.Local().Format(time.DateTime)
		}
		fmt.Println(line)
	}
	return nil
}

func runAuthCheck() error {
	servers, creds, err := savedServers()
	if err != nil {
		return err
	}
	if len(servers) == 0 {
		fmt.Println("Not authenticated to any daemon")
		return nil
	}

	bad := 0
	for _, s := range servers {
		valid, err := validateAPIKey(s, creds.Servers[s].APIKey)
		switch {
		case err != nil:
			bad++
			fmt.Printf("  %s  unreachable: %v\n", s, err)
		case !valid:
			bad++
			fmt.Printf("  %s  rejected\n", s)
		default:
			fmt.Printf("  %s  ok\n", s)
		}
	}
	if bad > 0 {
		return fmt.Errorf("%d of %d saved keys failed", bad, len(servers))
	}
	return nil
}

// normalizeServer keys credentials so that "HTTP://Host:8080/" and
// "http://host:8080" share an entry.
func normalizeServer(serverURL string) string {
	return strings.ToLower(strings.TrimRight(strings.TrimSpace(serverURL), "/"))
}

func credentialsDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".phoneverify"
	}
	return filepath.Join(home, ".phoneverify")
}

func credentialsFilePath() string {
	return filepath.Join(credentialsDir(), "credentials")
}

func loadCredentials() (*Credentials, error) {
	data, err := os.ReadFile(credentialsFilePath())
	if err != nil {
		return nil, err
	}

	var creds Credentials
	if err := yaml.Unmarshal(data, &creds); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", credentialsFilePath(), err)
	}
	if creds.Servers == nil {
		creds.Servers = make(map[string]ServerCredential)
	}
	return &creds, nil
}

// writeCredentials replaces the file through a temp file so a crash never
// leaves a truncated credentials file behind.
func writeCredentials(creds *Credentials) error {
	dir := credentialsDir()
	if err := os.MkdirAll(dir, 0700); err != nil {
		return err
	}

	data, err := yaml.Marshal(creds)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, "credentials-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(0600); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), credentialsFilePath())
}

func saveCredential(serverURL, key string) error {
	creds, err := loadCredentials()
	if os.IsNotExist(err) {
		creds, err = &Credentials{Servers: make(map[string]ServerCredential)}, nil
	}
	if err != nil {
		return err
	}

	creds.Servers[normalizeServer(serverURL)] = ServerCredential{APIKey: key, SavedAt: time.Now().UTC()}
	return writeCredentials(creds)
}

func getCredential(serverURL string) string {
	creds, err := loadCredentials()
	if err != nil {
		return ""
	}
	return creds.Servers[normalizeServer(serverURL)].APIKey
}

// validateAPIKey asks the daemon for its status. Only an explicit 401 marks
// the key invalid; other API errors mean the key got past the auth layer.
func validateAPIKey(serverURL, key string) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	_, err := client.New(serverURL, key).Status(ctx)
	if err == nil {
		return true, nil
	}

	var apiErr *client.APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode != http.StatusUnauthorized, nil
	}
	return false, err
}

func maskAPIKey(key string) string {
	if len(key) <= 8 {
		return "****"
	}
	return key[:8] + "..." + key[len(key)-4:]
}
