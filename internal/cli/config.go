package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// profileFiles is the search order for profile files
var profileFiles = []string{"phoneverify.toml", ".phoneverify.toml"}

// Profile is the per-directory TOML configuration
type Profile struct {
	Server      string `toml:"server"`
	PhoneNumber string `toml:"phone_number,omitempty"`
	// Unrelayed makes start pay for every transaction from the account.
	Unrelayed bool   `toml:"unrelayed,omitempty"`
	Channel   string `toml:"channel,omitempty"`
}

// GlobalConfig is stored in ~/.phoneverify/config.yaml
type GlobalConfig struct {
	Server string `yaml:"server"`
}

func createConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration commands",
	}

	cmd.AddCommand(createConfigInitCmd())
	cmd.AddCommand(createConfigShowCmd())
	cmd.AddCommand(createConfigSetServerCmd())

	return cmd
}

func createConfigInitCmd() *cobra.Command {
	var serverURL string
	var phone string
	var unrelayed bool
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create profile file",
		Long: `Create a phoneverify.toml profile in the current directory.

The profile stores the daemon URL and the phone number to verify so that
start, reset, and friends can be run without arguments.

EXAMPLES:
  phoneverify config init --phone +14155550000
  phoneverify config init --server https://verify.example.com --unrelayed
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigInit(serverURL, phone, unrelayed, force)
		},
	}

	cmd.Flags().StringVar(&serverURL, "server", "http://localhost:8080", "daemon URL")
	cmd.Flags().StringVar(&phone, "phone", "", "E.164 phone number")
	cmd.Flags().BoolVar(&unrelayed, "unrelayed", false, "pay for transactions from the account")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite existing profile")

	return cmd
}

func createConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Display current config",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigShow()
		},
	}
}

func createConfigSetServerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set-server <url>",
		Short: "Set the default daemon URL in ~/.phoneverify/config.yaml",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := saveGlobalConfig(&GlobalConfig{Server: args[0]}); err != nil {
				return fmt.Errorf("failed to save config: %w", err)
			}
			fmt.Printf("Default server set to %s\n", args[0])
			return nil
		},
	}
}

func runConfigInit(serverURL, phone string, unrelayed, force bool) error {
	path := profileFiles[0]

	for _, name := range profileFiles {
		if _, err := os.Stat(name); err == nil && !force {
			return fmt.Errorf("profile already exists at %s (use --force to overwrite)", name)
		}
	}

	if phone != "" {
		if err := validatePhone(phone); err != nil {
			return err
		}
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to write profile: %w", err)
	}
	defer f.Close()

	fmt.Fprintln(f, "# phoneverify profile")
	if err := toml.NewEncoder(f).Encode(Profile{Server: serverURL, PhoneNumber: phone, Unrelayed: unrelayed}); err != nil {
		return fmt.Errorf("failed to write profile: %w", err)
	}

	fmt.Printf("Created %s\n", path)
	fmt.Println()
	fmt.Println("Next steps:")
	fmt.Println("  1. Run 'phoneverify auth login' to authenticate")
	fmt.Println("  2. Run 'phoneverify start --watch' to verify")

	return nil
}

func runConfigShow() error {
	fmt.Println("Configuration sources (in order of precedence):")
	fmt.Println()

	fmt.Println("1. Command line flags")
	fmt.Println("   --server, --api-key, --config")
	fmt.Println()

	fmt.Println("2. Environment variables")
	if v := os.Getenv("PHONEVERIFY_SERVER"); v != "" {
		fmt.Printf("   PHONEVERIFY_SERVER=%s\n", v)
	} else {
		fmt.Println("   PHONEVERIFY_SERVER=(not set)")
	}
	if v := os.Getenv("PHONEVERIFY_API_KEY"); v != "" {
		fmt.Printf("   PHONEVERIFY_API_KEY=%s\n", maskAPIKey(v))
	} else {
		fmt.Println("   PHONEVERIFY_API_KEY=(not set)")
	}
	fmt.Println()

	fmt.Println("3. Profile (phoneverify.toml)")
	profile, path, err := loadProfile()
	switch {
	case os.IsNotExist(err):
		fmt.Println("   (not found)")
	case err != nil:
		fmt.Printf("   Error: %v\n", err)
	default:
		fmt.Printf("   Loaded from: %s\n", path)
		if profile.Server != "" {
			fmt.Printf("   server: %s\n", profile.Server)
		}
		if profile.PhoneNumber != "" {
			fmt.Printf("   phone_number: %s\n", maskPhone(profile.PhoneNumber))
		}
		if profile.Unrelayed {
			fmt.Println("   unrelayed: true")
		}
		if profile.Channel != "" {
			fmt.Printf("   channel: %s\n", profile.Channel)
		}
	}
	fmt.Println()

	fmt.Println("4. Global config (~/.phoneverify/config.yaml)")
	global, err := loadGlobalConfig()
	switch {
	case os.IsNotExist(err):
		fmt.Println("   (not found)")
	case err != nil:
		fmt.Printf("   Error: %v\n", err)
	case global.Server != "":
		fmt.Printf("   server: %s\n", global.Server)
	}
	fmt.Println()

	fmt.Println("5. Credentials (~/.phoneverify/credentials)")
	creds, err := loadCredentials()
	switch {
	case os.IsNotExist(err):
		fmt.Println("   (not found)")
	case err != nil:
		fmt.Printf("   Error: %v\n", err)
	case len(creds.Servers) == 0:
		fmt.Println("   (no credentials stored)")
	default:
		for server, cred := range creds.Servers {
			fmt.Printf("   %s: %s\n", server, maskAPIKey(cred.APIKey))
		}
	}
	fmt.Println()

	fmt.Println("Effective configuration:")
	url, from := resolveServer()
	fmt.Printf("   Server:  %s (%s)\n", url, from)
	if key, from := resolveAPIKey(); key != "" {
		fmt.Printf("   API Key: %s (%s)\n", maskAPIKey(key), from)
	} else {
		fmt.Println("   API Key: (not set)")
	}

	return nil
}

// loadProfile loads the first matching profile file, or --config when set.
func loadProfile() (*Profile, string, error) {
	if cfgFile != "" {
		profile, err := loadProfileFromPath(cfgFile)
		return profile, cfgFile, err
	}

	for _, name := range profileFiles {
		if _, err := os.Stat(name); err == nil {
			profile, err := loadProfileFromPath(name)
			return profile, name, err
		}
	}
	return nil, "", os.ErrNotExist
}

func loadProfileFromPath(path string) (*Profile, error) {
	var profile Profile
	if _, err := toml.DecodeFile(path, &profile); err != nil {
		if os.IsNotExist(err) {
			return nil, err
		}
		return nil, fmt.Errorf("parsing TOML: %w", err)
	}
	return &profile, nil
}

// loadProfileSilent returns nil for a missing profile and warns on parse failures.
func loadProfileSilent() *Profile {
	profile, _, err := loadProfile()
	if err != nil {
		if !os.IsNotExist(err) {
			fmt.Fprintf(os.Stderr, "Warning: failed to load profile: %v\n", err)
		}
		return nil
	}
	return profile
}

func globalConfigPath() string {
	return filepath.Join(credentialsDir(), "config.yaml")
}

func loadGlobalConfig() (*GlobalConfig, error) {
	data, err := os.ReadFile(globalConfigPath())
	if err != nil {
		return nil, err
	}
	var cfg GlobalConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func saveGlobalConfig(cfg *GlobalConfig) error {
	if err := os.MkdirAll(credentialsDir(), 0700); err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(globalConfigPath(), data, 0600)
}
