package cli

import (
	"os"

	"github.com/spf13/cobra"
)

const defaultServer = "http://localhost:8080"

var (
	cfgFile string
	server  string
	apiKey  string
)

// Execute runs the CLI
func Execute(version string) error {
	rootCmd := &cobra.Command{
		Use:   "phoneverify",
		Short: "Phone number verification CLI",
		Long: `phoneverify drives a phoneverify daemon: start an attempt, feed it the
codes that arrive by SMS, and follow the attempt until the number is verified.`,
		Version:      version,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "profile file (default: phoneverify.toml)")
	rootCmd.PersistentFlags().StringVar(&server, "server", "", "daemon URL (default from profile or global config)")
	rootCmd.PersistentFlags().StringVar(&apiKey, "api-key", "", "API key for the daemon")

	rootCmd.AddGroup(
		&cobra.Group{ID: "attempt", Title: "Verification attempts:"},
		&cobra.Group{ID: "setup", Title: "Setup:"},
	)
	for _, c := range []*cobra.Command{
		createStartCmd(), createStatusCmd(), createCancelCmd(), createCodeCmd(),
		createResendCmd(), createResetCmd(), createHistoryCmd(),
	} {
		c.GroupID = "attempt"
		rootCmd.AddCommand(c)
	}
	for _, c := range []*cobra.Command{createAuthCmd(), createConfigCmd()} {
		c.GroupID = "setup"
		rootCmd.AddCommand(c)
	}

	return rootCmd.Execute()
}

// resolveServer returns the daemon URL and where it came from. Precedence:
// flag, environment, profile, global config, default.
func resolveServer() (url, source string) {
	if server != "" {
		return server, "--server"
	}
	if env := os.Getenv("PHONEVERIFY_SERVER"); env != "" {
		return env, "PHONEVERIFY_SERVER"
	}
	if profile := loadProfileSilent(); profile != nil && profile.Server != "" {
		return profile.Server, "profile"
	}
	if global, err := loadGlobalConfig(); err == nil && global.Server != "" {
		return global.Server, "global config"
	}
	return defaultServer, "default"
}

func getServer() string {
	url, _ := resolveServer()
	return url
}

// resolveAPIKey returns the API key and its source. Stored credentials are
// looked up by the effective server URL.
func resolveAPIKey() (key, source string) {
	if apiKey != "" {
		return apiKey, "--api-key"
	}
	if env := os.Getenv("PHONEVERIFY_API_KEY"); env != "" {
		return env, "PHONEVERIFY_API_KEY"
	}
	if cred := getCredential(getServer()); cred != "" {
		return cred, "credentials"
	}
	return "", ""
}

func getAPIKey() string {
	key, _ := resolveAPIKey()
	return key
}
