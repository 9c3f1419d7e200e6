package cli

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/pendergraft/phoneverify/pkg/client"
)

func createCodeCmd() *cobra.Command {
	var channel string
	var index int

	cmd := &cobra.Command{
		Use:   "code [message]",
		Short: "Submit a received verification message",
		Long: `Submit an SMS body, a deep link, or a typed code to the running attempt.
With no argument the message is read from stdin.

EXAMPLES:
  phoneverify code 12345678
  phoneverify code "celo://wallet/v/0x..." --channel deep_link
  pbpaste | phoneverify code --channel auto_read
  phoneverify code 12345678 --index 2
`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var message string
			if len(args) == 1 {
				message = args[0]
			} else {
				data, err := io.ReadAll(io.LimitReader(os.Stdin, 16<<10))
				if err != nil {
					return fmt.Errorf("failed to read message: %w", err)
				}
				message = string(data)
			}
			message = strings.TrimSpace(message)
			if message == "" {
				return fmt.Errorf("message cannot be empty")
			}

			if !cmd.Flags().Changed("channel") {
				if profile := loadProfileSilent(); profile != nil && profile.Channel != "" {
					channel = profile.Channel
				}
			}

			req := client.CodeRequest{Message: message, Channel: channel}
			if cmd.Flags().Changed("index") {
				req.Index = &index
			}

			res, err := newClient().SubmitCode(commandContext(cmd), req)
			if err != nil {
				return fmt.Errorf("code rejected: %w", err)
			}
			if res.Ignored {
				fmt.Println("⚠️  No attestation code found in the message, nothing submitted")
				return nil
			}
			fmt.Printf("✅ Code accepted for slot %d (issuer %s)\n", res.Slot, truncateAddress(res.Issuer))
			return nil
		},
	}

	cmd.Flags().StringVar(&channel, "channel", "manual", "how the code arrived (auto_read, deep_link, manual)")
	cmd.Flags().IntVar(&index, "index", 0, "attestation slot the code belongs to")

	return cmd
}

func createResendCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resend",
		Short: "Ask issuers to send outstanding codes again",
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := newClient().Resend(commandContext(cmd))
			if err != nil {
				return fmt.Errorf("failed to resend: %w", err)
			}
			fmt.Printf("Re-requested %d message(s)\n", n)
			return nil
		},
	}
}

func createResetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset [phone-number]",
		Short: "Drop the cached pepper and relayer session",
		Long: `Forget derived state so the next attempt starts clean. The number defaults
to the profile's phone_number, then to the daemon's last attempt.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var phone string
			if len(args) == 1 {
				phone = args[0]
			} else if profile := loadProfileSilent(); profile != nil {
				phone = profile.PhoneNumber
			}
			if phone != "" {
				if err := validatePhone(phone); err != nil {
					return err
				}
			}

			if err := newClient().Reset(commandContext(cmd), phone); err != nil {
				return fmt.Errorf("failed to reset: %w", err)
			}
			fmt.Println("✅ Cached verification state cleared")
			return nil
		},
	}
}
