package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/pendergraft/phoneverify/pkg/client"
)

var (
	// errAttemptFailed makes a watched attempt that failed exit non-zero.
	errAttemptFailed = errors.New("verification failed")
	errStreamDone    = errors.New("stream done")
)

func createStartCmd() *cobra.Command {
	var proof string
	var unrelayed bool
	var watch bool
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "start [phone-number]",
		Short: "Start a verification attempt",
		Long: `Start verifying a phone number. The number defaults to phone_number in
phoneverify.toml.

EXAMPLES:
  # Start and follow progress until the attempt finishes
  phoneverify start +14155550000 --watch

  # Skip the relayer and pay fees from the account
  phoneverify start --unrelayed
`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			profile := loadProfileSilent()
			req := client.StartRequest{HumanityProof: proof, Unrelayed: unrelayed}
			if len(args) == 1 {
				req.PhoneNumber = args[0]
			} else if profile != nil {
				req.PhoneNumber = profile.PhoneNumber
			}
			if profile != nil && profile.Unrelayed && !cmd.Flags().Changed("unrelayed") {
				req.Unrelayed = true
			}
			if req.PhoneNumber == "" {
				return fmt.Errorf("phone number required (argument or phone_number in phoneverify.toml)")
			}
			if err := validatePhone(req.PhoneNumber); err != nil {
				return err
			}
			return runStart(commandContext(cmd), newClient(), req, watch, jsonOutput)
		},
	}

	cmd.Flags().StringVar(&proof, "proof", "", "humanity-proof token for the relayer")
	cmd.Flags().BoolVar(&unrelayed, "unrelayed", false, "pay for transactions from the account")
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "follow progress until the attempt finishes")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")

	return cmd
}

func createStatusCmd() *cobra.Command {
	var watch bool
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the daemon's verification state",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := newClient()
			if watch {
				return runWatch(commandContext(cmd), c)
			}
			st, err := c.Status(commandContext(cmd))
			if err != nil {
				return fmt.Errorf("failed to get status: %w", err)
			}
			if jsonOutput {
				return printJSON(st)
			}
			printStatus(os.Stdout, st)
			return nil
		},
	}

	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "stream updates until the attempt finishes")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")

	return cmd
}

func createCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel",
		Short: "Abandon the running attempt",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := newClient().Cancel(commandContext(cmd))
			if err != nil {
				return fmt.Errorf("failed to cancel: %w", err)
			}
			fmt.Printf("Attempt cancelled (phase: %s)\n", st.Phase)
			return nil
		},
	}
}

func runStart(ctx context.Context, c *client.Client, req client.StartRequest, watch, jsonOutput bool) error {
	st, err := c.Start(ctx, req)
	if err != nil {
		return fmt.Errorf("failed to start: %w", err)
	}

	if jsonOutput && !watch {
		return printJSON(st)
	}

	fmt.Printf("Started attempt %s for %s\n", st.AttemptID, maskPhone(req.PhoneNumber))
	if !watch {
		fmt.Println("Run 'phoneverify status --watch' to follow progress")
		return nil
	}
	return runWatch(ctx, c)
}

// runWatch prints a line per phase or progress change until the attempt
// reaches a terminal phase or the user interrupts.
func runWatch(ctx context.Context, c *client.Client) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	var last *client.Status
	err := c.Events(ctx, func(st client.Status) error {
		entered := last == nil || last.Phase != st.Phase
		if entered || last.Completed != st.Completed {
			fmt.Printf("%s  %-24s %d/%d\n", time.Now().Format("15:04:05"), st.Phase, st.Completed, st.Total)
		}
		if entered && st.Phase == "awaiting_codes" {
			fmt.Println("          run 'phoneverify code <message>' for each SMS received")
		}
		last = &st
		if st.Terminal() {
			return errStreamDone
		}
		return nil
	})
	if err != nil && !errors.Is(err, errStreamDone) {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("event stream: %w", err)
	}

	if last == nil {
		return nil
	}
	fmt.Println()
	printStatus(os.Stdout, last)
	if last.Phase == "failed" {
		return errAttemptFailed
	}
	return nil
}

func newClient() *client.Client {
	return client.New(getServer(), getAPIKey())
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
