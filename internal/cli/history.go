package cli

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/pendergraft/phoneverify/pkg/client"
)

func createHistoryCmd() *cobra.Command {
	var limit int
	var cursor string
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List past verification attempts",
		Long: `List past attempts, newest first.

EXAMPLES:
  phoneverify history
  phoneverify history --limit 50 --json
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			page, err := newClient().History(commandContext(cmd), limit, cursor)
			if err != nil {
				return fmt.Errorf("failed to list attempts: %w", err)
			}
			if jsonOutput {
				return printJSON(page)
			}
			printHistory(page)
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "number of attempts to show")
	cmd.Flags().StringVar(&cursor, "cursor", "", "continue from a previous page")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")

	return cmd
}

func printHistory(page *client.HistoryResponse) {
	if len(page.Data) == 0 {
		fmt.Println("No attempts found")
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "STARTED\tPHONE\tRESULT\tPROGRESS\tMODE\tERROR")
	for _, a := range page.Data {
		mode := "unrelayed"
		if a.Relayed {
			mode = "relayed"
		}
		errText := ""
		if a.Error != nil {
			errText = formatStatusError(a.Error)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d/%d\t%s\t%s\n",
			a.StartedAt.Local().Format("2006-01-02 15:04"),
			maskPhone(a.PhoneNumber),
			a.Phase,
			a.Completed, a.Total,
			mode,
			errText,
		)
	}
	w.Flush()

	if page.Pagination.HasMore {
		fmt.Printf("\nMore attempts available: --cursor %s\n", page.Pagination.NextCursor)
	}
}
