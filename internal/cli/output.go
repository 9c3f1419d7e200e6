package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/pendergraft/phoneverify/internal/validation"
	"github.com/pendergraft/phoneverify/pkg/client"
)

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printStatus(w io.Writer, st *client.Status) {
	fmt.Fprintf(w, "Phase:     %s\n", st.Phase)
	if st.AttemptID != "" {
		fmt.Fprintf(w, "Attempt:   %s\n", st.AttemptID)
	}
	if st.PhoneNumber != "" {
		fmt.Fprintf(w, "Phone:     %s\n", maskPhone(st.PhoneNumber))
	}
	fmt.Fprintf(w, "Account:   %s\n", st.Account)
	if st.Wallet != "" {
		fmt.Fprintf(w, "Wallet:    %s\n", st.Wallet)
	}
	mode := "unrelayed"
	if st.Relayed {
		mode = "relayed"
	}
	fmt.Fprintf(w, "Mode:      %s\n", mode)
	if st.Total > 0 {
		fmt.Fprintf(w, "Progress:  %d/%d attestations\n", st.Completed, st.Total)
	}
	if st.Revoked {
		fmt.Fprintln(w, "Revoked:   yes")
	}
	if st.Quota != nil {
		fmt.Fprintf(w, "Quota:     %d pepper, %d attestations, %d completions left\n",
			st.Quota.PepperFetchesLeft, st.Quota.AttestationsLeft, st.Quota.CompletionsLeft)
	}
	if st.Error != nil {
		fmt.Fprintf(w, "Error:     %s\n", formatStatusError(st.Error))
	}

	if len(st.Slots) > 0 {
		fmt.Fprintln(w)
		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "SLOT\tISSUER\tSTATE\tNOTE")
		for _, s := range st.Slots {
			note := s.LastError
			if s.NeedsRetry {
				note = strings.TrimSpace("retry " + note)
			}
			issuer := truncateAddress(s.Issuer)
			if s.Name != "" {
				issuer = s.Name + " (" + issuer + ")"
			}
			fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", s.Index, issuer, s.State, note)
		}
		tw.Flush()
	}
}

func formatStatusError(e *client.StatusError) string {
	if e.Code != "" && e.Code != e.Kind {
		return fmt.Sprintf("%s/%s: %s", e.Kind, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func truncateAddress(addr string) string {
	if len(addr) <= 12 {
		return addr
	}
	return addr[:6] + "..." + addr[len(addr)-4:]
}

func maskPhone(phone string) string {
	return validation.MaskPhoneNumber(phone)
}

func validatePhone(phone string) error {
	return validation.ValidatePhoneNumber(phone)
}
