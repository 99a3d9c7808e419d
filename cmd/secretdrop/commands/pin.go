package commands

import (
	"fmt"

	"github.com/opd-ai/secretdrop/crypto"
	"github.com/spf13/cobra"
)

// pin: print a fresh transfer PIN.
func pinCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pin",
		Short: "Print a fresh PIN to share with the receiver",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			pin, err := crypto.GeneratePIN()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), formatPIN(pin))
			return nil
		},
	}
}

// formatPIN groups a PIN in fours for reading aloud. NormalizePIN undoes it.
func formatPIN(pin string) string {
	out := make([]byte, 0, len(pin)+len(pin)/4)
	for i := 0; i < len(pin); i++ {
		if i > 0 && i%4 == 0 {
			out = append(out, '-')
		}
		out = append(out, pin[i])
	}
	return string(out)
}
