package commands

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"

	"github.com/opd-ai/secretdrop/signaling"
	"github.com/opd-ai/secretdrop/transfer"
	"github.com/spf13/cobra"
)

// receive: wait for a transfer and write it out.
func receiveCmd() *cobra.Command {
	var pin, out string
	cmd := &cobra.Command{
		Use:   "receive",
		Short: "Receive a secret sent with the same PIN",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if pin == "" {
				return errors.New("--pin is required")
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			s, err := newSession(ctx, cmd, pin, signaling.RendezvousReceiver)
			if err != nil {
				return err
			}
			defer s.close()

			receiver := s.newReceiver()
			receiver.Observe(progress(cmd.ErrOrStderr()))
			got, err := receiver.Receive(ctx, transfer.Credentials{Mode: transfer.ModePIN, PIN: pin})
			if err != nil {
				return err
			}
			return writeReceived(cmd, got, out)
		},
	}
	cmd.Flags().StringVar(&pin, "pin", "", "PIN shown by the sender")
	cmd.Flags().StringVar(&out, "out", "", "where to write a received file (default: its own name)")
	return cmd
}

func writeReceived(cmd *cobra.Command, got *transfer.Received, out string) error {
	if got.ContentType == transfer.ContentText && out == "" {
		_, err := cmd.OutOrStdout().Write(append(got.Data, '\n'))
		return err
	}
	path := out
	if path == "" {
		path = filepath.Base(got.FileName)
	}
	if err := os.WriteFile(path, got.Data, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "saved %s (%s)\n", path, got)
	return nil
}
