package commands

import (
	"errors"
	"fmt"
	"mime"
	"os"
	"os/signal"
	"path/filepath"

	"github.com/opd-ai/secretdrop/crypto"
	"github.com/opd-ai/secretdrop/signaling"
	"github.com/opd-ai/secretdrop/transfer"
	"github.com/spf13/cobra"
)

// send: transfer a text secret or a file.
func sendCmd() *cobra.Command {
	var pin, text, file string
	cmd := &cobra.Command{
		Use:   "send",
		Short: "Send a text secret or a file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := buildPayload(text, file)
			if err != nil {
				return err
			}
			if pin == "" {
				if pin, err = crypto.GeneratePIN(); err != nil {
					return err
				}
				fmt.Fprintf(cmd.ErrOrStderr(), "PIN: %s\n", formatPIN(pin))
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			s, err := newSession(ctx, cmd, pin, signaling.RendezvousSender)
			if err != nil {
				return err
			}
			defer s.close()

			sender := s.newSender()
			sender.Observe(progress(cmd.ErrOrStderr()))
			if err := sender.Send(ctx, transfer.Credentials{Mode: transfer.ModePIN, PIN: pin}, payload); err != nil {
				return err
			}
			fmt.Fprintln(cmd.ErrOrStderr(), "delivered")
			return nil
		},
	}
	cmd.Flags().StringVar(&pin, "pin", "", "PIN shared with the receiver (generated when empty)")
	cmd.Flags().StringVar(&text, "text", "", "text secret to send")
	cmd.Flags().StringVar(&file, "file", "", "file to send")
	return cmd
}

func buildPayload(text, file string) (transfer.Payload, error) {
	switch {
	case text != "" && file != "":
		return transfer.Payload{}, errors.New("use either --text or --file, not both")
	case text != "":
		return transfer.Payload{Data: []byte(text), ContentType: transfer.ContentText}, nil
	case file != "":
		data, err := os.ReadFile(file)
		if err != nil {
			return transfer.Payload{}, fmt.Errorf("read %s: %w", file, err)
		}
		name := filepath.Base(file)
		return transfer.Payload{
			Data:        data,
			ContentType: transfer.ContentFile,
			FileName:    name,
			MIMEType:    mime.TypeByExtension(filepath.Ext(name)),
		}, nil
	default:
		return transfer.Payload{}, errors.New("nothing to send: pass --text or --file")
	}
}
