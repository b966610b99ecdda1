package main

import (
	"fmt"
	"os"

	qrcode "github.com/skip2/go-qrcode"
	"github.com/spf13/cobra"

	"github.com/finchbot/finch/internal/pairing"
)

func newPairCmd() *cobra.Command {
	var showQR bool
	cmd := &cobra.Command{
		Use:   "pair",
		Short: "Generate a one-time pairing code for admitting a new chat identity",
		RunE: func(*cobra.Command, []string) error {
			p := pairing.New()
			code, err := p.Begin()
			if err != nil {
				return err
			}
			fmt.Printf("Pairing code: %s\n", code)
			fmt.Println("Have the new user send: /bind", code)
			if showQR {
				qr, err := qrcode.New("/bind "+code, qrcode.Medium)
				if err != nil {
					return err
				}
				fmt.Fprintln(os.Stdout, qr.ToSmallString(false))
			}
			fmt.Println("Note: codes generated here are for the running daemon's pairing flow;")
			fmt.Println("use the daemon's control channel to activate one in a live session.")
			return nil
		},
	}
	cmd.Flags().BoolVar(&showQR, "qr", false, "also render the bind command as a QR code")
	return cmd
}
