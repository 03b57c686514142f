package commands

import (
	"encoding/hex"
	"fmt"

	"github.com/opd-ai/securemedia/av/security"
	"github.com/spf13/cobra"
)

const saltProperty = "account.zrtp_salt"

func zidCmd() *cobra.Command {
	var (
		saltHex string
		peer    string
	)
	cmd := &cobra.Command{
		Use:   "zid",
		Short: "Print the ZID used towards a peer",
		RunE: func(cmd *cobra.Command, args []string) error {
			if peer == "" {
				return fmt.Errorf("--peer is required")
			}
			if saltHex != "" {
				props.Set(saltProperty, saltHex)
			}
			salt, err := security.AccountSalt(props, saltProperty)
			if err != nil {
				return err
			}
			zid := security.GenerateMyZid(salt, peer)
			out := cmd.OutOrStdout()
			if saltHex == "" {
				fmt.Fprintf(out, "Salt: %s\n", hex.EncodeToString(salt))
			}
			fmt.Fprintf(out, "ZID:  %s\n", zid.String())
			return nil
		},
	}
	cmd.Flags().StringVar(&saltHex, "salt", "", "hex encoded account salt (default: from config or generated)")
	cmd.Flags().StringVar(&peer, "peer", "", "peer bare JID, e.g. bob@example.org")
	return cmd
}
