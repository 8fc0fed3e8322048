package main

import (
	"encoding/json"

	"github.com/spf13/cobra"

	"lettershop/internal/server"
)

var statusShopURL string

func init() {
	statusCmd.Flags().StringVar(&statusShopURL, "shop", "", "Shop base URL (defaults to the configured base URL)")
}

var statusCmd = &cobra.Command{
	Use:   "status <condition>",
	Short: "Show how an escrow ended, signed with ADMIN_HMAC_SECRET",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		base := statusShopURL
		if base == "" {
			base = cfg.Service.BaseURL
		}
		c := &server.Client{BaseURL: base, AdminSecret: cfg.Admin.HMACSecret}
		st, err := c.EscrowStatus(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(st)
	},
}
