// Copyright (c) 2025 Jeremy Hahn
// Copyright (c) 2025 Automate The Things, LLC
//
// This file is part of go-linkproof.
//
// go-linkproof is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.

// Package cli implements the linkproof command line interface.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	configFile string
	serverURL  string
	authToken  string
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "linkproof",
	Short: "linkproof - single-use link redemption gateway",
	Long: `linkproof renders outbound links inert to automated scanners by
interposing a single-use redemption step: each protected link mints a
nonce that a human visitor redeems exactly once, after which the
gateway redirects to the real destination and records an auditable
receipt.

Commands:
  serve     run the gateway server
  site      manage protected sites (admin API client)
  receipts  query a site's redemption receipts (receipts API client)`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "/etc/linkproof/config.yaml",
		"config file path")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:8443",
		"gateway base URL for API client commands")
	rootCmd.PersistentFlags().StringVar(&authToken, "token", "",
		"bearer credential for API client commands")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(siteCmd)
	rootCmd.AddCommand(receiptsCmd)
}

// handleError prints an error and exits with code 1
func handleError(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}
