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

package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var (
	siteOrigin     string
	sitePaths      []string
	siteQueryKeys  []string
	siteHumanProof bool
)

// siteCmd groups the admin API client commands
var siteCmd = &cobra.Command{
	Use:   "site",
	Short: "Manage protected sites via the admin API",
}

var siteCreateCmd = &cobra.Command{
	Use:   "create <hostname>",
	Short: "Register a protected site",
	Long: `Register a protected site. The response includes the Site Access
Token exactly once; store it securely, only its hash is retained.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		body, err := json.Marshal(map[string]interface{}{
			"hostname":            args[0],
			"origin_base_url":     siteOrigin,
			"path_allowlist":      sitePaths,
			"query_allowlist":     siteQueryKeys,
			"require_human_proof": siteHumanProof,
		})
		if err != nil {
			handleError(err)
		}

		if err := apiCall(http.MethodPost, "/api/v1/admin/sites", body); err != nil {
			handleError(err)
		}
	},
}

var siteListCmd = &cobra.Command{
	Use:   "list",
	Short: "List protected sites",
	Run: func(cmd *cobra.Command, args []string) {
		if err := apiCall(http.MethodGet, "/api/v1/admin/sites", nil); err != nil {
			handleError(err)
		}
	},
}

var siteGetCmd = &cobra.Command{
	Use:   "get <hostname>",
	Short: "Get a protected site by hostname",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		if err := apiCall(http.MethodGet, "/api/v1/admin/sites/"+args[0], nil); err != nil {
			handleError(err)
		}
	},
}

var siteRotateCmd = &cobra.Command{
	Use:   "rotate <site-id>",
	Short: "Rotate a site's access token",
	Long: `Rotate a site's access token. The prior token is invalidated
immediately; the replacement is shown exactly once.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		if err := apiCall(http.MethodPost, "/api/v1/admin/sites/"+args[0]+"/rotate", nil); err != nil {
			handleError(err)
		}
	},
}

func init() {
	siteCreateCmd.Flags().StringVar(&siteOrigin, "origin", "",
		"destination origin base URL (required)")
	siteCreateCmd.Flags().StringSliceVar(&sitePaths, "path", []string{"/"},
		"allowed path prefix (repeatable)")
	siteCreateCmd.Flags().StringSliceVar(&siteQueryKeys, "query", nil,
		"allowed query parameter name (repeatable)")
	siteCreateCmd.Flags().BoolVar(&siteHumanProof, "human-proof", false,
		"require human verification at redemption")
	_ = siteCreateCmd.MarkFlagRequired("origin")

	siteCmd.AddCommand(siteCreateCmd)
	siteCmd.AddCommand(siteListCmd)
	siteCmd.AddCommand(siteGetCmd)
	siteCmd.AddCommand(siteRotateCmd)
}

// apiCall performs one authenticated request against the gateway and
// pretty-prints the JSON response.
func apiCall(method, path string, body []byte) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequest(method, serverURL+path, reader)
	if err != nil {
		return err
	}
	if authToken != "" {
		req.Header.Set("Authorization", "Bearer "+authToken)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	var pretty bytes.Buffer
	if err := json.Indent(&pretty, raw, "", "  "); err != nil {
		pretty.Write(raw)
	}
	fmt.Fprintln(os.Stdout, pretty.String())

	if resp.StatusCode >= 400 {
		return fmt.Errorf("request failed with status %d", resp.StatusCode)
	}
	return nil
}
