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
	"net/http"
	"net/url"
	"strconv"

	"github.com/spf13/cobra"
)

var (
	receiptsActions []string
	receiptsSince   string
	receiptsLimit   int
)

// receiptsCmd groups the receipts API client commands. These
// authenticate with a Site Access Token, not the operator credential.
var receiptsCmd = &cobra.Command{
	Use:   "receipts",
	Short: "Query a site's redemption receipts",
}

var receiptsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List ledger events, newest first",
	Run: func(cmd *cobra.Command, args []string) {
		if err := apiCall(http.MethodGet, "/api/v1/receipts?"+receiptsQuery().Encode(), nil); err != nil {
			handleError(err)
		}
	},
}

var receiptsExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export all ledger events matching the filters",
	Run: func(cmd *cobra.Command, args []string) {
		if err := apiCall(http.MethodGet, "/api/v1/receipts/export?"+receiptsQuery().Encode(), nil); err != nil {
			handleError(err)
		}
	},
}

var receiptsSummaryCmd = &cobra.Command{
	Use:   "summary",
	Short: "Summarize events by action and reason",
	Run: func(cmd *cobra.Command, args []string) {
		query := url.Values{}
		if receiptsSince != "" {
			query.Set("since", receiptsSince)
		}
		if err := apiCall(http.MethodGet, "/api/v1/receipts/summary?"+query.Encode(), nil); err != nil {
			handleError(err)
		}
	},
}

func init() {
	for _, cmd := range []*cobra.Command{receiptsListCmd, receiptsExportCmd} {
		cmd.Flags().StringSliceVar(&receiptsActions, "action", nil,
			"filter by action: issued, redeemed, denied, expired (repeatable)")
		cmd.Flags().StringVar(&receiptsSince, "since", "",
			"only events at or after this RFC 3339 timestamp")
	}
	receiptsListCmd.Flags().IntVar(&receiptsLimit, "limit", 0,
		"maximum number of events to return")
	receiptsSummaryCmd.Flags().StringVar(&receiptsSince, "since", "",
		"only events at or after this RFC 3339 timestamp")

	receiptsCmd.AddCommand(receiptsListCmd)
	receiptsCmd.AddCommand(receiptsExportCmd)
	receiptsCmd.AddCommand(receiptsSummaryCmd)
}

// receiptsQuery builds the shared filter parameters.
func receiptsQuery() url.Values {
	query := url.Values{}
	for _, action := range receiptsActions {
		query.Add("action", action)
	}
	if receiptsSince != "" {
		query.Set("since", receiptsSince)
	}
	if receiptsLimit > 0 {
		query.Set("limit", strconv.Itoa(receiptsLimit))
	}
	return query
}
