package main

import (
	"net/http"
	"net/url"
	"strconv"

	"github.com/spf13/cobra"
)

func rankingsCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rankings",
		Short: "Submit or show the current user's ranking",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "submit <candidate-id>...",
		Short: "Replace the ranking, best candidate first",
		Args:  cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			candidates := args
			if candidates == nil {
				candidates = []string{}
			}
			return call(cmd, opts, http.MethodPut, "/api/v1/rankings", map[string][]string{"candidates": candidates})
		},
	}, &cobra.Command{
		Use:   "show",
		Short: "Show the stored ranking",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(cmd, opts, http.MethodGet, "/api/v1/rankings/me", nil)
		},
	})
	return cmd
}

func leaderboardCmd(opts *options) *cobra.Command {
	var limit int
	var candidates []string
	cmd := &cobra.Command{
		Use:   "leaderboard",
		Short: "Show the aggregated leaderboard",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			if limit > 0 {
				q.Set("limit", strconv.Itoa(limit))
			}
			for _, c := range candidates {
				q.Add("candidate", c)
			}
			path := "/api/v1/leaderboard"
			if len(q) > 0 {
				path += "?" + q.Encode()
			}
			return call(cmd, opts, http.MethodGet, path, nil)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "max entries, server default when zero")
	cmd.Flags().StringSliceVar(&candidates, "candidate", nil, "restrict scoring to these candidate ids")
	return cmd
}
