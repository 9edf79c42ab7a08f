// Command chatctl drives the rushchat HTTP API for local development.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/md-rashed-zaman/rushchat/libs/auth"
	"github.com/md-rashed-zaman/rushchat/libs/config"
	"github.com/md-rashed-zaman/rushchat/libs/httpx"
	"github.com/spf13/cobra"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

type options struct {
	baseURL string
	token   string
	secret  string
	user    string
	role    string
	name    string
	timeout time.Duration
}

func rootCmd() *cobra.Command {
	opts := &options{}
	cmd := &cobra.Command{
		Use:   "chatctl",
		Short: "Manage coffee-chat slots and rankings",
		Long: `chatctl talks to the gateway (bearer token) or straight to chat-service
(principal headers).

Examples:
  chatctl --user h1 --role host slots create --date 2025-09-01 --time 14:30 --location "Cafe"
  chatctl --user r1 --role rushee slots book <slot-id>
  chatctl --secret dev-secret --user a1 --role admin leaderboard --limit 10
`,
		SilenceUsage: true,
	}

	f := cmd.PersistentFlags()
	f.StringVar(&opts.baseURL, "base-url", config.String("CHATCTL_BASE_URL", "http://localhost:8080"), "gateway or chat-service base url")
	f.StringVar(&opts.token, "token", config.String("CHATCTL_TOKEN", ""), "bearer token")
	f.StringVar(&opts.secret, "secret", config.String("JWT_SECRET", ""), "HS256 secret used to mint a token for --user")
	f.StringVar(&opts.user, "user", config.String("CHATCTL_USER", ""), "principal id")
	f.StringVar(&opts.role, "role", config.String("CHATCTL_ROLE", "rushee"), "principal role")
	f.StringVar(&opts.name, "name", config.String("CHATCTL_NAME", ""), "principal display name")
	f.DurationVar(&opts.timeout, "timeout", 10*time.Second, "request timeout")

	cmd.AddCommand(slotsCmd(opts), rankingsCmd(opts), leaderboardCmd(opts), tokenCmd(opts))
	return cmd
}

// client is a thin JSON client over the rushchat API.
type client struct {
	base    string
	http    *http.Client
	headers http.Header
}

func (o *options) client() (*client, error) {
	base := strings.TrimRight(strings.TrimSpace(o.baseURL), "/")
	if _, err := url.ParseRequestURI(base); err != nil {
		return nil, fmt.Errorf("invalid base url %q: %w", o.baseURL, err)
	}
	h := http.Header{}
	switch {
	case o.token != "":
		h.Set("Authorization", "Bearer "+o.token)
	case o.secret != "" && o.user != "":
		tok, err := auth.SignHS256(auth.NewClaims(o.user, o.name, o.role, time.Hour), o.secret)
		if err != nil {
			return nil, err
		}
		h.Set("Authorization", "Bearer "+tok)
	case o.user != "":
		httpx.SetPrincipalHeaders(h, httpx.Principal{ID: o.user, Role: o.role, Name: o.name})
	}
	return &client{base: base, http: &http.Client{Timeout: o.timeout}, headers: h}, nil
}

func (c *client) do(ctx context.Context, method, path string, body any, out io.Writer) error {
	var rdr io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rdr = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rdr)
	if err != nil {
		return err
	}
	for k, v := range c.headers {
		req.Header[k] = v
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode >= 300 {
		var apiErr struct {
			Error string `json:"error"`
			Code  string `json:"code"`
		}
		if json.Unmarshal(raw, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s %s: %d %s (%s)", method, path, resp.StatusCode, apiErr.Error, apiErr.Code)
		}
		return fmt.Errorf("%s %s: %d", method, path, resp.StatusCode)
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, raw, "", "  "); err != nil {
		_, err = out.Write(raw)
		return err
	}
	pretty.WriteByte('\n')
	_, err = pretty.WriteTo(out)
	return err
}

// call builds the client and runs a single request bound to the command's output.
func call(cmd *cobra.Command, opts *options, method, path string, body any) error {
	c, err := opts.client()
	if err != nil {
		return err
	}
	return c.do(cmd.Context(), method, path, body, cmd.OutOrStdout())
}

func tokenCmd(opts *options) *cobra.Command {
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint an HS256 token for --user",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(opts.user) == "" {
				return fmt.Errorf("--user is required")
			}
			tok, err := auth.SignHS256(auth.NewClaims(opts.user, opts.name, opts.role, ttl), opts.secret)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	return cmd
}
