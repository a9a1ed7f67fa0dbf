// Command taskboard-token mints HS256 tokens for servers running with
// LOCAL_AUTH_MODE=hs256.
package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/bytedance/sonic"
	"github.com/spf13/cobra"

	"taskboard/api"
	"taskboard/config"
)

type options struct {
	secret   string
	audience string
	issuer   string
	ttl      time.Duration
	count    int
	prefix   string
	start    int
	output   string
}

func main() {
	if err := newRootCmd(time.Now).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCmd(now func() time.Time) *cobra.Command {
	var o options
	cmd := &cobra.Command{
		Use:           "taskboard-token [user-id]",
		Short:         "Print a bearer token for a local taskboard API",
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if o.count < 1 || o.start < 1 {
				return errors.New("count and start must be at least 1")
			}
			if len(args) > 0 && o.count > 1 {
				return errors.New("explicit user ID cannot be provided when generating multiple tokens")
			}
			tokens, err := generateTokens(o, args, now())
			if err != nil {
				return err
			}
			if o.output != "" {
				if err := writeTokens(o.output, tokens); err != nil {
					return err
				}
			}
			fmt.Fprint(cmd.OutOrStdout(), tokens[0])
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&o.secret, "secret", config.EnvString("LOCAL_AUTH_SHARED_SECRET", ""), "HS256 shared secret")
	f.StringVar(&o.audience, "audience", config.EnvString("AUTH0_AUDIENCE", ""), "aud claim")
	f.StringVar(&o.issuer, "issuer", "", "iss claim")
	f.DurationVar(&o.ttl, "ttl", 24*time.Hour, "token lifetime")
	f.IntVar(&o.count, "count", 1, "number of tokens to generate")
	f.StringVar(&o.prefix, "prefix", "dev-user", "user ID, or its prefix when count > 1")
	f.IntVar(&o.start, "start", 1, "first index for generated user IDs when count > 1")
	f.StringVar(&o.output, "output", "", "also write all tokens to this file as a JSON array")
	return cmd
}

func generateTokens(o options, args []string, now time.Time) ([]string, error) {
	tokens := make([]string, o.count)
	for i := range tokens {
		userID := o.prefix
		switch {
		case len(args) > 0:
			userID = args[0]
		case o.count > 1:
			userID = fmt.Sprintf("%s-%d", o.prefix, o.start+i)
		}
		tok, err := api.IssueLocalToken(o.secret, userID, o.audience, o.issuer, o.ttl, now)
		if err != nil {
			return nil, err
		}
		tokens[i] = tok
	}
	return tokens, nil
}

func writeTokens(path string, tokens []string) error {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	data, err := sonic.Marshal(tokens)
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o600)
}
