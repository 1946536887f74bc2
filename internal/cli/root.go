// Package cli provides the winnowctl operator command line.
package cli

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	v "github.com/linnemanlabs/go-core/version"

	"github.com/linnemanlabs/winnow/internal/triage/httpstore"
)

const defaultServer = "http://localhost:8080"

// app carries global flags and the lazily built server client.
type app struct {
	server  string
	token   string
	timeout time.Duration
	verbose bool

	httpClient *http.Client
	client     *httpstore.Client
}

// NewRootCmd builds the winnowctl command tree.
func NewRootCmd() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:   "winnowctl",
		Short: "Operate a winnow triage server",
		Long: `winnowctl talks to a winnow server's partition API to export, import,
reconcile and clear triage partitions.

The server and token default to $WINNOW_SERVER and $WINNOW_API_TOKEN.`,
		Version:       v.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Name() == "help" || cmd.Name() == "version" {
				return nil
			}
			if a.server == "" {
				return fmt.Errorf("no server configured (use --server or WINNOW_SERVER)")
			}
			a.client = httpstore.New(httpstore.Options{
				BaseURL:    a.server,
				Token:      a.token,
				HTTPClient: a.httpClient,
			})
			return nil
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&a.server, "server", envOr("WINNOW_SERVER", defaultServer), "winnow server base URL")
	pf.StringVar(&a.token, "token", os.Getenv("WINNOW_API_TOKEN"), "bearer token for mutating calls")
	pf.DurationVar(&a.timeout, "timeout", 2*time.Minute, "per-command timeout")
	pf.BoolVarP(&a.verbose, "verbose", "v", false, "verbose output")

	root.AddCommand(
		a.platformsCmd(),
		a.exportCmd(),
		a.importCmd(),
		a.reconcileCmd(),
		a.clearCmd(),
	)
	return root
}

// Execute runs winnowctl with os.Args.
func Execute() error {
	return NewRootCmd().Execute()
}

func (a *app) context(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	if a.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, a.timeout)
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
