// Package commands implements the nsrpcctl command tree: a thin client
// that dials a mesh node exactly as a peer would (role Origin) and issues
// one request per invocation.
package commands

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/nsrpc/nsrpc/internal/session"
	"github.com/nsrpc/nsrpc/internal/token"
)

var (
	// serverAddr is the mesh node's websocket URL.
	serverAddr string

	// namespace is the target namespace for call/list.
	namespace string

	// secretValue signs this client's setup claim; it must match the
	// target node's configured secret.
	secretValue string

	// outputFormat controls how results are printed: table or json.
	outputFormat string

	// callTimeout bounds how long a single call/list/dial waits.
	callTimeout time.Duration
)

// rootCmd is the top-level cobra command for nsrpcctl.
var rootCmd = &cobra.Command{
	Use:   "nsrpcctl",
	Short: "CLI client for the nsrpc mesh",
	Long:  "nsrpcctl dials an nsrpc mesh node over websocket and issues requests against its registered namespaces.",
	// Silence cobra's built-in usage/error printing so we control it.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverAddr, "addr", "ws://localhost:8320/rpc",
		"nsrpc node websocket address")
	rootCmd.PersistentFlags().StringVar(&namespace, "namespace", "default",
		"target namespace")
	rootCmd.PersistentFlags().StringVar(&secretValue, "secret", "",
		"shared setup secret for the target node")
	rootCmd.PersistentFlags().StringVar(&outputFormat, "format", "table",
		"output format: table, json")
	rootCmd.PersistentFlags().DurationVar(&callTimeout, "timeout", 10*time.Second,
		"call timeout")

	rootCmd.AddCommand(callCmd())
	rootCmd.AddCommand(listCmd())
	rootCmd.AddCommand(versionCmd())
	rootCmd.AddCommand(shellCmd())
}

// Execute runs the root command and exits with code 1 on error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// dial opens a short-lived Origin session against the configured node and
// runs sess.Run in a background goroutine. The returned closer cancels that
// run and waits for it to finish; the caller invokes it when done.
func dial(ctx context.Context) (*session.Session, func(), error) {
	if secretValue == "" {
		return nil, nil, fmt.Errorf("nsrpcctl: --secret is required")
	}

	dialer := session.NewDialer(callTimeout)
	secret := token.New([]byte(secretValue))

	sess, err := session.Dial(ctx, dialer, serverAddr, session.DialOptions{
		ID:         "nsrpcctl",
		Namespace:  namespace,
		Role:       session.Origin,
		Serializer: "json",
		Secret:     secret,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("nsrpcctl: dial %s: %w", serverAddr, err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sess.Run(runCtx) //nolint:errcheck // errors surface as a closed Mux on the next call
		close(done)
	}()

	closer := func() {
		cancel()
		<-done
	}
	return sess, closer, nil
}
