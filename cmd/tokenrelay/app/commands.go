// Package app provides the entry point for the tokenrelay command-line
// application.
package app

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/tokenrelay/tokenrelay/pkg/config"
	"github.com/tokenrelay/tokenrelay/pkg/logger"
	"github.com/tokenrelay/tokenrelay/pkg/server"
)

const shutdownTimeout = 10 * time.Second

var (
	configPath  string
	crashOnBind bool
	watchConfig bool
)

var rootCmd = &cobra.Command{
	Use:   "tokenrelay",
	Short: "tokenrelay terminates the OAuth Authorization Code redirect for browser apps",
	Long: `tokenrelay is a multi-tenant OAuth 2.0 middleware for single-page applications
that cannot hold a client secret. It receives the authorization-server
redirect, exchanges the code for a token using the tenant's secret, and sends
the browser back to the application with the result in the URL fragment.

Tenants, the listen port, and the poll interval come from a hot-reloadable
JSON configuration file.`,
	RunE: runServe,
}

// NewRootCmd creates the root command for the tokenrelay CLI.
func NewRootCmd() *cobra.Command {
	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug logging")
	if err := viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug")); err != nil {
		logger.Errorf("Error binding debug flag: %v", err)
	}

	rootCmd.Flags().StringVar(&configPath, "config", "build/config.json", "Path to the configuration file")
	rootCmd.Flags().BoolVar(&crashOnBind, "crash-on-bind", false, "Exit with a non-zero status when binding the listener fails")
	rootCmd.Flags().BoolVar(&watchConfig, "watch", true, "React to configuration file events in addition to polling")

	rootCmd.AddCommand(newVersionCmd())

	return rootCmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	logger.Initialize()
	cmd.SilenceUsage = true

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// The rebind callback closes over the listener, which itself needs the
	// handler built on the loader. The callback only fires from LoadOnce and
	// Run below, after the listener exists.
	var listener *server.Listener
	loader := config.NewLoader(configPath,
		config.WithWatch(watchConfig),
		config.WithRebind(func(port int) {
			if err := listener.Rebind(port); err != nil && crashOnBind {
				logger.Fatalf("Can't bind port %d: %v", port, err)
			}
		}),
	)
	srv := server.New(loader)
	listener = server.NewListener(srv.Handler())

	if err := loader.LoadOnce(); err != nil {
		// Keep running: the poll loop picks the file up once it appears.
		logger.Warnf("Initial configuration load failed: %v", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return loader.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return listener.Shutdown(shutdownCtx)
	})

	logger.Infow("tokenrelay started", "config", configPath)
	return g.Wait()
}
