package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/kingrea/stepforge/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the session and dataset API",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().String("addr", "", "listen address host:port (overrides server.host and server.port)")
	_ = viper.BindPFlag("addr", serveCmd.Flags().Lookup("addr"))
}

func runServe(cmd *cobra.Command, _ []string) error {
	a, err := newApp(os.Stderr)
	if err != nil {
		return err
	}
	defer a.close()

	settings := server.SettingsFromConfig(a.cfg)
	if addr := viper.GetString("addr"); addr != "" {
		host, port, err := net.SplitHostPort(addr)
		if err != nil {
			return fmt.Errorf("invalid --addr %q: %w", addr, err)
		}
		settings.Host = host
		if settings.Port, err = strconv.Atoi(port); err != nil {
			return fmt.Errorf("invalid --addr port %q", port)
		}
	}
	srv := server.NewServer(settings, a.manager,
		server.WithDatasets(a.datasets),
		server.WithLogger(a.logger),
	)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, gctx := errgroup.WithContext(ctx)
	if err := srv.Start(gctx); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "stepforge listening on %s\n", srv.BaseURL())

	g.Go(func() error {
		<-gctx.Done()
		a.logger.Printf("stepforge: shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return errors.Join(srv.Shutdown(shutdownCtx), a.manager.Shutdown(shutdownCtx))
	})
	return g.Wait()
}
