package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"tailscale.com/tsnet"

	"github.com/chapohq/chapo/internal/config"
)

// ServeTailscale exposes the gateway handler on the tailnet as well. The node
// authenticates with TS_AUTHKEY on first start; state persists under
// cfg.StateDir. Blocks until ctx is cancelled.
func ServeTailscale(ctx context.Context, cfg config.TailscaleConfig, handler http.Handler) error {
	hostname := cfg.Hostname
	if hostname == "" {
		hostname = "chapo"
	}
	stateDir := cfg.StateDir
	if stateDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("tailscale state dir: %w", err)
		}
		stateDir = filepath.Join(home, ".chapo", "tsnet")
	}
	if err := os.MkdirAll(stateDir, 0o700); err != nil {
		return fmt.Errorf("tailscale state dir: %w", err)
	}

	ts := &tsnet.Server{
		Hostname: hostname,
		Dir:      stateDir,
		AuthKey:  os.Getenv("TS_AUTHKEY"),
	}
	defer ts.Close()

	ln, err := ts.Listen("tcp", ":80")
	if err != nil {
		return fmt.Errorf("tailscale listen: %w", err)
	}
	slog.Info("gateway listening on tailnet", "hostname", hostname)

	srv := &http.Server{Handler: handler}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if err := srv.Serve(ln); err != http.ErrServerClosed {
		return fmt.Errorf("tailscale serve: %w", err)
	}
	return nil
}
