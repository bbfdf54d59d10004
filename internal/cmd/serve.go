package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/inercia/courier/internal/config"
	"github.com/inercia/courier/internal/logging"
	"github.com/inercia/courier/internal/web"
)

var (
	serveHost      string
	servePort      int
	serveToken     string
	serveUpstream  string
	serveAccessLog string
)

// shutdownTimeout bounds how long in-flight requests may take to drain.
const shutdownTimeout = 10 * time.Second

// serveCmd represents the serve command
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the Courier broadcast server",
	Long: `Start the HTTP server that accepts conversations, runs worker
turns, and streams their events to WebSocket and SSE subscribers.

When an upstream URL is configured, prompts are proxied to it and its
response stream is broadcast; otherwise a built-in echo worker answers.

Example:
  courier serve                             # Start on 127.0.0.1:8080
  courier serve --port 3000                 # Custom port
  courier serve --token s3cret              # Require a bearer token
  courier serve --upstream http://agent:9000   # Proxy prompts upstream`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&serveHost, "host", "", "Listen address (default from config: 127.0.0.1)")
	serveCmd.Flags().IntVar(&servePort, "port", 0, "HTTP server port (default from config: 8080)")
	serveCmd.Flags().StringVar(&serveToken, "token", "", "Bearer token required for API access (default: loopback-only)")
	serveCmd.Flags().StringVar(&serveUpstream, "upstream", "", "Upstream worker base URL to proxy prompts to")
	serveCmd.Flags().StringVar(&serveAccessLog, "access-log", "", "Access log file path (disabled when empty)")
}

func runServe(cmd *cobra.Command, args []string) error {
	// CLI flags override the loaded configuration.
	if cmd.Flags().Changed("host") {
		cfg.Server.Host = serveHost
	}
	if cmd.Flags().Changed("port") {
		cfg.Server.Port = servePort
	}
	if cmd.Flags().Changed("token") {
		cfg.Server.AuthToken = serveToken
	}
	if cmd.Flags().Changed("upstream") {
		cfg.Server.UpstreamURL = serveUpstream
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	accessLog := web.DefaultAccessLogConfig()
	accessLog.Path = serveAccessLog

	srv := web.NewServer(cfg, logging.Web(), accessLog)

	// Hot-reload runtime-tunable settings when serving from a file.
	if cfgSource != "" {
		watcher, err := config.NewWatcher(cfgSource, logging.Get())
		if err != nil {
			return fmt.Errorf("failed to watch %s: %w", cfgSource, err)
		}
		watcher.Subscribe(srv)
		watcher.Start()
		defer watcher.Close()
	}

	fmt.Printf("Courier listening on http://%s\n", cfg.Addr())
	if cfg.Server.UpstreamURL != "" {
		fmt.Printf("   Upstream: %s\n", cfg.Server.UpstreamURL)
	}
	if cfg.Server.AuthToken == "" {
		fmt.Printf("   Auth: loopback-only (no token configured)\n")
	}
	fmt.Printf("\n   Press Ctrl+C to stop\n\n")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		fmt.Println("\nShutting down...")
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			logging.Shutdown().Error("shutdown error", "error", err)
		}
	}()

	if err := srv.Start(); err != nil {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}
