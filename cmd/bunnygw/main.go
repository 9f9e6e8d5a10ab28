// Command bunnygw runs the S3-compatible HTTP gateway in front of a single
// Bunny.net storage zone.
package main

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/s3bunny/bunnygw/internal/config"
	"github.com/s3bunny/bunnygw/internal/logging"
	"github.com/s3bunny/bunnygw/internal/server"
)

// maxUploadBufferPerConnection and maxUploadBufferPerStream cap HTTP/2 flow
// control windows so that many concurrent large uploads can't each pin an
// unbounded read buffer; this is the same rationale bunny.Client applies
// to its own outbound transport.
const (
	maxUploadBufferPerConnection = 1 << 20 // 1 MiB
	maxUploadBufferPerStream     = 1 << 20
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := viper.New()
	cfg := &config.Config{}

	cmd := &cobra.Command{
		Use:   "bunnygw",
		Short: "S3-compatible HTTP gateway for a Bunny.net storage zone",
		RunE: func(cmd *cobra.Command, args []string) error {
			bindConfig(v, cfg)
			return run(cfg)
		},
	}

	flags := cmd.Flags()
	flags.StringP("storage-zone", "z", "", "Bunny storage zone name (required)")
	flags.StringP("access-key", "k", "", "Bunny storage zone access key (required)")
	flags.StringP("region", "r", "de", "Bunny storage region (de|uk|ny|la|sg|se|br|jh|syd)")
	flags.StringP("listen-addr", "l", "", "TCP address to listen on, e.g. 0.0.0.0:9000")
	flags.StringP("socket-path", "s", "", "Unix domain socket path to listen on")
	flags.String("s3-access-key-id", "bunny", "access key ID clients must present via SigV4")
	flags.String("s3-secret-access-key", "bunny", "secret key clients must sign requests with")
	flags.BoolP("verbose", "v", false, "enable debug-level logging")

	// Each flag's environment variable name is explicit rather than a
	// mechanical prefix+flag-name transform, matching the names §6 defines.
	envNames := map[string]string{
		"storage-zone":         "BUNNY_STORAGE_ZONE",
		"access-key":           "BUNNY_ACCESS_KEY",
		"region":               "BUNNY_REGION",
		"listen-addr":          "LISTEN_ADDR",
		"socket-path":          "SOCKET_PATH",
		"s3-access-key-id":     "S3_ACCESS_KEY_ID",
		"s3-secret-access-key": "S3_SECRET_ACCESS_KEY",
		"verbose":              "VERBOSE",
	}
	for flagName, envName := range envNames {
		v.BindEnv(flagName, envName) //nolint:errcheck
	}
	v.BindPFlags(flags) //nolint:errcheck

	return cmd
}

func bindConfig(v *viper.Viper, cfg *config.Config) {
	cfg.StorageZone = v.GetString("storage-zone")
	cfg.AccessKey = v.GetString("access-key")
	cfg.Region = v.GetString("region")
	cfg.ListenAddr = v.GetString("listen-addr")
	cfg.SocketPath = v.GetString("socket-path")
	cfg.S3AccessKeyID = v.GetString("s3-access-key-id")
	cfg.S3SecretAccessKey = v.GetString("s3-secret-access-key")
	cfg.Verbose = v.GetBool("verbose")
}

func run(cfg *config.Config) error {
	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		return err
	}

	level := "info"
	if cfg.Verbose {
		level = "debug"
	}
	logging.Setup(level, "text", os.Stderr)

	srv, err := server.New(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create server: %v\n", err)
		return err
	}

	h2s := &http2.Server{
		MaxUploadBufferPerConnection: maxUploadBufferPerConnection,
		MaxUploadBufferPerStream:     maxUploadBufferPerStream,
	}
	handler := h2c.NewHandler(srv.Handler(), h2s)

	listener, addrDesc, err := newListener(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to listen: %v\n", err)
		return err
	}

	httpServer := &http.Server{Handler: handler}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("bunnygw listening on %s (zone=%s region=%s)", addrDesc, cfg.StorageZone, cfg.Region)
		if err := httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Printf("received signal %v, shutting down...", sig)
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(ctx); err != nil {
			log.Printf("shutdown error: %v", err)
		}
		log.Printf("server stopped.")
	case err := <-errCh:
		if err != nil {
			fmt.Fprintf(os.Stderr, "server error: %v\n", err)
			return err
		}
	}
	return nil
}

// newListener binds the configured TCP address or Unix socket. The two are
// mutually exclusive, already enforced by config.Validate.
func newListener(cfg *config.Config) (net.Listener, string, error) {
	if cfg.SocketPath != "" {
		os.Remove(cfg.SocketPath) //nolint:errcheck
		l, err := net.Listen("unix", cfg.SocketPath)
		if err != nil {
			return nil, "", err
		}
		return l, "unix:" + cfg.SocketPath, nil
	}
	l, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return nil, "", err
	}
	return l, cfg.ListenAddr, nil
}
