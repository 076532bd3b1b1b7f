// p2pd is the hole-punching rendezvous server: peers register their
// externally observed addresses over TCP, keep them fresh over UDP, and ask
// the server to introduce them to each other for direct connectivity.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/TonyBeen/p2p/internal/api"
	"github.com/TonyBeen/p2p/internal/config"
	"github.com/TonyBeen/p2p/internal/logging"
	"github.com/TonyBeen/p2p/internal/server"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

// cliFlags holds parsed command-line flag values.
type cliFlags struct {
	configPath string
	daemonize  bool
}

func parseFlags() cliFlags {
	var f cliFlags
	flag.StringVar(&f.configPath, "c", "", "Path to YAML config file")
	flag.BoolVar(&f.daemonize, "d", false, "Run as a daemon (delegated to the service manager)")
	flag.Parse()
	return f
}

func run() error {
	flags := parseFlags()

	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	logger, flushLogs := logging.Configure(logging.Config{
		Level:  cfg.Log.Level,
		Sync:   cfg.Log.Sync,
		Target: cfg.Log.Target,
	})
	defer flushLogs()

	if flags.daemonize {
		logger.Warn("-d requested; daemonization is delegated to the service manager on this build")
	}

	logger.Info("p2pd starting",
		"config", flags.configPath,
		"tcp", fmt.Sprintf("%s:%d", cfg.TCP.Host, cfg.TCP.Port),
		"udp", fmt.Sprintf("%s:%d", cfg.UDP.Host, cfg.UDP.Port),
		"kv", fmt.Sprintf("%s:%d", cfg.Redis.Host, cfg.Redis.Port),
	)

	runner, err := server.NewRunner(cfg, logger)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var apiSrv *api.Server
	if cfg.API.Enabled {
		apiSrv = api.New(cfg.API, runner, logger)
		go func() {
			serveErr := apiSrv.ListenAndServe()
			if serveErr == nil || errors.Is(serveErr, http.ErrServerClosed) {
				return
			}
			logger.Error("management api error", "err", serveErr)
			cancel()
		}()
	}

	err = runner.Run(ctx)

	if apiSrv != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = apiSrv.Shutdown(shutdownCtx)
		shutdownCancel()
		logger.Info("management api stopped")
	}

	if err != nil {
		return fmt.Errorf("server exited with error: %w", err)
	}
	return nil
}
