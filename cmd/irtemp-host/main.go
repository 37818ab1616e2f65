// irtemp-host samples MLX90614 infrared thermometers and reports them to a
// Klipper-style consumer, a status API and optional message brokers.
//
// Usage:
//
//	irtemp-host -config ~/irtemp.cfg [options]
//
// Options:
//
//	-config string    Configuration file (required)
//	-http string      Status API address, overrides [status_api] listen
//	-logfile string   Log file path (default: stderr)
//	-accesslog        Log every HTTP request in combined format
//	-debugoutput      Build sensors without opening hardware or sampling
//
// Environment (a .env file in the working directory is loaded first):
//
//	IRTEMP_LOG_LEVEL   DEBUG, INFO, WARN, ERROR
//	IRTEMP_LOG_FORMAT  text or json
//	IRTEMP_LOG_CALLER  non-empty adds source locations
//	NO_COLOR           non-empty disables colours
//
// Examples:
//
//	# Sample the file written by the Python reader
//	irtemp-host -config ~/irtemp.cfg
//
//	# Serve the status API on port 7126
//	irtemp-host -config ~/irtemp.cfg -http :7126
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"klipper-irtemp/pkg/config"
	irlog "klipper-irtemp/pkg/log"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fset := flag.NewFlagSet("irtemp-host", flag.ContinueOnError)
	configFile := fset.String("config", "", "Configuration file (required)")
	httpAddr := fset.String("http", "", "Status API address, overrides [status_api] listen")
	logFile := fset.String("logfile", "", "Log file path (default: stderr)")
	accessLog := fset.Bool("accesslog", false, "Log every HTTP request in combined format")
	debugOutput := fset.Bool("debugoutput", false, "Build sensors without opening hardware or sampling")
	if err := fset.Parse(args); err != nil {
		return 2
	}

	if *configFile == "" {
		fmt.Fprintf(os.Stderr, "Error: -config is required\n")
		fset.Usage()
		return 2
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "Error loading .env: %v\n", err)
		return 1
	}

	opts := irlog.OptionsFromEnv(irlog.DefaultOptions())
	var logOut io.Writer = os.Stderr
	if *logFile != "" {
		f, err := os.OpenFile(*logFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error opening log file: %v\n", err)
			return 1
		}
		defer f.Close()
		logOut = f
		opts.NoColor = true
	}
	opts.Writer = logOut
	logger := irlog.New(opts)

	cfg, err := config.Load(*configFile)
	if err != nil {
		logger.Error("error parsing config", "file", *configFile, "error", err)
		return 1
	}

	hopts := hostOptions{HTTPAddr: *httpAddr, DebugOutput: *debugOutput}
	if *accessLog {
		hopts.AccessLog = logOut
	}
	h, err := newHost(cfg, hopts, logger)
	if err != nil {
		logger.Error("config error", "error", err)
		return 1
	}
	if *debugOutput {
		logger.Info("debug output mode, sensors built without sampling", "sensors", len(h.sensors))
		h.closeSensors()
		h.closePublisher()
		return 0
	}

	if err := h.start(); err != nil {
		logger.Error("startup failed", "error", err)
		stopHost(h, logger)
		return 1
	}
	logger.Info("irtemp host ready", "config", *configFile, "sensors", len(h.sensors))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	var apiErr <-chan error
	if h.apiDone != nil {
		apiErr = h.apiDone
	}
	select {
	case sig := <-sigCh:
		logger.Info("received signal, shutting down", "signal", sig.String())
	case err := <-apiErr:
		// stop must not wait for the result again.
		h.apiDone = nil
		if err != nil {
			logger.Error("status API failed", "error", err)
			stopHost(h, logger)
			return 1
		}
	}

	stopHost(h, logger)
	return 0
}

func stopHost(h *host, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.stop(ctx); err != nil {
		logger.Error("shutdown error", "error", err)
	}
}
