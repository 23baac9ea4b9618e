// housectl-controller is a reference controller: it joins a scope on the
// gateway and applies the device commands it receives.
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

	"github.com/joho/godotenv"
	"github.com/markus-barta/housectl/internal/config"
	"github.com/markus-barta/housectl/internal/controller"
	"github.com/rs/zerolog"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	showHelp := flag.Bool("help", false, "show usage")
	runCheck := flag.Bool("check", false, "validate config and test connectivity")

	flag.BoolVar(showVersion, "v", false, "print version and exit")
	flag.BoolVar(showHelp, "h", false, "show usage")

	flag.Usage = printUsage
	flag.Parse()

	if *showVersion {
		fmt.Printf("housectl-controller %s\n", controller.Version)
		os.Exit(0)
	}
	if *showHelp {
		printUsage()
		os.Exit(0)
	}

	_ = godotenv.Load()

	if *runCheck {
		os.Exit(runConfigCheck())
	}

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		With().
		Timestamp().
		Logger()

	cfg, err := config.LoadFromEnv()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	switch cfg.LogLevel {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	log.Info().
		Str("version", controller.Version).
		Str("hostname", cfg.Hostname).
		Msg("housectl controller starting")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := controller.New(cfg, log).Run(ctx); err != nil {
		if errors.Is(err, controller.ErrRejected) {
			log.Error().Err(err).Msg("check HOUSECTL_TOKEN and the scope id for the gateway's scope mode")
		}
		log.Fatal().Err(err).Msg("controller failed")
	}
}

func printUsage() {
	fmt.Printf(`Usage: housectl-controller [options]

housectl controller %s - receives device commands from a housectl gateway.

Options:
  -v, --version   Print version and exit
  -h, --help      Print this help and exit
  --check         Validate config and test connectivity

Environment variables:
  HOUSECTL_URL              Gateway WebSocket URL, e.g. ws://host:8000/ws (required)
  HOUSECTL_TOKEN            Controller token, if the gateway requires one
  HOUSECTL_USER_ID          User scope id (user scope mode)
  HOUSECTL_HOUSE_ID         House scope id (house scope mode)
  HOUSECTL_PING_INTERVAL    Keepalive interval (default: 30s)
  HOUSECTL_PONG_WAIT        Read deadline without traffic (default: 90s)
  HOUSECTL_MIN_BACKOFF      First reconnect delay (default: 1s)
  HOUSECTL_MAX_BACKOFF      Reconnect delay cap (default: 60s)
  HOUSECTL_HOSTNAME         Override hostname detection
  HOUSECTL_LOG_LEVEL        Log level: debug, info, warn, error
`, controller.Version)
}

func runConfigCheck() int {
	fmt.Println("Checking configuration...")
	fmt.Println()

	cfg, err := config.LoadFromEnv()
	if err != nil {
		fmt.Printf("Config error: %v\n", err)
		return 1
	}
	dialURL, _ := cfg.DialURL()

	fmt.Println("Config OK")
	fmt.Printf("  Hostname:    %s\n", cfg.Hostname)
	fmt.Printf("  Gateway:     %s\n", dialURL)
	fmt.Println()

	fmt.Print("Testing gateway connectivity... ")

	client := &http.Client{Timeout: 10 * time.Second}
	start := time.Now()
	resp, err := client.Get(cfg.HealthURL())
	latency := time.Since(start)
	if err != nil {
		fmt.Printf("failed\n  Error: %v\n", err)
		return 1
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		fmt.Printf("failed (HTTP %d)\n", resp.StatusCode)
		return 1
	}

	fmt.Printf("OK (latency: %dms)\n", latency.Milliseconds())
	return 0
}
