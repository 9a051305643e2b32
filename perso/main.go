package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/barnettlynn/gpscp/perso/internal/config"
	"github.com/barnettlynn/gpscp/pkg/gp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

const configFileName = "config.yaml"

type globalFlags struct {
	ConfigFile  string
	ReaderIndex int
	Emulator    bool
	Verbose     bool
	LogFormat   string
	MetricsAddr string
}

var (
	flags   globalFlags
	cfg     *config.Config
	metrics *gp.Metrics
)

var rootCmd = &cobra.Command{
	Use:   "perso",
	Short: "GlobalPlatform card personalization over SCP01, SCP02 and SCP03",
	Long: `perso opens a secure channel to a card's security domain and runs
personalization steps inside it: key rotation, load and install, token
objects, PINs and lifecycle.

Session keys come from a static key set (development cards) or from a
token key service; either way they reach this host wrapped under the
transport key.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: setup,
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&flags.ConfigFile, "config", "", "config file (default is config.yaml next to the binary or in the working directory)")
	pf.IntVar(&flags.ReaderIndex, "reader", -1, "PC/SC reader index (overrides config.runtime.reader_index)")
	pf.BoolVar(&flags.Emulator, "emulator", false, "run against an in-memory simulated card built from the static keys")
	pf.BoolVarP(&flags.Verbose, "verbose", "v", false, "enable debug logging")
	pf.StringVar(&flags.LogFormat, "log-format", "text", "log format: text or json")
	pf.StringVar(&flags.MetricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address, e.g. :9102")

	rootCmd.AddCommand(
		keyInfoCmd,
		authCmd,
		putKeysCmd,
		loadCmd,
		writeObjectCmd,
		readObjectCmd,
		createPinCmd,
		resetPinCmd,
		lifecycleCmd,
	)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		if kind := gp.KindOf(err); kind != gp.KindUnknown {
			slog.Debug("command failed", "kind", kind.String(), "error", err)
		}
		stop()
		os.Exit(1)
	}
}

func setup(cmd *cobra.Command, args []string) error {
	configureLogging(flags.Verbose, flags.LogFormat)

	if flags.MetricsAddr != "" {
		if err := serveMetrics(cmd.Context(), flags.MetricsAddr); err != nil {
			return err
		}
	}

	path := flags.ConfigFile
	if path == "" {
		var err error
		if path, err = defaultConfigPath(); err != nil {
			return fmt.Errorf("resolve config path failed: %w", err)
		}
	}
	slog.Debug("using config", "path", path)

	mode := config.ValidationFull
	if flags.Emulator {
		mode = config.ValidationEmulator
	}
	loaded, err := config.LoadWithMode(path, mode)
	if err != nil {
		return fmt.Errorf("config load failed: %w", err)
	}
	cfg = loaded
	return nil
}

func configureLogging(verbose bool, format string) {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}
	if format == "json" {
		slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, opts)))
	} else {
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, opts)))
	}
}

// serveMetrics registers the session collectors on a private registry and
// serves it until ctx ends.
func serveMetrics(ctx context.Context, addr string) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics = gp.NewMetrics(reg)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("metrics listener: %w", err)
	}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("metrics server stopped", "error", err)
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	slog.Info("serving metrics", "addr", ln.Addr().String(), "path", "/metrics")
	return nil
}

func defaultConfigPath() (string, error) {
	exePath, err := os.Executable()
	if err != nil {
		return "", err
	}
	exeConfigPath := filepath.Join(filepath.Dir(exePath), configFileName)
	if fileExists(exeConfigPath) {
		return exeConfigPath, nil
	}

	// Fallback for `go run`, where the executable is placed in a temp directory.
	cwd, err := os.Getwd()
	if err != nil {
		return exeConfigPath, nil
	}
	cwdConfigPath := filepath.Join(cwd, configFileName)
	if fileExists(cwdConfigPath) {
		return cwdConfigPath, nil
	}
	return exeConfigPath, nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
