// Command devchain runs a local Ethereum development chain.
//
// Usage:
//
//	devchain [flags]
//	devchain accounts
//	devchain dumpconfig
//
// Every flag overrides the matching key of the --config file.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/pelletier/go-toml/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"

	"github.com/eth2030/devchain/log"
	"github.com/eth2030/devchain/node"
)

// Build-time version info, overridable with ldflags:
//
//	go build -ldflags "-X main.version=v0.2.0 -X main.commit=abc1234"
var (
	version = "v0.1.0-dev"
	commit  = "unknown"
)

func main() {
	os.Exit(run(os.Args))
}

// run is the actual entry point, returning an exit code. args includes the
// program name.
func run(args []string) int {
	if err := newApp().Run(args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

func newApp() *cli.App {
	return &cli.App{
		Name:    "devchain",
		Usage:   "local Ethereum development chain",
		Version: fmt.Sprintf("%s (commit %s)", version, commit),
		Flags:   appFlags,
		Action:  runDevchain,
		Commands: []*cli.Command{
			{
				Name:   "accounts",
				Usage:  "print the dev accounts and their private keys",
				Action: printAccounts,
			},
			{
				Name:   "dumpconfig",
				Usage:  "print the resolved configuration as TOML",
				Action: dumpConfig,
			},
		},
	}
}

func runDevchain(c *cli.Context) error {
	cfg, err := resolveConfig(c)
	if err != nil {
		return err
	}
	logger := log.NewFromConfig(os.Stderr, cfg.Log)
	log.SetDefault(logger)

	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	n, err := node.New(ctx, cfg, node.Options{Logger: logger, Registerer: reg})
	if err != nil {
		return err
	}
	if err := n.Start(); err != nil {
		return err
	}
	for i, addr := range n.Accounts() {
		logger.Info("Dev account", "index", i, "address", addr)
	}

	var srv *http.Server
	if cfg.Metrics.Enabled {
		srv = serveMetrics(cfg.Metrics.Addr, reg, logger)
	}

	<-ctx.Done()
	logger.Info("Shutting down")

	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Metrics server shutdown failed", "err", err)
		}
	}
	return n.Stop()
}

func serveMetrics(addr string, reg *prometheus.Registry, logger *log.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		logger.Info("Serving metrics", "addr", addr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Metrics server failed", "err", err)
		}
	}()
	return srv
}

func printAccounts(c *cli.Context) error {
	cfg, err := resolveConfig(c)
	if err != nil {
		return err
	}
	for i := 0; i < cfg.Genesis.Accounts; i++ {
		key, err := node.DevKey(i)
		if err != nil {
			return err
		}
		fmt.Fprintf(c.App.Writer, "(%d) %s 0x%x\n", i, crypto.PubkeyToAddress(key.PublicKey), crypto.FromECDSA(key))
	}
	return nil
}

func dumpConfig(c *cli.Context) error {
	cfg, err := resolveConfig(c)
	if err != nil {
		return err
	}
	out, err := toml.Marshal(cfg)
	if err != nil {
		return err
	}
	_, err = c.App.Writer.Write(out)
	return err
}
