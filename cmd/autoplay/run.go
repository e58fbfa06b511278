package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"fleetpilot.ai/internal/autoplay"
	"fleetpilot.ai/internal/config"
	"fleetpilot.ai/internal/ledger"
	"fleetpilot.ai/internal/logging"
	"fleetpilot.ai/internal/persistence/indexdb"
	persistlog "fleetpilot.ai/internal/persistence/log"
	"fleetpilot.ai/internal/sim/fleet"
	"fleetpilot.ai/internal/transport/httpapi"
	"fleetpilot.ai/internal/wallet"
)

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the dispatcher for every configured entity",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := runConfig(viper.GetString("config"), viper.GetString("data-dir"))
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}
}

// runConfig loads the full config and applies a --data-dir override.
func runConfig(configPath, dataDirFlag string) (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if d := strings.TrimSpace(dataDirFlag); d != "" {
		cfg.DataDir = d
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) *slog.Logger {
	level, _ := logging.ParseLevel(cfg.LogLevel)
	format, _ := logging.ParseFormat(cfg.LogFormat)
	return logging.New(os.Stderr, level, format, false)
}

func indexPath(dataDir string) string {
	return filepath.Join(dataDir, "index", "autoplay.sqlite")
}

func run(ctx context.Context, cfg *config.Config) error {
	logger := newLogger(cfg)

	kp, err := wallet.Load(cfg.WalletPath)
	if err != nil {
		return fmt.Errorf("load wallet: %w", err)
	}
	ws := ledger.NewWSClient(ledger.WSConfig{
		Endpoint:     cfg.ClusterEndpoint,
		ClientName:   "fleetpilot-autoplay",
		CollectionID: cfg.EntityCollectionID,
		Signer:       kp,
		CallTimeout:  cfg.CallTimeout,
		Logger:       logger,
	})
	defer ws.Close()
	client := ledger.RetryOnce(ws, logger)

	journal := persistlog.NewJournal(cfg.DataDir)
	defer journal.Close()
	sinks := autoplay.MultiSink{journal}
	var idx *indexdb.SQLiteIndex
	if !cfg.DisableDB {
		idx, err = indexdb.OpenSQLite(indexPath(cfg.DataDir))
		if err != nil {
			return fmt.Errorf("open index: %w", err)
		}
		defer idx.Close()
		sinks = append(sinks, idx)
	}

	d := autoplay.NewDispatcher(autoplay.Options{Client: client, Sink: sinks, Logger: logger})
	agents, err := startAgents(ctx, client, cfg, logger)
	if err != nil {
		return err
	}
	for _, a := range agents {
		if err := d.Register(a); err != nil {
			return err
		}
	}
	logger.Info("autoplay started",
		"entities", len(agents), "endpoint", cfg.ClusterEndpoint,
		"wallet", kp.PublicKey(), "tick", cfg.TickInterval().String())

	var srv *http.Server
	if cfg.HTTPAddr != "" {
		h, err := httpapi.New(httpapi.Config{
			Cluster: ws.Session().Cluster,
			Source:  d,
			Conn:    ws,
			Index:   idx,
		})
		if err != nil {
			return err
		}
		srv = &http.Server{Addr: cfg.HTTPAddr, Handler: h, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			logger.Info("status api listening", "addr", cfg.HTTPAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("status api stopped", "err", err)
			}
		}()
	}

	err = d.Run(ctx, cfg.TickInterval())

	logger.Info("shutting down", "in_flight", d.Stats().InFlight)
	if srv != nil {
		ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		_ = srv.Shutdown(ctx2)
		cancel2()
	}
	d.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// startAgents fetches every configured entity once and builds its agent.
// Entities that cannot be fetched are logged and skipped; it fails only when
// none are left.
func startAgents(ctx context.Context, client ledger.Client, cfg *config.Config, logger *slog.Logger) ([]*autoplay.Agent, error) {
	var agents []*autoplay.Agent
	for _, id := range cfg.EntityIDs {
		spec, _ := cfg.ProfileFor(id)
		role, err := spec.Role()
		if err != nil {
			return nil, fmt.Errorf("entity %s: %w", id, err)
		}
		fctx, cancel := context.WithTimeout(ctx, cfg.CallTimeout)
		snap, err := client.FetchSnapshot(fctx, fleet.EntityID(id))
		cancel()
		if err != nil {
			logger.Error("initial fetch failed, entity skipped", "entity", id, "err", err)
			continue
		}
		agents = append(agents, autoplay.NewAgent(snap, role, logger))
	}
	if len(agents) == 0 {
		return nil, errors.New("no entity could be fetched")
	}
	return agents, nil
}
