package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"fleetpilot.ai/internal/ledger/memledger"
	"fleetpilot.ai/internal/logging"
	"fleetpilot.ai/internal/persistence/r2s3"
	"fleetpilot.ai/internal/persistence/snapshot"
	"fleetpilot.ai/internal/transport/ws"
)

type options struct {
	FixturePath  string
	DataDir      string
	SnapshotPath string
	LoadLatest   bool
}

func main() {
	var (
		addr        = flag.String("addr", "127.0.0.1:8899", "http listen address")
		fixturePath = flag.String("fixture", "", "world fixture yaml (default: built-in two-dock world)")
		dataDir     = flag.String("data", "./data/ledgersim", "runtime data directory")
		snapPath    = flag.String("snapshot", "", "path to snapshot to load (optional)")
		loadLatest  = flag.Bool("load_latest_snapshot", true, "load latest snapshot from data dir if present (when -snapshot is empty)")
		snapEvery   = flag.Duration("snapshot_every", time.Minute, "snapshot interval (0 to snapshot only at shutdown)")
		requireSig  = flag.Bool("require_signature", false, "reject clients without a wallet and unsigned submits")
		rateWindow  = flag.Duration("rate_window", time.Second, "per-connection rate limit window")
		rateMax     = flag.Int("rate_max", 50, "max requests per connection per window (0 disables)")
		logLevel    = flag.String("log_level", "info", "debug|info|warn|error")
		logFormat   = flag.String("log_format", "text", "text|json")
	)
	flag.Parse()

	level, err := logging.ParseLevel(*logLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	format, err := logging.ParseFormat(*logFormat)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	logger := logging.New(os.Stderr, level, format, false).With("component", "ledgersim")

	l, cluster, err := setupLedger(options{
		FixturePath:  *fixturePath,
		DataDir:      *dataDir,
		SnapshotPath: *snapPath,
		LoadLatest:   *loadLatest,
	}, logger)
	if err != nil {
		logger.Error("setup ledger", "err", err)
		os.Exit(1)
	}

	mirror, err := buildMirror(*dataDir, os.Getenv, logger)
	if err != nil {
		logger.Error("snapshot mirror", "err", err)
		os.Exit(1)
	}

	ctx, cancel := signalContext()
	defer cancel()

	snapDir := filepath.Join(*dataDir, "snapshots")
	done := make(chan struct{})
	go func() {
		defer close(done)
		snapshotLoop(ctx, l, cluster, snapDir, *snapEvery, mirror.Enqueue, logger)
	}()

	gw := ws.NewServer(l, ws.Config{
		Cluster:          cluster,
		RequireSignature: *requireSig,
		RateWindow:       *rateWindow,
		RateMax:          *rateMax,
	}, logger)
	srv := &http.Server{
		Addr:              *addr,
		Handler:           newMux(gw, l, mirror, cluster),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		_ = srv.Shutdown(ctx2)
	}()

	logger.Info("listening", "addr", *addr, "cluster", cluster, "fleets", len(l.FleetIDs()))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("ListenAndServe", "err", err)
		cancel()
	}
	<-done
	mirror.Close()
}

// setupLedger builds the ledger from an explicit snapshot, the latest one in
// the data dir, or the fixture, in that order.
func setupLedger(o options, logger *slog.Logger) (*memledger.Ledger, string, error) {
	l := memledger.New(memledger.Options{Logger: logger})

	snapshotToLoad := strings.TrimSpace(o.SnapshotPath)
	if snapshotToLoad == "" && o.LoadLatest {
		snapshotToLoad = snapshot.Latest(filepath.Join(o.DataDir, "snapshots"))
	}
	if snapshotToLoad != "" {
		snap, err := snapshot.Read(snapshotToLoad)
		if err != nil {
			return nil, "", fmt.Errorf("read snapshot: %w", err)
		}
		if err := l.Import(snap); err != nil {
			return nil, "", fmt.Errorf("import snapshot: %w", err)
		}
		logger.Info("resumed from snapshot", "path", filepath.Base(snapshotToLoad), "tx_seq", snap.Header.TxSeq)
		return l, snap.Header.Cluster, nil
	}

	fx := memledger.DefaultFixture()
	if o.FixturePath != "" {
		var err error
		fx, err = memledger.LoadFixture(o.FixturePath)
		if err != nil {
			return nil, "", fmt.Errorf("load fixture: %w", err)
		}
	}
	if err := fx.Validate(); err != nil {
		return nil, "", fmt.Errorf("fixture: %w", err)
	}
	if err := fx.Seed(l); err != nil {
		return nil, "", fmt.Errorf("seed fixture: %w", err)
	}
	return l, fx.Cluster, nil
}

// snapshotLoop writes a snapshot every interval when the ledger has moved,
// and once more when ctx ends. written is called with each new file.
func snapshotLoop(ctx context.Context, l *memledger.Ledger, cluster, dir string, every time.Duration, written func(string), logger *slog.Logger) {
	var last uint64
	save := func() {
		seq := l.TxSeq()
		if seq == last {
			return
		}
		path := filepath.Join(dir, snapshot.FileName(seq))
		if err := snapshot.Write(path, l.Export(cluster)); err != nil {
			logger.Error("snapshot write", "err", err)
			return
		}
		last = seq
		logger.Info("snapshot written", "path", path, "tx_seq", seq)
		if written != nil {
			written(path)
		}
	}

	var tick <-chan time.Time
	if every > 0 {
		t := time.NewTicker(every)
		defer t.Stop()
		tick = t.C
	}
	for {
		select {
		case <-ctx.Done():
			save()
			return
		case <-tick:
			save()
		}
	}
}

func newMux(gw *ws.Server, l *memledger.Ledger, mirror *r2s3.Mirror, cluster string) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(200)
		_, _ = rw.Write([]byte("ok"))
	})
	mux.HandleFunc("/metrics", func(rw http.ResponseWriter, r *http.Request) {
		rw.Header().Set("Content-Type", "text/plain; version=0.0.4")
		g := gw.Stats()
		m := l.Stats()
		fmt.Fprintf(rw, "# HELP ledgersim_tx_seq Broadcast transactions so far.\n")
		fmt.Fprintf(rw, "# TYPE ledgersim_tx_seq counter\n")
		fmt.Fprintf(rw, "ledgersim_tx_seq{cluster=%q} %d\n", cluster, l.TxSeq())
		fmt.Fprintf(rw, "# HELP ledgersim_ledger_ops_total Ledger operations by kind.\n")
		fmt.Fprintf(rw, "# TYPE ledgersim_ledger_ops_total counter\n")
		fmt.Fprintf(rw, "ledgersim_ledger_ops_total{cluster=%q,op=%q} %d\n", cluster, "fetch", m.Fetches)
		fmt.Fprintf(rw, "ledgersim_ledger_ops_total{cluster=%q,op=%q} %d\n", cluster, "simulate", m.Simulated)
		fmt.Fprintf(rw, "ledgersim_ledger_ops_total{cluster=%q,op=%q} %d\n", cluster, "reject", m.Rejected)
		fmt.Fprintf(rw, "ledgersim_ledger_ops_total{cluster=%q,op=%q} %d\n", cluster, "broadcast", m.Broadcast)
		fmt.Fprintf(rw, "# HELP ledgersim_gateway_total Gateway counters.\n")
		fmt.Fprintf(rw, "# TYPE ledgersim_gateway_total counter\n")
		fmt.Fprintf(rw, "ledgersim_gateway_total{cluster=%q,metric=%q} %d\n", cluster, "connections", g.Connections)
		fmt.Fprintf(rw, "ledgersim_gateway_total{cluster=%q,metric=%q} %d\n", cluster, "requests", g.Requests)
		fmt.Fprintf(rw, "ledgersim_gateway_total{cluster=%q,metric=%q} %d\n", cluster, "errors", g.Errors)
		fmt.Fprintf(rw, "# HELP ledgersim_withdrawn_total Units withdrawn from cargo pods.\n")
		fmt.Fprintf(rw, "# TYPE ledgersim_withdrawn_total counter\n")
		for _, mint := range l.Mints() {
			fmt.Fprintf(rw, "ledgersim_withdrawn_total{cluster=%q,mint=%q} %d\n", cluster, mint, l.Withdrawn(mint))
		}
		if mirror != nil {
			ms := mirror.Stats()
			fmt.Fprintf(rw, "# HELP ledgersim_mirror_uploads_total Snapshot uploads by result.\n")
			fmt.Fprintf(rw, "# TYPE ledgersim_mirror_uploads_total counter\n")
			fmt.Fprintf(rw, "ledgersim_mirror_uploads_total{cluster=%q,result=%q} %d\n", cluster, "ok", ms.UploadSuccessTotal)
			fmt.Fprintf(rw, "ledgersim_mirror_uploads_total{cluster=%q,result=%q} %d\n", cluster, "fail", ms.UploadFailTotal)
			fmt.Fprintf(rw, "ledgersim_mirror_uploads_total{cluster=%q,result=%q} %d\n", cluster, "dropped", ms.DroppedTotal)
			fmt.Fprintf(rw, "# HELP ledgersim_mirror_queue_depth Snapshots waiting for upload.\n")
			fmt.Fprintf(rw, "# TYPE ledgersim_mirror_queue_depth gauge\n")
			fmt.Fprintf(rw, "ledgersim_mirror_queue_depth{cluster=%q} %d\n", cluster, ms.QueueDepth)
		}
	})
	mux.HandleFunc("/v1/ws", gw.Handler())
	return mux
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx, cancel
}
