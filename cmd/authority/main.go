package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"plotrelay.dev/internal/config"
	"plotrelay.dev/internal/identity"
	"plotrelay.dev/internal/persistence/archive"
	"plotrelay.dev/internal/persistence/indexdb"
	persistlog "plotrelay.dev/internal/persistence/log"
	"plotrelay.dev/internal/platform/otel"
	"plotrelay.dev/internal/relay"
	"plotrelay.dev/internal/relay/wsrelay"
	"plotrelay.dev/internal/sim/authority"
	"plotrelay.dev/internal/sim/catalogs"
	"plotrelay.dev/internal/transport/observer"
)

func main() {
	var (
		configPath = flag.String("config", "./configs/authority.yaml", "authority config path (empty: defaults + env only)")
		addr       = flag.String("addr", "", "http listen address (overrides config)")
		worldID    = flag.String("world", "", "world id (overrides config)")
		disableDB  = flag.Bool("disable_db", false, "disable the sqlite decision ledger")
		loopback   = flag.Bool("loopback_only", false, "serve the read API to loopback clients only")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[authority] ", log.LstdFlags|log.Lmicroseconds)

	cfg, err := config.Read(*configPath)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	if *addr != "" {
		cfg.Listen = *addr
	}
	if *worldID != "" {
		cfg.WorldID = *worldID
	}
	if *disableDB {
		cfg.Index.Backend = "none"
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatalf("config: %v", err)
	}

	ctx, cancel := signalContext()
	defer cancel()

	shutdownTracing, err := otel.Setup(ctx, "plotrelay-authority")
	if err != nil {
		logger.Fatalf("tracing: %v", err)
	}
	defer func() {
		sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer scancel()
		_ = shutdownTracing(sctx)
	}()

	signer, err := loadSigner(cfg.AuthorityKey, logger)
	if err != nil {
		logger.Fatalf("authority key: %v", err)
	}

	// Unknown crops never block an action, so a missing catalog degrades
	// growth checks instead of stopping the authority.
	crops, err := catalogs.Load(ctx, cfg.Crops)
	if err != nil {
		logger.Printf("crop catalog %s: %v (continuing without crop metadata)", cfg.Crops, err)
	} else if crops.Skipped > 0 {
		logger.Printf("crop catalog: skipped %d malformed entries", crops.Skipped)
	}

	dests := make([]relay.Destination, 0, len(cfg.Relays))
	for _, rc := range cfg.Relays {
		dests = append(dests, relay.Destination{
			Name:     rc.URL,
			Log:      wsrelay.New(rc.URL, log.New(os.Stdout, "[relay] ", log.LstdFlags|log.Lmicroseconds)),
			Required: rc.Required,
		})
	}
	pool := relay.NewPool(logger, cfg.Reconcile.CallTimeout, dests...)

	// Closed after the journal so the final sealed file is still uploaded.
	var arch *archive.Archiver
	if a := cfg.Archive; a.Endpoint != "" {
		client, err := archive.NewClient(archive.ClientConfig{
			Endpoint:        a.Endpoint,
			Bucket:          a.Bucket,
			Region:          a.Region,
			AccessKeyID:     a.AccessKeyID,
			SecretAccessKey: a.SecretAccessKey,
		})
		if err != nil {
			logger.Fatalf("journal archive: %v", err)
		}
		arch = archive.New(client, archive.Config{
			BaseDir: cfg.DataDir,
			Prefix:  a.Prefix,
			Workers: a.Workers,
			Logger:  log.New(os.Stdout, "[archive] ", log.LstdFlags|log.Lmicroseconds),
		})
		defer arch.Close()
	}

	journal := persistlog.NewJournal(cfg.JournalDir())
	if arch != nil {
		journal.OnSeal(arch.Enqueue)
	}
	defer journal.Close()
	sinks := []authority.Sink{journal}

	var idx *indexdb.SQLiteIndex
	if cfg.Index.Backend == "sqlite" {
		idx, err = indexdb.OpenSQLite(cfg.IndexPath())
		if err != nil {
			logger.Fatalf("open index: %v", err)
		}
		defer idx.Close()
		if err := idx.UpsertCropCatalog(crops); err != nil {
			logger.Printf("index: upsert crop catalog: %v", err)
		}
		sinks = append(sinks, idx)
	}

	var mirror *indexdb.HTTPMirror
	if cfg.Mirror.Endpoint != "" {
		mirror, err = indexdb.OpenMirror(indexdb.MirrorConfig{
			Endpoint:      cfg.Mirror.Endpoint,
			Token:         cfg.Mirror.Token,
			WorldID:       cfg.WorldID,
			BatchSize:     cfg.Mirror.BatchSize,
			FlushInterval: cfg.Mirror.FlushInterval,
			Logger:        logger,
		})
		if err != nil {
			logger.Fatalf("decision mirror: %v", err)
		}
		defer mirror.Close()
		sinks = append(sinks, mirror)
	}

	deps := authority.Deps{
		Log:      pool,
		Signer:   signer,
		Verifier: identity.Verifier{},
		Sinks:    sinks,
		Logger:   logger,
	}
	if crops != nil {
		deps.Crops = crops
	}
	if idx != nil {
		deps.Cursor = idx
	}
	rec, err := authority.New(cfg.AuthorityConfig(), deps)
	if err != nil {
		logger.Fatalf("reconciler: %v", err)
	}
	if idx != nil {
		if cur, ok, err := idx.LoadCursor(ctx, cfg.WorldID); err != nil {
			logger.Printf("index: load cursor: %v", err)
		} else if ok {
			rec.SetCursor(cur)
			logger.Printf("resuming from cursor=%d", cur)
		}
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(200)
		_, _ = rw.Write([]byte("ok"))
	})
	mux.HandleFunc("/metrics", func(rw http.ResponseWriter, r *http.Request) {
		rw.Header().Set("Content-Type", "text/plain; version=0.0.4")
		writeMetrics(rw, metricsSources{
			worldID: cfg.WorldID,
			rec:     rec,
			index:   idx,
			mirror:  mirror,
			journal: journal,
			archive: arch,
		})
	})

	var decisions observer.DecisionSource
	if idx != nil {
		decisions = idx
	}
	obs := observer.NewServer(slotLookup{cache: rec.Cache(), index: idx}, decisions, deps.Crops, logger)
	obs.LoopbackOnly = *loopback
	obs.Register(mux)

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler: otelhttp.NewHandler(mux, "authority.http", otelhttp.WithFilter(func(r *http.Request) bool {
			return r.URL.Path != "/healthz" && r.URL.Path != "/metrics"
		})),
		ReadHeaderTimeout: 5 * time.Second,
	}

	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		if err := rec.Run(ctx); err != nil {
			logger.Printf("reconciler stopped: %v", err)
		}
	}()

	go func() {
		<-ctx.Done()
		ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		_ = srv.Shutdown(ctx2)
	}()

	logger.Printf("world=%s authority=%s relays=%d listening on %s", cfg.WorldID, signer.PubKey(), len(dests), cfg.Listen)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatalf("ListenAndServe: %v", err)
	}
	<-runDone
}

func loadSigner(secretHex string, logger *log.Logger) (*identity.KeySigner, error) {
	secretHex = strings.TrimSpace(secretHex)
	if secretHex != "" {
		return identity.NewKeySigner(secretHex)
	}
	s, err := identity.GenerateKeySigner()
	if err != nil {
		return nil, err
	}
	logger.Printf("PLOTRELAY_AUTHORITY_KEY not set; using an ephemeral key (slots signed by it are not recognised after restart)")
	return s, nil
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
