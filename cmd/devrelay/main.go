package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/time/rate"

	"plotrelay.dev/internal/identity"
	"plotrelay.dev/internal/protocol"
	"plotrelay.dev/internal/relay"
	"plotrelay.dev/internal/transport/ws"
)

func main() {
	var (
		addr        = flag.String("addr", "127.0.0.1:7447", "listen address")
		checkSig    = flag.Bool("verify", true, "reject events with a bad schnorr signature")
		logAccepted = flag.Bool("log_events", false, "log every accepted event")
		eventRate   = flag.Float64("event_rate", 0, "EVENT frames per second per connection (0 = unlimited)")
		eventBurst  = flag.Int("event_burst", 20, "EVENT burst per connection")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[devrelay] ", log.LstdFlags|log.Lmicroseconds)

	var verifier relay.Verifier
	if *checkSig {
		verifier = identity.Verifier{}
	}
	mem := relay.NewMemLog(verifier)
	defer mem.Close()
	if *logAccepted {
		mem.OnPublish(func(env protocol.Envelope) {
			logger.Printf("event kind=%d id=%s pubkey=%s created_at=%d", env.Kind, env.ID, env.PubKey, env.CreatedAt)
		})
	}

	srv := ws.NewServer(mem, logger)
	srv.EventRate = rate.Limit(*eventRate)
	srv.EventBurst = *eventBurst
	mux := http.NewServeMux()
	mux.HandleFunc("/", srv.Handler())
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(200)
		_, _ = rw.Write([]byte("ok"))
	})
	mux.HandleFunc("/metrics", func(rw http.ResponseWriter, r *http.Request) {
		rw.Header().Set("Content-Type", "text/plain; version=0.0.4")
		fmt.Fprintf(rw, "# HELP plotrelay_devrelay_events Stored events.\n")
		fmt.Fprintf(rw, "# TYPE plotrelay_devrelay_events gauge\n")
		fmt.Fprintf(rw, "plotrelay_devrelay_events %d\n", mem.Len())
		fmt.Fprintf(rw, "# HELP plotrelay_devrelay_connections Open websocket connections.\n")
		fmt.Fprintf(rw, "# TYPE plotrelay_devrelay_connections gauge\n")
		fmt.Fprintf(rw, "plotrelay_devrelay_connections %d\n", srv.Conns())
		fmt.Fprintf(rw, "# HELP plotrelay_devrelay_dropped_total Live events dropped for slow subscribers.\n")
		fmt.Fprintf(rw, "# TYPE plotrelay_devrelay_dropped_total counter\n")
		fmt.Fprintf(rw, "plotrelay_devrelay_dropped_total %d\n", srv.Dropped())
	})

	hs := &http.Server{
		Addr:              *addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		ctx2, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = hs.Shutdown(ctx2)
	}()

	logger.Printf("listening on ws://%s (verify=%v)", *addr, *checkSig)
	if err := hs.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatalf("ListenAndServe: %v", err)
	}
}
