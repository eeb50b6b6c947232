// Command backend-demo runs a single guest interface pair (block and
// network) end to end, driving a small synthetic workload against it
// and exposing Prometheus metrics for scraping, from the perspective
// of a backend operator watching the tasklets keep up.
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

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/rishav/splitio/internal/demoharness"
	"github.com/rishav/splitio/internal/guestio"
	"github.com/rishav/splitio/internal/telemetry"
)

func main() {
	metricsAddr := flag.String("metrics-addr", ":9100", "address to serve /metrics and /health on")
	creditBytes := flag.Uint64("credit-bytes", 65536, "per-window TX credit in bytes")
	creditUsec := flag.Uint64("credit-usec", 10000, "TX credit window in microseconds")
	ringSize := flag.Int("ring-size", 32, "ring size (power of two) for both the block and network rings")
	redisAddr := flag.String("redis-addr", "", "address of a Redis instance backing the control plane (xenstore-equivalent); unset runs lifecycle transitions purely in-process")
	flag.Parse()

	log.Printf("starting backend-demo: metrics on %s", *metricsAddr)

	logger := telemetry.NewLogger("backend-demo")
	cfg := demoharness.DefaultConfig()
	cfg.RingSize = *ringSize
	cfg.CreditBytes = *creditBytes
	cfg.CreditUsec = *creditUsec
	cfg.Sink = guestio.PacketSinkFunc(func(p guestio.Packet) { logger.Infof("guest received %d bytes", len(p.Data)) })
	if *redisAddr != "" {
		cfg.Redis = redis.NewClient(&redis.Options{Addr: *redisAddr})
		logger.Infof("control plane backed by redis at %s", *redisAddr)
	}

	stack, err := demoharness.New(cfg)
	if err != nil {
		log.Fatalf("demoharness.New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Synthetic guest workload: periodically submit a block write and a
	// network packet so the backend has something to drive and the
	// metrics endpoint shows live counters.
	go func() {
		ticker := time.NewTicker(200 * time.Millisecond)
		defer ticker.Stop()
		var sector uint64
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				stack.SubmitBlockWrite(sector, sector, 4096)
				sector++
				if err := stack.Xmit(guestio.Packet{Data: make([]byte, 128)}); err != nil {
					logger.Warnf("xmit: %v", err)
				}
			}
		}
	}()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(stack.Metrics.Registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		blockOps, completions, txPackets := stack.Stats()
		fmt.Fprintf(w, "ok: block_ops=%d completions=%d tx_packets=%d\n", blockOps, completions, txPackets)
	})
	srv := &http.Server{Addr: *metricsAddr, Handler: mux}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("shutting down backend-demo")
		cancel()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != http.ErrServerClosed {
		log.Fatalf("serve: %v", err)
	}
	log.Println("backend-demo stopped")
}
