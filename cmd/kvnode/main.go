// Command kvnode runs one kvmesh server process: a node that holds
// some shard(s) of the cluster's keyspace, answers client GET/PUT/
// DELETE/HAS over HTTP, forwards requests it doesn't own, and
// participates in anti-entropy gossip and PREPARE/SWITCH reconfigs
// with its peers.
//
// Configuration is entirely environment-variable driven, the same
// ambient shape as the teacher's cmd/node:
//
//	KVMESH_NODE_ADDR    - this node's public address (required, e.g.
//	                      "127.0.0.1:8081"); this is both the HTTP
//	                      client's connect address and the identity
//	                      used inside ShardScheme
//	KVMESH_LISTEN       - local listen address (default: same as
//	                      KVMESH_NODE_ADDR)
//	KVMESH_SEEDS        - comma-separated peer addresses to learn the
//	                      live ShardScheme from at startup; empty means
//	                      "I am the first node", bootstrapping a fresh
//	                      scheme of KVMESH_SHARD_COUNT shards containing
//	                      only myself; if seeds are set and none
//	                      answers, kvnode exits
//	KVMESH_SHARD_COUNT  - shard count for the bootstrap scheme when
//	                      KVMESH_SEEDS is empty (default: 1)
//	KVMESH_DEV          - "1" selects zap's development logger
//
// Example usage:
//
//	KVMESH_NODE_ADDR=127.0.0.1:8081 ./kvnode
//	KVMESH_NODE_ADDR=127.0.0.1:8082 KVMESH_SEEDS=127.0.0.1:8081 ./kvnode
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/dreamware/kvmesh/internal/metrics"
	"github.com/dreamware/kvmesh/internal/node"
	"github.com/dreamware/kvmesh/internal/rpc"
	"github.com/dreamware/kvmesh/internal/shardscheme"
	"github.com/dreamware/kvmesh/internal/transport"
)

// logFatal is a variable so tests can intercept a fatal exit instead
// of actually terminating the test binary, mirroring the teacher's
// own indirection in cmd/node/main.go.
var logFatal = func(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

// bootstrapTimeout bounds how long kvnode waits for any one seed to
// answer admin/scheme before trying the next.
const bootstrapTimeout = 2 * time.Second

func main() {
	logger := newLogger()
	defer logger.Sync()

	addr := mustGetenv(logger, "KVMESH_NODE_ADDR")
	listen := getenv("KVMESH_LISTEN", addr)
	seeds := splitCSV(getenv("KVMESH_SEEDS", ""))
	shardCount, err := strconv.Atoi(getenv("KVMESH_SHARD_COUNT", "1"))
	if err != nil || shardCount < 1 {
		logFatal("KVMESH_SHARD_COUNT must be a positive integer: %v", err)
	}

	scheme := bootstrapScheme(context.Background(), logger, addr, seeds, shardCount)

	n := node.New(addr, scheme, logger)
	reg := metrics.New(n)
	srv := transport.New(n, logger)

	mux := http.NewServeMux()
	mux.Handle("/", srv.Handler())
	mux.Handle("/metrics", promhttp.HandlerFor(reg.Gatherer(), promhttp.HandlerOpts{}))

	httpSrv := &http.Server{
		Addr:              listen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	gossipCtx, stopGossip := context.WithCancel(context.Background())
	defer stopGossip()
	go n.GossipLoop(gossipCtx)

	go func() {
		logger.Info("kvnode listening", zap.String("addr", addr), zap.String("listen", listen), zap.Int("scheme_version", scheme.Version()))
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logFatal("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	stopGossip()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(ctx); err != nil {
		logger.Error("shutdown error", zap.Error(err))
	}
	logger.Info("kvnode stopped")
}

// bootstrapScheme learns the live ShardScheme from the first seed
// that answers admin/scheme, or — when no seeds are configured —
// constructs a fresh single-node scheme naming only addr. The latter
// is only correct for the very first node in a cluster; every
// subsequent node is expected to name at least one running seed so it
// converges onto the version already in force, rather than diverging
// onto its own version-0 scheme.
func bootstrapScheme(ctx context.Context, logger *zap.Logger, addr string, seeds []string, shardCount int) shardscheme.Scheme {
	for _, seed := range seeds {
		reqCtx, cancel := context.WithTimeout(ctx, bootstrapTimeout)
		resp, status, err := rpc.Default.Get(reqCtx, seed, "admin/scheme", bootstrapTimeout)
		cancel()
		if err != nil || status != http.StatusOK {
			logger.Warn("seed did not answer admin/scheme", zap.String("seed", seed), zap.Error(err))
			continue
		}
		scheme, err := shardscheme.Deserialize(resp, "")
		if err != nil {
			logger.Warn("seed returned malformed scheme", zap.String("seed", seed), zap.Error(err))
			continue
		}
		logger.Info("bootstrapped scheme from seed", zap.String("seed", seed), zap.Int("scheme_version", scheme.Version()))
		return scheme
	}

	if len(seeds) > 0 {
		logFatal("no seed in KVMESH_SEEDS answered admin/scheme")
	}

	scheme, err := shardscheme.Initial(shardCount, []string{addr})
	if err != nil {
		logFatal("bootstrap Initial(%d, [%s]): %v", shardCount, addr, err)
	}
	return scheme
}

func newLogger() *zap.Logger {
	var logger *zap.Logger
	var err error
	if os.Getenv("KVMESH_DEV") == "1" {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		logger = zap.NewNop()
	}
	return logger
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func mustGetenv(logger *zap.Logger, key string) string {
	v := os.Getenv(key)
	if v == "" {
		logger.Error("missing required environment variable", zap.String("key", key))
		logFatal("missing required environment variable %s", key)
	}
	return v
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
