package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ryandielhenn/groupd/discovery"
	"github.com/ryandielhenn/groupd/internal/config"
	"github.com/ryandielhenn/groupd/internal/idstore"
	"github.com/ryandielhenn/groupd/internal/telemetry"
	"github.com/ryandielhenn/groupd/pkg/cpg/etcdcpg"
	"github.com/ryandielhenn/groupd/pkg/daemon"
	"github.com/ryandielhenn/groupd/pkg/node"
	"github.com/ryandielhenn/groupd/pkg/retry"
)

var (
	version = "dev"
	gitSHA  = "unknown"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		zap.NewExample().Fatal("load config", zap.Error(err))
	}
	log := newLogger(cfg.LogLevel).With(zap.Uint32("node", cfg.NodeID))
	defer log.Sync()
	telemetry.SetBuildInfo(version, gitSHA)

	if err := run(cfg, log); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal("groupd exited", zap.Error(err))
	}
	log.Info("groupd stopped")
}

func newLogger(level string) *zap.Logger {
	zc := zap.NewProductionConfig()
	if lvl, err := zap.ParseAtomicLevel(level); err == nil {
		zc.Level = lvl
	}
	log, err := zc.Build()
	if err != nil {
		return zap.NewExample()
	}
	return log
}

func run(cfg config.Config, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 1. Durable id counter
	ids, err := idstore.Open(cfg.DataPath, cfg.NodeID)
	if err != nil {
		return err
	}
	defer ids.Close()
	log.Info("opened id store", zap.String("path", ids.DBPath()))

	// 2. etcd client
	log.Info("creating etcd client", zap.Strings("endpoints", cfg.EtcdEndpoints))
	cli, err := discovery.NewClient(cfg.EtcdEndpoints)
	if err != nil {
		return err
	}
	defer cli.Close()

	// 3. Register this node; its lease is what a fence revokes and it also
	// holds the channel keys, so a crash or fence is one node failure
	addr := node.NormalizeHostPort(cfg.AdvertiseAddr, node.ListenPort(cfg.ListenAddr, "8080"))
	var nodeLease clientv3.LeaseID
	if cfg.RegisterNode {
		leaseID, cancel, err := discovery.RegisterNode(cli, cfg.Prefix, cfg.NodeID, addr, cfg.LeaseTTL)
		if err != nil {
			return err
		}
		nodeLease = leaseID
		log.Info("registered node", zap.String("addr", addr), zap.Int64("lease", int64(leaseID)))
		defer func() {
			cancel()
			rctx, done := context.WithTimeout(context.Background(), 5*time.Second)
			defer done()
			_, _ = cli.Revoke(rctx, leaseID)
		}()
	}

	// 4. Transport and coordinator
	tr := etcdcpg.New(etcdcpg.Config{
		Client:         cli,
		NodeID:         cfg.NodeID,
		PID:            uint32(os.Getpid()),
		Prefix:         cfg.Prefix,
		Lease:          nodeLease,
		LeaseTTL:       cfg.LeaseTTL,
		MaxOutstanding: cfg.MaxOutstanding,
		Log:            log,
	})
	joinRetry := retry.JoinPolicy(log)
	joinRetry.Delay = cfg.JoinRetryDelay
	sendRetry := retry.SendPolicy(log)
	sendRetry.Delay = cfg.SendRetryDelay
	coord := daemon.New(daemon.Config{
		NodeID:       cfg.NodeID,
		PID:          uint32(os.Getpid()),
		JoinRetry:    joinRetry,
		SendRetry:    sendRetry,
		DebugVerbose: cfg.DebugVerbose,
	}, tr,
		daemon.WithLogger(log),
		daemon.WithApp(daemon.AckApp{Log: log}),
		daemon.WithFencer(&discovery.Fencer{Client: cli, Prefix: cfg.Prefix, Log: log}),
		daemon.WithIDAllocator(ids),
	)
	if err := coord.Setup(ctx); err != nil {
		return err
	}
	defer coord.Close()

	// 5. HTTP endpoints
	mux := http.NewServeMux()
	node.NewNode(cfg.NodeID, addr, coord, log).Routes(mux)
	srv := &http.Server{Addr: cfg.ListenAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return coord.Run(gctx)
	})
	g.Go(func() error {
		log.Info("groupd listening", zap.String("addr", cfg.ListenAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		return srv.Shutdown(sctx)
	})
	return g.Wait()
}
