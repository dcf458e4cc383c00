package main

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"constellation/api/grpcserver"
	"constellation/bridge"
	"constellation/config"
	"constellation/infra/kafka"
	"constellation/infra/keys"
	"constellation/infra/metrics"
	"constellation/infra/storage"
	"constellation/jobs/broadcaster"
	"constellation/jobs/feed"
	"constellation/jobs/withdrawals"
	"constellation/node"
	"constellation/service/pipeline"
	"constellation/service/syncer"
	"constellation/service/updates"
)

func serve(ctx context.Context, cfg *config.Config, genesis *config.Genesis, logger *zap.Logger) error {
	kp, err := cfg.KeyPair()
	if err != nil {
		return err
	}
	alpha, err := cfg.AlphaKey()
	if err != nil {
		return err
	}
	members, err := cfg.MemberKeys()
	if err != nil {
		return err
	}
	isAlpha := alpha == kp.Public()
	publish := len(cfg.Kafka.Brokers) > 0

	// ---------------- Storage ----------------

	store, err := storage.Open(cfg.DataDir)
	if err != nil {
		return errors.Wrap(err, "open store")
	}
	defer store.Close()

	// ---------------- Metrics ----------------

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m, err := metrics.New(reg)
	if err != nil {
		return err
	}

	// ---------------- Node ----------------

	var peers []node.Peer
	for _, p := range cfg.Peers {
		pk, err := keys.ParsePublicKey(p.PubKey)
		if err != nil {
			return errors.Wrapf(err, "peer %s", p.URL)
		}
		peers = append(peers, node.Peer{URL: p.URL, PubKey: pk})
	}
	n, err := node.New(node.Options{
		Self:    kp,
		Alpha:   alpha,
		Members: members,
		Peers:   peers,
		Store:   store,
		Updates: updates.Config{
			MaxQuanta: cfg.Updates.MaxQuanta,
			MaxAge:    cfg.Updates.MaxAge,
			Tick:      cfg.Updates.Tick,
			Outbox:    isAlpha && publish,
		},
		Sync: syncer.Config{
			Gap:           cfg.Sync.Gap,
			BatchSize:     cfg.Sync.BatchSize,
			FlushInterval: cfg.Sync.FlushInterval,
			Heartbeat:     cfg.Sync.Heartbeat,
			Reevaluate:    cfg.Sync.Reevaluate,
			CacheSize:     cfg.Sync.CacheSize,
			Backoff:       cfg.Sync.Backoff,
		},
		Logger:  logger,
		Metrics: m,
	})
	if err != nil {
		return err
	}

	var effectsFeed *feed.Feed
	if publish {
		producer := kafka.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.FeedTopic)
		defer producer.Close()
		effectsFeed = feed.New(feed.Config{}, producer, logger, m)
		n.OnApplied(effectsFeed.Observe)
	}

	lis, err := net.Listen("tcp", cfg.Listen.GRPC)
	if err != nil {
		return errors.Wrap(err, "grpc listen")
	}

	var bc *broadcaster.Broadcaster
	if publish && n.Role() == pipeline.RoleAlpha {
		bc, err = broadcaster.New(broadcaster.Config{
			Brokers: cfg.Kafka.Brokers,
			Topic:   cfg.Kafka.ConfirmationTopic,
		}, store, logger, m)
		if err != nil {
			return err
		}
		defer bc.Close()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return n.Run(gctx) })

	// ---------------- HTTP ----------------

	mux := http.NewServeMux()
	mux.Handle("/ws", n.PeerHandler())
	if cfg.Listen.Metrics == "" || cfg.Listen.Metrics == cfg.Listen.Peers {
		mux.Handle("/metrics", metrics.Handler(reg))
	} else {
		mm := http.NewServeMux()
		mm.Handle("/metrics", metrics.Handler(reg))
		serveHTTP(gctx, g, &http.Server{Addr: cfg.Listen.Metrics, Handler: mm, ReadHeaderTimeout: 5 * time.Second})
	}
	serveHTTP(gctx, g, &http.Server{Addr: cfg.Listen.Peers, Handler: mux, ReadHeaderTimeout: 5 * time.Second})

	// ---------------- gRPC ----------------

	grpcSrv := grpcserver.NewGRPCServer(grpcserver.NewServer(n, logger))
	g.Go(func() error { return grpcSrv.Serve(lis) })
	g.Go(func() error {
		<-gctx.Done()
		grpcSrv.GracefulStop()
		return nil
	})

	// ---------------- Background Jobs ----------------

	if effectsFeed != nil {
		g.Go(func() error { return effectsFeed.Run(gctx) })
	}
	if n.Role() == pipeline.RoleAlpha {
		br := bridge.NewMemory(cfg.Vault, kp)
		w := withdrawals.New(withdrawals.Config{
			Interval:    cfg.Withdrawals.Interval,
			MaxAttempts: cfg.Withdrawals.MaxAttempts,
		}, n, br, logger, m)
		g.Go(func() error { return w.Run(gctx) })
	}
	if bc != nil {
		g.Go(func() error { return bc.Run(gctx) })
	}
	if genesis != nil {
		g.Go(func() error { return initialize(gctx, n, cfg, genesis, logger) })
	}

	logger.Info("node running",
		zap.Stringer("pubkey", kp.Public()),
		zap.Stringer("role", n.Role()),
		zap.Stringer("state", n.State()),
		zap.String("peers", cfg.Listen.Peers),
		zap.String("grpc", cfg.Listen.GRPC),
	)
	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func serveHTTP(ctx context.Context, g *errgroup.Group, srv *http.Server) {
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrapf(err, "http %s", srv.Addr)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdown)
	})
}

func initialize(ctx context.Context, n *node.Node, cfg *config.Config, g *config.Genesis, logger *zap.Logger) error {
	if n.Role() != pipeline.RoleAlpha {
		return errors.New("init must run on the alpha node")
	}
	if n.State() != syncer.WaitingForInit {
		logger.Info("constellation already initialized", zap.Uint64("apex", n.Apex()))
		return nil
	}
	alpha, err := cfg.AlphaKey()
	if err != nil {
		return err
	}
	st, err := g.Settings(alpha, cfg.Vault)
	if err != nil {
		return err
	}
	accounts, err := g.GenesisAccounts()
	if err != nil {
		return err
	}
	q, err := n.Initialize(ctx, node.Genesis{Settings: st, Accounts: accounts, Cursor: g.Cursor})
	if err != nil {
		return errors.Wrap(err, "initialize")
	}
	logger.Info("genesis sealed", zap.Uint64("apex", q.Apex), zap.Int("accounts", len(accounts)))
	return nil
}
