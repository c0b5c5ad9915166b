//go:build linux

// Command doorbell connects to an ivshmem-server, prints peer events as JSON
// lines and increments a shared counter under the shared-memory lock.
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/sugawarayuuta/sonnet"
	"golang.org/x/sync/errgroup"

	"github.com/TypicalAM/ivshmem/v2"
	"github.com/TypicalAM/ivshmem/v2/internal/config"
)

type peerEvent struct {
	Event   string `json:"event"`
	Peer    int    `json:"peer"`
	Vectors int    `json:"vectors,omitempty"`
}

func main() {
	configPath := flag.String("config", "", "path to the YAML configuration")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			log.Fatalln("Failed to load config:", err)
		}
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.Level()}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	loops := func(loop func()) {
		g.Go(func() error {
			loop()
			return nil
		})
	}

	d, err := ivshmem.Open(cfg.Socket, cfg.Grace(),
		ivshmem.WithLogger(logger),
		ivshmem.WithPollTimeout(cfg.PollTimeout()),
		ivshmem.WithExecutor(loops),
		ivshmem.WithErrorHandler(func(err error) {
			logger.Error("doorbell: connection failed", "error", err)
			stop()
		}),
	)
	if err != nil {
		log.Fatalln("Failed to connect to the ivshmem server:", err)
	}
	defer d.Close()

	// Each worker has its own handle, handles exclude each other.
	locks := make([]*ivshmem.Lock, cfg.Counter.Workers)
	for i := range locks {
		locks[i], err = ivshmem.NewLock(d.Region(), cfg.Lock.Offset,
			ivshmem.WithInterrupts(d, cfg.Lock.Vector),
			ivshmem.WithSpinInterval(cfg.SpinInterval()),
			ivshmem.WithLockLogger(logger),
		)
		if err != nil {
			log.Fatalln("Failed to create the lock:", err)
		}
	}

	d.RegisterPeerListener(&ivshmem.PeerFuncs{
		Connect: func(peer, vectors int) {
			for _, l := range locks {
				l.AddPeer(peer)
			}
			emit(peerEvent{Event: "connect", Peer: peer, Vectors: vectors})
		},
		Disconnect: func(peer int) {
			for _, l := range locks {
				l.RemovePeer(peer)
			}
			emit(peerEvent{Event: "disconnect", Peer: peer})
		},
	})
	for _, peer := range d.Peers() {
		for _, l := range locks {
			l.AddPeer(peer)
		}
		vectors, _ := d.Vectors(peer)
		emit(peerEvent{Event: "present", Peer: peer, Vectors: vectors})
	}

	counter, err := ivshmem.NewAtomic[int64](d.Region(), cfg.Counter.Offset)
	if err != nil {
		log.Fatalln("Failed to create the counter:", err)
	}

	logger.Info("doorbell: ready", "peer", d.OwnPeerID(), "vectors", d.OwnVectors(), "size", d.Region().Size())

	var workers errgroup.Group
	for _, l := range locks {
		workers.Go(func() error {
			return increment(ctx, l, counter, cfg.Counter.Increments)
		})
	}

	if err := workers.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("doorbell: worker failed", "error", err)
	} else {
		v, _ := counter.Load()
		logger.Info("doorbell: increments done", "counter", v)
	}

	<-ctx.Done()
	d.Close()
	if err := g.Wait(); err != nil {
		logger.Error("doorbell: loop failed", "error", err)
	}
}

func increment(ctx context.Context, l *ivshmem.Lock, counter *ivshmem.Atomic[int64], n int) error {
	for range n {
		if err := l.AcquireContext(ctx); err != nil {
			return err
		}
		v, err := counter.Load()
		if err == nil {
			err = counter.Store(v + 1)
		}
		if rerr := l.Release(); err == nil {
			err = rerr
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func emit(ev peerEvent) {
	line, err := sonnet.Marshal(ev)
	if err != nil {
		slog.Warn("doorbell: encode event", "error", err)
		return
	}
	os.Stdout.Write(append(line, '\n'))
}
