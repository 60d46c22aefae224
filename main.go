package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/mazanetwork/maza/services/chain"
	"github.com/mazanetwork/maza/services/core"
	"github.com/mazanetwork/maza/services/p2p"
	"github.com/mazanetwork/maza/services/rpc"
	"github.com/mazanetwork/maza/services/snode"
	"github.com/mazanetwork/maza/settings"
	"github.com/mazanetwork/maza/stores/snodestore"
	"github.com/mazanetwork/maza/ulogger"
	"github.com/ordishs/gocore"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"
)

const progname = "maza-snode"

var version, commit string

func main() {
	app := &cli.App{
		Name:  progname,
		Usage: "service node coordination layer",
		Commands: []*cli.Command{
			{
				Name:  "start",
				Usage: "run the coordination layer (dev sandbox uses the in-memory chain view)",
				Action: func(c *cli.Context) error {
					return start(c.Context)
				},
			},
			{
				Name:  "version",
				Usage: "print version information",
				Action: func(*cli.Context) error {
					fmt.Printf("%s %s (%s)\n", progname, version, commit)
					return nil
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// start wires the coordination layer. The chain view and connection manager
// are provided by the surrounding node in production; the standalone binary
// runs against the in-memory implementations for development.
func start(ctx context.Context) error {
	logLevel, _ := gocore.Config().Get("logLevel", "INFO")
	logger := ulogger.New("snode", logLevel)

	tSettings, err := settings.NewSettings()
	if err != nil {
		return err
	}

	logger.Infof("[%s] starting on %s", progname, tSettings.ChainParams.Name)

	var store snodestore.Store
	if tSettings.StoreURL != nil {
		store, err = snodestore.NewStore(logger, tSettings.StoreURL)
		if err != nil {
			return err
		}
		defer func() { _ = store.Close() }()
	}

	chainView := chain.NewMock()
	connman := p2p.NewMockConnManager()

	flags := snode.StaticFlags{
		NewSignatures:      gocore.Config().GetBool("spork_newsigs", true),
		PaymentEnforcement: gocore.Config().GetBool("spork_payment_enforcement", true),
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	c := core.NewCore(logger, tSettings, chainView, connman, flags, store)

	if err := c.Init(ctx); err != nil {
		return err
	}
	if err := c.Start(ctx); err != nil {
		return err
	}

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		server := rpc.New(logger, tSettings, c)
		return server.Start(gCtx)
	})

	g.Go(func() error {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

		select {
		case <-gCtx.Done():
			return gCtx.Err()
		case sig := <-sigCh:
			logger.Infof("[%s] received %s, shutting down", progname, sig)
			cancel()
			return c.Stop(context.Background())
		}
	})

	if err := g.Wait(); err != nil && err != context.Canceled {
		return err
	}
	return nil
}
