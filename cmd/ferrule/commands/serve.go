package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/ferrule/ferrule/internal/collab/memroute"
	"github.com/ferrule/ferrule/internal/config"
	"github.com/ferrule/ferrule/internal/control"
	"github.com/ferrule/ferrule/internal/controlapi"
	"github.com/ferrule/ferrule/internal/datapath"
	"github.com/ferrule/ferrule/internal/logger"
	"github.com/ferrule/ferrule/internal/metrics"
	"github.com/ferrule/ferrule/internal/nexthop"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the neighbor-resolution control loop and operator API",
	Long: `serve starts the control loop that owns the nexthop pools, the
bridge that receives data-plane misses, and (if enabled) the HTTP control
API and Prometheus metrics endpoint.`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	}); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var reg prometheus.Gatherer
	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		r := prometheus.NewRegistry()
		reg = r
		m = metrics.New(r)
	}

	routes := memroute.New()

	// dp is constructed after loop (it needs loop.PostMiss) but loop's
	// Reinject callback needs dp.Transmit; the closure below captures dp by
	// reference so it only has to be valid once Run starts, not at
	// construction time.
	var dp *datapath.Pool
	loopCfg := cfg.ToLoopConfig()
	loopCfg.Metrics = m

	if cfg.Persistence.Enabled {
		snap, err := nexthop.OpenSnapshotter(cfg.Persistence.Path, cfg.Persistence.MaxSize.Uint64())
		if err != nil {
			return fmt.Errorf("open static nexthop snapshot: %w", err)
		}
		defer snap.Close()
		loopCfg.Snapshot = snap
	}
	loopCfg.Reinject = func(nh *nexthop.Nexthop, pkt nexthop.HeldPacket) {
		if dp != nil {
			dp.Deliver(nh.IfaceID, nh.GetLLAddr(), pkt.Data)
		}
	}
	loop := control.New(loopCfg, routes, routes)
	dp = datapath.New(datapath.Config{Metrics: m, Ifaces: routes}, routes, loop, nil)

	go loop.Run(ctx)
	go dp.Run(ctx)

	var apiSrv *controlapi.Server
	if cfg.ControlAPI.Enabled {
		apiSrv = controlapi.NewServer(cfg.ControlAPI.Addr, loop, reg)
		go func() {
			if err := apiSrv.Start(ctx); err != nil {
				logger.Error("control API stopped", logger.Err(err))
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	logger.Info("ferrule serving, press ctrl+c to stop")
	<-sigCh

	logger.Info("shutdown signal received")
	cancel()
	loop.Stop(cfg.ShutdownTimeout)
	return nil
}
