// Command tf-builder runs one timeframe builder: it bootstraps against a
// scheduler, reports capacity over periodic heartbeats, admits
// BuildInstructions into the four-stage admission/fetch/pace/merge
// pipeline, and writes each completed timeframe's merged fragments to an
// output directory.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/rocketbitz/tf-pipeline/builder"
	"github.com/rocketbitz/tf-pipeline/cmd/internal/exitcode"
	"github.com/rocketbitz/tf-pipeline/cmd/internal/procutil"
	"github.com/rocketbitz/tf-pipeline/cmd/internal/rpcclient"
	"github.com/rocketbitz/tf-pipeline/config"
	fi "github.com/rocketbitz/tf-pipeline/fi"
	"github.com/rocketbitz/tf-pipeline/tf"
	"github.com/rocketbitz/tf-pipeline/transport"
	"github.com/rocketbitz/tf-pipeline/wire"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "tf-builder: %v\n", err)
		os.Exit(int(exitcode.From(err)))
	}
}

func run() error {
	var (
		configPath     string
		provider       string
		schedulerNode  string
		schedulerSvc   string
		componentID    string
		totalBytes     uint64
		outputDir      string
		heartbeatEvery time.Duration
		metricsAddr    string
		logLevel       string
	)

	fs := pflag.NewFlagSet("tf-builder", pflag.ContinueOnError)
	fs.StringVar(&configPath, "config", "", "path to a YAML settings file (config.DefaultSettings applies when omitted)")
	fs.StringVar(&provider, "provider", "", "libfabric provider override")
	fs.StringVar(&schedulerNode, "scheduler-node", "", "scheduler bootstrap node")
	fs.StringVar(&schedulerSvc, "scheduler-service", "", "scheduler bootstrap service (port)")
	fs.StringVar(&componentID, "component-id", "", "this builder's component id (required)")
	fs.Uint64Var(&totalBytes, "capacity-bytes", 256<<20, "total reservable capacity this builder reports")
	fs.StringVar(&outputDir, "output-dir", "", "directory to write merged timeframes into (required)")
	fs.DurationVar(&heartbeatEvery, "heartbeat-interval", 3*time.Second, "interval between capacity heartbeats")
	fs.StringVar(&metricsAddr, "metrics-addr", ":9092", "address to serve Prometheus /metrics on")
	fs.StringVar(&logLevel, "log-level", "", "log level override (debug, info, warn, error)")
	fs.BoolP("help", "h", false, "show help")
	if err := fs.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return exitcode.Wrap(exitcode.ConfigError, err)
	}

	settings := config.DefaultSettings()
	if configPath != "" {
		var err error
		settings, err = config.Load(configPath)
		if err != nil {
			return exitcode.Wrap(exitcode.ConfigError, err)
		}
	}
	if provider != "" {
		settings.Bootstrap.Provider = provider
	}
	if schedulerNode != "" {
		settings.Bootstrap.Node = schedulerNode
	}
	if schedulerSvc != "" {
		settings.Bootstrap.Service = schedulerSvc
	}
	if logLevel != "" {
		settings.LogLevel = logLevel
	}
	if componentID == "" {
		return exitcode.Wrap(exitcode.ConfigError, errors.New("tf-builder: --component-id is required"))
	}
	if outputDir == "" {
		return exitcode.Wrap(exitcode.ConfigError, errors.New("tf-builder: --output-dir is required"))
	}
	if settings.Bootstrap.Service == "" {
		return exitcode.Wrap(exitcode.ConfigError, errors.New("tf-builder: --scheduler-service (or bootstrap.service in the settings file) is required"))
	}
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return exitcode.Wrap(exitcode.ConfigError, fmt.Errorf("create output dir: %w", err))
	}

	logger, err := procutil.NewLogger(settings.LogLevel)
	if err != nil {
		return exitcode.Wrap(exitcode.ConfigError, err)
	}
	defer logger.Sync() //nolint:errcheck

	metrics, err := transport.NewPrometheusMetrics(transport.PrometheusMetricsOptions{
		Namespace:   "tf",
		Subsystem:   "builder",
		ConstLabels: map[string]string{"component_id": componentID},
	})
	if err != nil {
		return exitcode.Wrap(exitcode.ConfigError, fmt.Errorf("register metrics: %w", err))
	}

	ctx, stop := procutil.ShutdownContext()
	defer stop()

	peer, err := transport.Dial(transport.Config{
		Provider:         settings.Bootstrap.Provider,
		Role:             transport.RoleBuilder,
		ComponentID:      componentID,
		Logger:           logger,
		StructuredLogger: logger,
		Metrics:          metrics,
	})
	if err != nil {
		return exitcode.Wrap(exitcode.TransportSetupFailure, fmt.Errorf("dial RDM endpoint: %w", err))
	}
	defer peer.Close()

	localAddr, err := peer.LocalAddress()
	if err != nil {
		return exitcode.Wrap(exitcode.TransportSetupFailure, fmt.Errorf("query local RDM address: %w", err))
	}

	conn, err := transport.Connect(transport.BootstrapConfig{
		Provider: settings.Bootstrap.Provider,
		Node:     settings.Bootstrap.Node,
		Service:  settings.Bootstrap.Service,
		Logger:   logger,
		Metrics:  metrics,
		Timeout:  5 * time.Second,
	})
	if err != nil {
		return exitcode.Wrap(exitcode.TransportSetupFailure, fmt.Errorf("connect to scheduler bootstrap: %w", err))
	}
	schedulerRaw, err := conn.ExchangeAddress(ctx, localAddr)
	conn.Close()
	if err != nil {
		return exitcode.Wrap(exitcode.TransportSetupFailure, fmt.Errorf("exchange address with scheduler: %w", err))
	}
	schedulerAddr, err := peer.RegisterPeer(schedulerRaw)
	if err != nil {
		return exitcode.Wrap(exitcode.PeerAuthFailure, fmt.Errorf("register scheduler address: %w", err))
	}

	addresses := builder.NewAddressBook()
	capacity := builder.NewCapacity(totalBytes)
	fetchPool := builder.NewFetchPool(peer, addresses, componentID, settings.Builder.PerSenderFetchCap)
	pacer := builder.NewPacer(settings.Builder.RetainFirstFragmentPerEquipment)
	querier := &schedulerQuerier{peer: peer, scheduler: schedulerAddr, builderID: componentID}
	writer := &mergeWriter{dir: outputDir, logger: logger}
	acker := builder.NewSchedulerAcker(peer, schedulerAddr, componentID)
	mergeAndAck := func(admitted builder.AdmittedTf, fetched map[tf.EquipmentID][]byte) error {
		if err := writer.merge(admitted, fetched); err != nil {
			return err
		}
		if err := acker.Ack(ctx, admitted.TfID); err != nil {
			logger.Debugw("build complete ack failed", "tf_id", admitted.TfID, "error", err)
		}
		return nil
	}
	pipeline := builder.NewPipeline(capacity, fetchPool, pacer, querier, mergeAndAck, 4, logger)
	handler := builder.NewHandler(pipeline, addresses, peer)
	heartbeats := builder.NewHeartbeatClient(peer, schedulerAddr, componentID, capacity)

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		if err := pipeline.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Errorw("pipeline exited with error", "error", err)
		}
	}()
	go func() {
		defer wg.Done()
		controlLoop(ctx, peer, handler, logger)
	}()
	go func() {
		defer wg.Done()
		heartbeatLoop(ctx, heartbeats, heartbeatEvery, logger)
	}()

	logger.Infow("tf-builder ready", "component_id", componentID, "capacity_bytes", totalBytes, "output_dir", outputDir, "metrics_addr", metricsAddr)
	if err := procutil.ServeMetrics(ctx, metricsAddr, logger); err != nil {
		logger.Errorw("metrics server exited with error", "error", err)
	}
	pipeline.Stop()
	wg.Wait()
	return nil
}

// schedulerQuerier implements builder.NumStfsQuerier against the
// scheduler's NumberOfStfs RPC.
type schedulerQuerier struct {
	peer      *transport.Peer
	scheduler fi.Address
	builderID string

	correlation uint64
	mu          sync.Mutex
}

func (q *schedulerQuerier) NumberOfStfs(ctx context.Context) (uint64, error) {
	q.mu.Lock()
	q.correlation++
	id := q.correlation
	q.mu.Unlock()

	var reply wire.NumberOfStfsReply
	err := rpcclient.Call(ctx, q.peer, q.scheduler, wire.MethodNumberOfStfs, id, wire.NumberOfStfsRequest{BuilderID: q.builderID}, &reply)
	return reply.Count, err
}

// mergeWriter implements builder.MergeFunc, writing each completed
// timeframe's fragments to one file per equipment under dir/tf-<id>/,
// ordered by equipment string for a deterministic directory listing.
type mergeWriter struct {
	dir    string
	logger *zap.SugaredLogger
}

func (w *mergeWriter) merge(admitted builder.AdmittedTf, fetched map[tf.EquipmentID][]byte) error {
	tfDir := filepath.Join(w.dir, admitted.TfID.String())
	if err := os.MkdirAll(tfDir, 0o755); err != nil {
		return fmt.Errorf("builder: create tf dir: %w", err)
	}

	equips := make([]tf.EquipmentID, 0, len(fetched))
	for e := range fetched {
		equips = append(equips, e)
	}
	sort.Slice(equips, func(i, j int) bool { return equips[i].String() < equips[j].String() })

	for _, e := range equips {
		path := filepath.Join(tfDir, e.String()+".bin")
		// EquipmentID.String is "<origin>/<subspec>", so each origin gets
		// its own subdirectory under tfDir.
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return fmt.Errorf("builder: create equipment dir: %w", err)
		}
		if err := os.WriteFile(path, fetched[e], 0o644); err != nil {
			return fmt.Errorf("builder: write equipment %s: %w", e, err)
		}
	}
	w.logger.Debugw("merged timeframe", "tf_id", admitted.TfID, "equipment_count", len(equips))
	return nil
}

func heartbeatLoop(ctx context.Context, client *builder.HeartbeatClient, interval time.Duration, logger *zap.SugaredLogger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := client.Send(ctx); err != nil {
				logger.Debugw("heartbeat failed", "error", err)
			}
		}
	}
}

func controlLoop(ctx context.Context, peer *transport.Peer, handler *builder.Handler, logger *zap.SugaredLogger) {
	for {
		if ctx.Err() != nil {
			return
		}
		buf := make([]byte, rpcclient.ReplyBufferSize)
		msg, err := peer.RecvTagged(ctx, wire.TagControl, buf)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Debugw("control receive failed", "error", err)
			continue
		}
		go handleRequest(ctx, peer, handler, logger, msg)
	}
}

func handleRequest(ctx context.Context, peer *transport.Peer, handler *builder.Handler, logger *zap.SugaredLogger, msg *transport.TaggedMessage) {
	env, err := wire.DecodeEnvelope(msg.Payload)
	if err != nil {
		logger.Errorw("decode control envelope failed", "error", err)
		return
	}
	if env.Reply {
		return
	}
	replyEnv, err := handler.Dispatch(env)
	if err != nil {
		logger.Errorw("dispatch control rpc failed", "method", env.Method, "error", err)
		return
	}
	out, err := wire.EncodeEnvelope(replyEnv)
	if err != nil {
		logger.Errorw("encode control reply failed", "error", err)
		return
	}
	if err := peer.SendTagged(ctx, msg.Source, wire.TagControl, out); err != nil {
		logger.Errorw("send control reply failed", "error", err)
	}
}
