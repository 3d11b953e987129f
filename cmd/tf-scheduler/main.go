// Command tf-scheduler runs the TF pipeline's scheduler: the rendezvous
// point every sender and builder bootstraps against, the per-timeframe
// assignment state machine, and the liveness sweep that re-drops work
// assigned to a builder that stops heartbeating.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/rocketbitz/tf-pipeline/cmd/internal/exitcode"
	"github.com/rocketbitz/tf-pipeline/cmd/internal/procutil"
	"github.com/rocketbitz/tf-pipeline/cmd/internal/rpcclient"
	"github.com/rocketbitz/tf-pipeline/config"
	fi "github.com/rocketbitz/tf-pipeline/fi"
	"github.com/rocketbitz/tf-pipeline/scheduler"
	"github.com/rocketbitz/tf-pipeline/tf"
	"github.com/rocketbitz/tf-pipeline/transport"
	"github.com/rocketbitz/tf-pipeline/wire"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "tf-scheduler: %v\n", err)
		os.Exit(int(exitcode.From(err)))
	}
}

func run() error {
	var (
		configPath  string
		provider    string
		node        string
		service     string
		componentID string
		metricsAddr string
		logLevel    string
	)

	fs := pflag.NewFlagSet("tf-scheduler", pflag.ContinueOnError)
	fs.StringVar(&configPath, "config", "", "path to a YAML settings file (config.DefaultSettings applies when omitted)")
	fs.StringVar(&provider, "provider", "", "libfabric provider override")
	fs.StringVar(&node, "node", "", "bootstrap node override")
	fs.StringVar(&service, "service", "", "bootstrap service (port) override")
	fs.StringVar(&componentID, "component-id", "scheduler", "this scheduler's component id, for logging")
	fs.StringVar(&metricsAddr, "metrics-addr", ":9090", "address to serve Prometheus /metrics on")
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
	if node != "" {
		settings.Bootstrap.Node = node
	}
	if service != "" {
		settings.Bootstrap.Service = service
	}
	if logLevel != "" {
		settings.LogLevel = logLevel
	}
	if settings.Bootstrap.Service == "" {
		return exitcode.Wrap(exitcode.ConfigError, errors.New("tf-scheduler: --service (or bootstrap.service in the settings file) is required"))
	}

	logger, err := procutil.NewLogger(settings.LogLevel)
	if err != nil {
		return exitcode.Wrap(exitcode.ConfigError, err)
	}
	defer logger.Sync() //nolint:errcheck

	metrics, err := transport.NewPrometheusMetrics(transport.PrometheusMetricsOptions{
		Namespace: "tf",
		Subsystem: "scheduler",
	})
	if err != nil {
		return exitcode.Wrap(exitcode.ConfigError, fmt.Errorf("register metrics: %w", err))
	}

	ctx, stop := procutil.ShutdownContext()
	defer stop()

	peer, err := transport.Dial(transport.Config{
		Provider:         settings.Bootstrap.Provider,
		Role:             transport.RoleScheduler,
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

	listener, err := transport.Listen(transport.BootstrapConfig{
		Provider: settings.Bootstrap.Provider,
		Node:     settings.Bootstrap.Node,
		Service:  settings.Bootstrap.Service,
		Logger:   logger,
		Metrics:  metrics,
	})
	if err != nil {
		return exitcode.Wrap(exitcode.TransportSetupFailure, fmt.Errorf("listen for bootstrap connections: %w", err))
	}
	defer listener.Close()

	directory := newComponentDirectory()
	sched := scheduler.New(time.Duration(settings.Scheduler.FailureBackoff))
	handler := scheduler.NewHandler(sched, &schedulerDispatcher{peer: peer, directory: directory}, logger)
	handler.BuilderLiveness = scheduler.NewLivenessTracker(time.Duration(settings.Scheduler.DeadAfter))
	handler.SenderLiveness = scheduler.NewLivenessTracker(time.Duration(settings.Scheduler.DeadAfter))
	handler.SetState(tf.PartitionConfiguring, "waiting for bootstrap connections")

	var wg sync.WaitGroup
	wg.Add(4)
	go func() {
		defer wg.Done()
		acceptLoop(ctx, listener, peer, localAddr, logger)
	}()
	go func() {
		defer wg.Done()
		controlLoop(ctx, peer, handler, directory, logger)
	}()
	go func() {
		defer wg.Done()
		livenessLoop(ctx, handler, time.Duration(settings.Scheduler.DeadAfter), time.Duration(settings.Scheduler.GatheringDeadline))
	}()
	go func() {
		defer wg.Done()
		if err := procutil.ServeMetrics(ctx, metricsAddr, logger); err != nil {
			logger.Errorw("metrics server exited with error", "error", err)
		}
	}()

	handler.SetState(tf.PartitionConfigured, "accepting senders and builders")
	logger.Infow("tf-scheduler ready",
		"partition_id", sched.PartitionID,
		"service", settings.Bootstrap.Service,
		"metrics_addr", metricsAddr,
	)

	<-ctx.Done()
	handler.SetState(tf.PartitionTerminating, "shutdown signal received")
	wg.Wait()
	handler.SetState(tf.PartitionTerminated, "shutdown complete")
	return nil
}

// acceptLoop answers every bootstrap connection with the scheduler's own
// RDM address and registers the caller's address in return, so the first
// control RPC from that caller can be sent and replied to immediately.
// The caller's component ID isn't known at this point — only its address
// is — controlLoop learns the ID/address pairing from the caller's first
// Heartbeat or StfAnnounce.
func acceptLoop(ctx context.Context, listener *transport.BootstrapListener, peer *transport.Peer, localAddr []byte, logger *zap.SugaredLogger) {
	for {
		if ctx.Err() != nil {
			return
		}
		conn, err := listener.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Debugw("bootstrap accept failed", "error", err)
			continue
		}
		go func() {
			defer conn.Close()
			remoteAddr, err := conn.ExchangeAddress(ctx, localAddr)
			if err != nil {
				logger.Debugw("bootstrap address exchange failed", "error", err)
				return
			}
			if _, err := peer.RegisterPeer(remoteAddr); err != nil {
				logger.Errorw("register bootstrapped peer failed", "error", err)
			}
		}()
	}
}

// controlLoop is the scheduler's single inbound control-RPC receive loop.
// Every request shares wire.TagControl with the replies
// schedulerDispatcher's own outbound calls wait for; a reply envelope
// landing here instead of in rpcclient.Call's matching receive is the
// known cross-match risk transport.Peer's tag-only matching carries (see
// DESIGN.md) and is simply logged and dropped.
func controlLoop(ctx context.Context, peer *transport.Peer, handler *scheduler.Handler, directory *componentDirectory, logger *zap.SugaredLogger) {
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
		go handleControlMessage(ctx, peer, handler, directory, logger, msg)
	}
}

func handleControlMessage(ctx context.Context, peer *transport.Peer, handler *scheduler.Handler, directory *componentDirectory, logger *zap.SugaredLogger, msg *transport.TaggedMessage) {
	env, err := wire.DecodeEnvelope(msg.Payload)
	if err != nil {
		logger.Errorw("decode control envelope failed", "error", err)
		return
	}
	if env.Reply {
		logger.Debugw("dropped stray control reply", "method", env.Method)
		return
	}
	directory.observe(env, msg.Source)

	replyEnv, err := handler.Dispatch(ctx, env)
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

func livenessLoop(ctx context.Context, handler *scheduler.Handler, deadAfter, gatheringDeadline time.Duration) {
	if deadAfter <= 0 {
		deadAfter = scheduler.DefaultDeadTimeout
	}
	if gatheringDeadline <= 0 {
		gatheringDeadline = deadAfter
	}
	interval := deadAfter / 2
	if gatheringDeadline/2 < interval {
		interval = gatheringDeadline / 2
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			handler.SweepDeadBuilders(ctx)
			handler.SweepDeadSenders()
			handler.SweepIncompleteGathering(ctx, gatheringDeadline)
		}
	}
}

// componentDirectory resolves a component ID to the fi.Address its first
// control RPC arrived from, so schedulerDispatcher can address its own
// outbound BuildInstruction/DropTf calls.
type componentDirectory struct {
	mu   sync.RWMutex
	addr map[string]fi.Address
}

func newComponentDirectory() *componentDirectory {
	return &componentDirectory{addr: make(map[string]fi.Address)}
}

func (d *componentDirectory) set(id string, addr fi.Address) {
	if id == "" {
		return
	}
	d.mu.Lock()
	d.addr[id] = addr
	d.mu.Unlock()
}

func (d *componentDirectory) get(id string) (fi.Address, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	addr, ok := d.addr[id]
	return addr, ok
}

func (d *componentDirectory) observe(env wire.Envelope, source fi.Address) {
	switch env.Method {
	case wire.MethodHeartbeat:
		var req wire.HeartbeatRequest
		if wire.DecodeBody(env.Body, &req) == nil {
			d.set(req.ComponentID, source)
		}
	case wire.MethodStfAnnounce:
		var req wire.StfAnnounceRequest
		if wire.DecodeBody(env.Body, &req) == nil {
			d.set(req.SenderID, source)
		}
	case wire.MethodNumberOfStfs:
		var req wire.NumberOfStfsRequest
		if wire.DecodeBody(env.Body, &req) == nil {
			d.set(req.BuilderID, source)
		}
	}
}

// schedulerDispatcher implements scheduler.Dispatcher over the same Peer
// controlLoop serves requests on, addressing outbound calls through
// directory rather than a fixed peer list.
type schedulerDispatcher struct {
	peer      *transport.Peer
	directory *componentDirectory

	nextCorrelationID atomic.Uint64
}

var _ scheduler.Dispatcher = (*schedulerDispatcher)(nil)

func (d *schedulerDispatcher) SendBuildInstruction(ctx context.Context, builderID string, req wire.BuildInstructionRequest) (wire.BuildInstructionReply, error) {
	addr, ok := d.directory.get(builderID)
	if !ok {
		return wire.BuildInstructionReply{}, tf.Classify(tf.ErrPeerGone, fmt.Errorf("tf-scheduler: no known address for builder %s", builderID))
	}
	var reply wire.BuildInstructionReply
	err := rpcclient.Call(ctx, d.peer, addr, wire.MethodBuildInstruction, d.nextCorrelationID.Add(1), req, &reply)
	return reply, err
}

func (d *schedulerDispatcher) SendDropTf(ctx context.Context, targetID string, req wire.DropTfRequest) (wire.DropTfReply, error) {
	addr, ok := d.directory.get(targetID)
	if !ok {
		return wire.DropTfReply{}, tf.Classify(tf.ErrPeerGone, fmt.Errorf("tf-scheduler: no known address for %s", targetID))
	}
	var reply wire.DropTfReply
	err := rpcclient.Call(ctx, d.peer, addr, wire.MethodDropTf, d.nextCorrelationID.Add(1), req, &reply)
	return reply, err
}
