// Command tf-sender runs one readout-equipment sender: it bootstraps
// against a scheduler, heartbeats and announces synthetic timeframe
// fragments, and serves the FetchRequest/DropTf RPCs a builder issues to
// pull those fragments over RMA.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/rocketbitz/tf-pipeline/cmd/internal/exitcode"
	"github.com/rocketbitz/tf-pipeline/cmd/internal/procutil"
	"github.com/rocketbitz/tf-pipeline/cmd/internal/rpcclient"
	"github.com/rocketbitz/tf-pipeline/config"
	fi "github.com/rocketbitz/tf-pipeline/fi"
	"github.com/rocketbitz/tf-pipeline/sender"
	"github.com/rocketbitz/tf-pipeline/tf"
	"github.com/rocketbitz/tf-pipeline/transport"
	"github.com/rocketbitz/tf-pipeline/wire"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "tf-sender: %v\n", err)
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
		equipmentList  string
		interval       time.Duration
		fragmentBytes  int
		regionCapacity int
		metricsAddr    string
		logLevel       string
	)

	fs := pflag.NewFlagSet("tf-sender", pflag.ContinueOnError)
	fs.StringVar(&configPath, "config", "", "path to a YAML settings file (config.DefaultSettings applies when omitted)")
	fs.StringVar(&provider, "provider", "", "libfabric provider override")
	fs.StringVar(&schedulerNode, "scheduler-node", "", "scheduler bootstrap node")
	fs.StringVar(&schedulerSvc, "scheduler-service", "", "scheduler bootstrap service (port)")
	fs.StringVar(&componentID, "component-id", "", "this sender's component id (required)")
	fs.StringVar(&equipmentList, "equipment", "readout-0", "comma-separated list of equipment IDs this sender produces fragments for")
	fs.DurationVar(&interval, "interval", time.Second, "interval between synthetic timeframe announcements")
	fs.IntVar(&fragmentBytes, "fragment-bytes", 4096, "synthetic fragment payload size per equipment, in bytes")
	fs.IntVar(&regionCapacity, "region-slots", 64, "number of in-flight timeframes the RMA region buffer can hold at once")
	fs.StringVar(&metricsAddr, "metrics-addr", ":9091", "address to serve Prometheus /metrics on")
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
		return exitcode.Wrap(exitcode.ConfigError, errors.New("tf-sender: --component-id is required"))
	}
	if settings.Bootstrap.Service == "" {
		return exitcode.Wrap(exitcode.ConfigError, errors.New("tf-sender: --scheduler-service (or bootstrap.service in the settings file) is required"))
	}
	equipment := splitNonEmpty(equipmentList)
	if len(equipment) == 0 {
		return exitcode.Wrap(exitcode.ConfigError, errors.New("tf-sender: --equipment must name at least one equipment id"))
	}

	logger, err := procutil.NewLogger(settings.LogLevel)
	if err != nil {
		return exitcode.Wrap(exitcode.ConfigError, err)
	}
	defer logger.Sync() //nolint:errcheck

	metrics, err := transport.NewPrometheusMetrics(transport.PrometheusMetricsOptions{
		Namespace:   "tf",
		Subsystem:   "sender",
		ConstLabels: map[string]string{"component_id": componentID},
	})
	if err != nil {
		return exitcode.Wrap(exitcode.ConfigError, fmt.Errorf("register metrics: %w", err))
	}

	ctx, stop := procutil.ShutdownContext()
	defer stop()

	peer, err := transport.Dial(transport.Config{
		Provider:         settings.Bootstrap.Provider,
		Role:             transport.RoleSender,
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

	bootstrapCfg := transport.BootstrapConfig{
		Provider: settings.Bootstrap.Provider,
		Node:     settings.Bootstrap.Node,
		Service:  settings.Bootstrap.Service,
		Logger:   logger,
		Metrics:  metrics,
		Timeout:  5 * time.Second,
	}
	conn, err := transport.Connect(bootstrapCfg)
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

	region := newFragmentRegion(peer, regionCapacity, fragmentBytes*len(equipment))
	store := sender.NewStore(logger)
	egress := sender.NewEgress(peer, logger, 16)
	defer egress.Close()
	handler := sender.NewHandler(store)

	var dispatcher atomicCorrelation
	gen := &fragmentGenerator{
		componentID:   componentID,
		equipment:     equipment,
		fragmentBytes: fragmentBytes,
		region:        region,
		store:         store,
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		controlLoop(ctx, peer, egress, handler, logger)
	}()
	go func() {
		defer wg.Done()
		heartbeatAndAnnounceLoop(ctx, peer, schedulerAddr, componentID, localAddr, interval, gen, &dispatcher, logger)
	}()

	logger.Infow("tf-sender ready", "component_id", componentID, "equipment", equipment, "metrics_addr", metricsAddr)
	if err := procutil.ServeMetrics(ctx, metricsAddr, logger); err != nil {
		logger.Errorw("metrics server exited with error", "error", err)
	}
	wg.Wait()
	return nil
}

func splitNonEmpty(csv string) []string {
	var out []string
	for _, s := range strings.Split(csv, ",") {
		s = strings.TrimSpace(s)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

// atomicCorrelation hands out unique correlation IDs for outbound
// Heartbeat/StfAnnounce calls sharing this sender's single Peer.
type atomicCorrelation struct {
	mu   sync.Mutex
	next uint64
}

func (a *atomicCorrelation) id() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.next++
	return a.next
}

// fragmentRegion owns one registered memory buffer sized to hold
// capacity in-flight timeframes' worth of synthetic fragment payloads,
// cycling through it round-robin the way a real readout equipment would
// reuse a fixed DMA ring rather than allocate per timeframe.
type fragmentRegion struct {
	buf    []byte
	slot   int
	region *fi.MemoryRegion
}

func newFragmentRegion(peer *transport.Peer, capacity, slotSize int) *fragmentRegion {
	if capacity <= 0 {
		capacity = 1
	}
	if slotSize <= 0 {
		slotSize = 4096
	}
	buf := make([]byte, capacity*slotSize)
	region, err := peer.PublishRegion(buf, fi.MRAccessRemoteRead)
	if err != nil {
		// Fall back to an unregistered buffer; FetchRequest replies will
		// still carry coordinates, but a real provider's RMA reads against
		// them will fail — acceptable only under transport.FallbackPeer,
		// where RMA is served out of the region registry's byte contents
		// directly rather than real hardware DMA.
		return &fragmentRegion{buf: buf}
	}
	return &fragmentRegion{buf: buf, region: region}
}

// nextSlot returns a slice of n bytes and its RMA coordinates, rotating
// through the underlying ring buffer.
func (r *fragmentRegion) nextSlot(n int) ([]byte, uint64, uint64) {
	if n <= 0 || n > len(r.buf) {
		n = len(r.buf)
	}
	if r.slot+n > len(r.buf) {
		r.slot = 0
	}
	slice := r.buf[r.slot : r.slot+n]
	offset := uint64(r.slot)
	r.slot += n
	var key uint64
	if r.region != nil {
		key = r.region.Key()
	}
	return slice, offset, key
}

type fragmentGenerator struct {
	componentID   string
	equipment     []string
	fragmentBytes int
	region        *fragmentRegion
	store         *sender.Store
	nextTfID      tf.ID
}

// announce buffers one synthetic timeframe's worth of fragments (one per
// configured equipment) into store and returns its total byte footprint
// for the StfAnnounce call.
func (g *fragmentGenerator) announce() (tf.ID, uint64, error) {
	g.nextTfID++
	id := g.nextTfID

	fragments := make([]tf.StfFragment, 0, len(g.equipment))
	var total uint64
	for i, name := range g.equipment {
		payload, offset, key := g.region.nextSlot(g.fragmentBytes)
		for j := range payload {
			payload[j] = byte(int(id) + i + j)
		}
		frag := tf.StfFragment{
			TfID:       id,
			Equipment:  tf.EquipmentID{Origin: name, SubSpecification: uint32(i)},
			RemoteAddr: offset,
			RemoteKey:  key,
			Length:     uint64(len(payload)),
		}
		fragments = append(fragments, frag)
		total += frag.TotalBytes()
	}
	if err := g.store.Buffer(id, fragments); err != nil {
		return id, 0, err
	}
	return id, total, nil
}

func heartbeatAndAnnounceLoop(ctx context.Context, peer *transport.Peer, schedulerAddr fi.Address, componentID string, localAddr []byte, interval time.Duration, gen *fragmentGenerator, corr *atomicCorrelation, logger *zap.SugaredLogger) {
	heartbeatTicker := time.NewTicker(interval)
	defer heartbeatTicker.Stop()

	var heartbeatReply wire.HeartbeatReply
	if err := rpcclient.Call(ctx, peer, schedulerAddr, wire.MethodHeartbeat, corr.id(), wire.HeartbeatRequest{
		ComponentID: componentID,
		Address:     localAddr,
	}, &heartbeatReply); err != nil {
		logger.Errorw("initial heartbeat failed", "error", err)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeatTicker.C:
			var hbReply wire.HeartbeatReply
			if err := rpcclient.Call(ctx, peer, schedulerAddr, wire.MethodHeartbeat, corr.id(), wire.HeartbeatRequest{
				ComponentID: componentID,
				Address:     localAddr,
			}, &hbReply); err != nil {
				logger.Debugw("heartbeat failed", "error", err)
				continue
			}

			tfID, totalBytes, err := gen.announce()
			if err != nil {
				logger.Debugw("skip announce", "tf_id", tfID, "error", err)
				continue
			}
			var announceReply wire.StfAnnounceReply
			if err := rpcclient.Call(ctx, peer, schedulerAddr, wire.MethodStfAnnounce, corr.id(), wire.StfAnnounceRequest{
				SenderID:   componentID,
				TfID:       tfID,
				TotalBytes: totalBytes,
			}, &announceReply); err != nil {
				logger.Debugw("announce failed", "tf_id", tfID, "error", err)
				continue
			}
			if !announceReply.Accepted {
				logger.Debugw("announce rejected", "tf_id", tfID, "reason", announceReply.Reason)
				gen.store.Drop(tfID)
			}
		}
	}
}

// controlLoop serves inbound FetchRequest/DropTf calls from builders.
// Replies route back through egress, keyed by the builder ID the request
// carries, so concurrent builders never interleave writes on the wire —
// the same per-destination FIFO discipline egress already provides for
// fragment delivery.
func controlLoop(ctx context.Context, peer *transport.Peer, egress *sender.Egress, handler *sender.Handler, logger *zap.SugaredLogger) {
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
		go handleRequest(ctx, egress, handler, logger, msg)
	}
}

func handleRequest(ctx context.Context, egress *sender.Egress, handler *sender.Handler, logger *zap.SugaredLogger, msg *transport.TaggedMessage) {
	env, err := wire.DecodeEnvelope(msg.Payload)
	if err != nil {
		logger.Errorw("decode control envelope failed", "error", err)
		return
	}
	if env.Reply {
		return
	}

	builderID := requestBuilderID(env)
	replyEnv, err := handler.Dispatch(env)
	if err != nil {
		logger.Errorw("dispatch control rpc failed", "method", env.Method, "error", err)
		return
	}
	if err := egress.Send(ctx, builderID, msg.Source, wire.TagControl, replyEnv); err != nil {
		logger.Errorw("queue control reply failed", "error", err)
	}
}

func requestBuilderID(env wire.Envelope) string {
	switch env.Method {
	case wire.MethodFetchRequest:
		var req wire.FetchRequestRequest
		if wire.DecodeBody(env.Body, &req) == nil {
			return req.BuilderID
		}
	}
	return ""
}
