package tracker

import (
	"context"
	"fmt"
	"hash/fnv"
	"sort"
	"sync"
	"time"

	"trackerbot/internal/connector"
	"trackerbot/internal/eventbus"
	"trackerbot/internal/params"
	rtsup "trackerbot/internal/runtime/supervisor"
	"trackerbot/internal/storage"
	logx "trackerbot/pkg/logx"
)

// Registry owns the set of running poll loops and reconciles it against the
// channel table ("actualize"). Channels whose config is unchanged keep their
// loop and poll state; everything else is stopped, started or rebuilt.
type Registry struct {
	store  storage.Store
	state  StateStore
	params *params.Store
	sink   ChangeSink
	bus    eventbus.Bus
	log    logx.Logger

	// actMu serializes reconcile passes end to end: diff, teardown, rebuild
	// and suspension notices. Without it two overlapping Actualize calls can
	// both see a channel as new and leave an orphaned poll loop behind.
	actMu sync.Mutex

	mu      sync.RWMutex
	runners map[int64]*runner

	sup    *rtsup.Supervisor
	sem    chan struct{}
	runCtx context.Context

	stMu           sync.Mutex
	nextActualize  time.Time
	lastActualized time.Time
}

func NewRegistry(store storage.Store, state StateStore, ps *params.Store, sink ChangeSink, bus eventbus.Bus, log logx.Logger) *Registry {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Registry{
		store:   store,
		state:   state,
		params:  ps,
		sink:    sink,
		bus:     bus,
		log:     log,
		runners: make(map[int64]*runner),
	}
}

// Start launches the poll loops and the periodic actualizer.
func (g *Registry) Start(ctx context.Context) error {
	conc := g.params.Int("POLL_CONCURRENCY")
	if conc <= 0 {
		conc = 4
	}
	g.sem = make(chan struct{}, conc)
	g.runCtx = ctx
	g.sup = rtsup.New(ctx,
		rtsup.WithLogger(g.log.With(logx.String("comp", "tracker"))),
		rtsup.WithCancelOnError(false),
	)

	if err := g.Actualize(ctx); err != nil {
		return err
	}

	g.sup.GoRestart("actualize.loop", func(c context.Context) error {
		for {
			// Re-read the interval each round so a parameter reload
			// takes effect without a restart.
			interval := g.params.String("ACTUALIZE_INTERVAL")
			spec, err := ParseSpec(interval)
			if err != nil {
				g.log.Error("invalid ACTUALIZE_INTERVAL, actualizer paused",
					logx.String("value", interval), logx.Err(err))
				return err
			}
			next := spec.Next(time.Now())
			g.stMu.Lock()
			g.nextActualize = next
			g.stMu.Unlock()

			timer := time.NewTimer(time.Until(next))
			select {
			case <-c.Done():
				timer.Stop()
				return nil
			case <-timer.C:
			}
			if err := g.Actualize(c); err != nil && c.Err() == nil {
				g.log.Error("actualize failed", logx.Err(err))
			}
		}
	}, rtsup.WithRestartBackoff(5*time.Second, time.Minute))

	return nil
}

// Stop cancels all poll loops and waits for them to exit.
func (g *Registry) Stop(ctx context.Context) error {
	if g.sup == nil {
		return nil
	}
	g.sup.Cancel()

	// An in-flight reconcile must finish before the drain, or it could
	// register a runner after the map is emptied.
	g.actMu.Lock()
	defer g.actMu.Unlock()

	g.mu.Lock()
	runners := make([]*runner, 0, len(g.runners))
	for _, r := range g.runners {
		runners = append(runners, r)
	}
	g.runners = make(map[int64]*runner)
	g.mu.Unlock()

	for _, r := range runners {
		r.stop()
	}
	return g.sup.Wait(ctx)
}

// transition records a channel whose runner set membership changed during
// one actualize pass.
type transition struct {
	ch      storage.Channel
	started bool
}

// Actualize reconciles running loops with the channel table. Channels with
// unchanged config keep their poll state untouched.
func (g *Registry) Actualize(ctx context.Context) error {
	g.actMu.Lock()
	defer g.actMu.Unlock()

	channels, err := g.store.Channels(ctx)
	if err != nil {
		return fmt.Errorf("load channels: %w", err)
	}

	desired := make(map[int64]storage.Channel, len(channels))
	for _, ch := range channels {
		desired[ch.ID] = ch
	}

	var (
		stopped []*runner
		trans   []transition
	)

	g.mu.Lock()
	// Stop loops for removed channels and for channels whose config changed.
	for id, r := range g.runners {
		ch, keep := desired[id]
		if keep && configHash(ch) == r.hash {
			delete(desired, id)
			continue
		}
		delete(g.runners, id)
		stopped = append(stopped, r)
		if !keep {
			trans = append(trans, transition{ch: r.ch, started: false})
		}
	}
	g.mu.Unlock()

	// Stopping blocks until the loop exits, so a removed channel never
	// polls again after this point.
	for _, r := range stopped {
		r.stop()
	}

	// Start loops for new channels and rebuilt configs.
	for _, ch := range desired {
		r, err := g.buildRunner(ch)
		if err != nil {
			g.log.Error("channel configuration rejected",
				logx.String("channel", ch.Identifier), logx.Err(err))
			g.sink.NotifyAdmins(ctx, fmt.Sprintf("Channel %s is misconfigured: %v", ch.Identifier, err))
			continue
		}
		g.mu.Lock()
		g.runners[ch.ID] = r
		g.mu.Unlock()
		// Each loop runs under its private cancellable context so stop()
		// can take down a single channel.
		g.sup.Go0(fmt.Sprintf("listener.%d", ch.ID), func(context.Context) { r.run(r.loopCtx) })
		trans = append(trans, transition{ch: ch, started: true})
	}

	g.notifyTransitions(ctx, trans)

	g.stMu.Lock()
	g.lastActualized = time.Now()
	g.stMu.Unlock()
	g.log.Info("channels actualized", logx.Int("running", g.Count()))
	return nil
}

// notifyTransitions flips subscription suspension for stopped and started
// channels and, unless SILENT_ACTUALIZE is set, notifies affected users.
func (g *Registry) notifyTransitions(ctx context.Context, trans []transition) {
	silent := g.params.Bool("SILENT_ACTUALIZE")
	for _, tr := range trans {
		affected, err := g.store.SetChannelSuspended(ctx, tr.ch.ID, !tr.started)
		if err != nil {
			g.log.Warn("subscription suspension update failed",
				logx.String("channel", tr.ch.Identifier), logx.Err(err))
			continue
		}
		if silent || len(affected) == 0 {
			continue
		}
		if tr.started {
			g.sink.ChannelResumed(ctx, tr.ch, affected)
		} else {
			g.sink.ChannelSuspended(ctx, tr.ch, affected)
		}
	}
	// Removed channels never poll again; their state records go with them.
	for _, tr := range trans {
		if !tr.started {
			if err := g.state.Delete(tr.ch.ID); err != nil {
				g.log.Warn("poll state delete failed", logx.Err(err))
			}
		}
	}
}

func (g *Registry) buildRunner(ch storage.Channel) (*runner, error) {
	conn, err := connector.New(ch.Kind, ch.Config)
	if err != nil {
		return nil, err
	}

	spec, err := g.channelSpec(ch)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}

	if pl, ok := conn.(interface{ SetPageLimit(int) }); ok {
		pl.SetPageLimit(g.params.Int("SQL_PAGE_SIZE"))
	}

	snapTimeout := g.params.Duration("SNAPSHOT_TIMEOUT")
	if snapTimeout <= 0 {
		snapTimeout = time.Minute
	}

	rctx, cancel := context.WithCancel(g.runCtx)
	r := &runner{
		ch:          ch,
		spec:        spec,
		conn:        conn,
		hash:        configHash(ch),
		state:       g.state,
		sink:        g.sink,
		bus:         g.bus,
		log:         g.log.With(logx.String("channel", ch.Identifier)),
		sem:         g.sem,
		snapTimeout: snapTimeout,
		force:       make(chan struct{}, 1),
		cancel:      cancel,
		done:        make(chan struct{}),
	}
	r.st = RunnerStatus{ChannelID: ch.ID, Identifier: ch.Identifier}
	r.loopCtx = rctx
	return r, nil
}

// CheckAll forces an immediate poll of every running channel.
func (g *Registry) CheckAll() {
	g.mu.RLock()
	defer g.mu.RUnlock()
	for _, r := range g.runners {
		r.Force()
	}
}

// Count returns the number of running poll loops.
func (g *Registry) Count() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.runners)
}

// Statuses reports every running loop plus the actualizer schedule,
// ordered by channel identifier.
func (g *Registry) Statuses() []RunnerStatus {
	g.mu.RLock()
	out := make([]RunnerStatus, 0, len(g.runners))
	for _, r := range g.runners {
		out = append(out, r.status())
	}
	g.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Identifier < out[j].Identifier })
	return out
}

// NextActualize returns the next scheduled reconcile time.
func (g *Registry) NextActualize() time.Time {
	g.stMu.Lock()
	defer g.stMu.Unlock()
	return g.nextActualize
}

func (g *Registry) channelSpec(ch storage.Channel) (Spec, error) {
	if ch.Polling != "" {
		spec, err := ParseSpec(ch.Polling)
		if err == nil {
			return spec, nil
		}
		g.log.Warn("channel polling spec invalid, using POLLING default",
			logx.String("channel", ch.Identifier), logx.Err(err))
	}
	spec, err := ParseSpec(g.params.String("POLLING"))
	if err != nil {
		return Spec{}, fmt.Errorf("no usable polling schedule: %w", err)
	}
	return spec, nil
}

// configHash fingerprints the parts of a channel definition that force a
// rebuild when they change.
func configHash(ch storage.Channel) uint64 {
	h := fnv.New64a()
	h.Write([]byte(ch.Kind))
	h.Write([]byte{0})
	h.Write(ch.Config)
	h.Write([]byte{0})
	h.Write([]byte(ch.Polling))
	return h.Sum64()
}
