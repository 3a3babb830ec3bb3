package tracker

import (
	"context"
	"sync"
	"time"

	"trackerbot/internal/connector"
	"trackerbot/internal/eventbus"
	"trackerbot/internal/storage"
	logx "trackerbot/pkg/logx"
)

// Event types published on the bus for observability.
const (
	EventPoll      = "tracker.poll"
	EventChange    = "tracker.change"
	EventPollError = "tracker.poll_error"
)

// ChangeEvent is one detected change on one channel.
type ChangeEvent struct {
	Channel storage.Channel
	Change  *connector.Change
	At      time.Time
}

// ChangeSink consumes tracker output. HandleChange blocks until the event's
// notifications are dispatched, which keeps a channel's events strictly in
// poll order.
type ChangeSink interface {
	HandleChange(ctx context.Context, ev ChangeEvent)
	ChannelSuspended(ctx context.Context, ch storage.Channel, userIDs []int64)
	ChannelResumed(ctx context.Context, ch storage.Channel, userIDs []int64)
	NotifyAdmins(ctx context.Context, text string)
}

// RunnerStatus is a point-in-time view of one poll loop, used by the
// operator state report.
type RunnerStatus struct {
	ChannelID  int64
	Identifier string
	NextPoll   time.Time
	LastPoll   time.Time
	LastChange time.Time
	LastError  string
}

// runner is one channel's poll loop.
type runner struct {
	ch    storage.Channel
	spec  Spec
	conn  connector.Connector
	hash  uint64
	state StateStore
	sink  ChangeSink
	bus   eventbus.Bus
	log   logx.Logger

	// sem bounds concurrent snapshot I/O across all runners.
	sem         chan struct{}
	snapTimeout time.Duration

	force   chan struct{}
	loopCtx context.Context
	cancel  context.CancelFunc
	done    chan struct{}

	mu   sync.Mutex
	prev connector.Snapshot
	st   RunnerStatus
}

func (r *runner) status() RunnerStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.st
}

// Force requests an immediate poll without touching the schedule.
func (r *runner) Force() {
	select {
	case r.force <- struct{}{}:
	default:
	}
}

func (r *runner) stop() {
	r.cancel()
	<-r.done
	_ = r.conn.Close()
}

// loadState restores the previous snapshot, dropping records whose config
// hash no longer matches. A missing or stale record means the next poll is
// a baseline.
func (r *runner) loadState() {
	rec, ok, err := r.state.Get(r.ch.ID)
	if err != nil {
		r.log.Warn("poll state unreadable, re-baselining", logx.Err(err))
		return
	}
	if !ok || rec.ConfigHash != r.hash || rec.Kind != r.conn.Kind() {
		return
	}
	snap, err := connector.DecodeSnapshot(rec.Kind, rec.Snapshot)
	if err != nil {
		r.log.Warn("poll state undecodable, re-baselining", logx.Err(err))
		return
	}
	r.prev = snap
}

func (r *runner) run(ctx context.Context) {
	defer close(r.done)
	r.loadState()

	// Drift-free interval ticks: the n-th tick is start + n*interval,
	// regardless of how long individual polls take.
	start := time.Now()
	tick := 0

	for {
		var next time.Time
		now := time.Now()
		if r.spec.Kind == SpecInterval {
			tick++
			next = start.Add(time.Duration(tick) * r.spec.Every)
			for !next.After(now) {
				tick++
				next = start.Add(time.Duration(tick) * r.spec.Every)
			}
		} else {
			next = r.spec.Next(now)
		}

		r.mu.Lock()
		r.st.NextPoll = next
		r.mu.Unlock()

		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-r.force:
			timer.Stop()
		case <-timer.C:
		}

		r.poll(ctx)
	}
}

func (r *runner) poll(ctx context.Context) {
	// Bounded snapshot concurrency: polling a slow source must not pile up
	// unbounded I/O across channels.
	select {
	case <-ctx.Done():
		return
	case r.sem <- struct{}{}:
	}
	snapCtx, cancel := context.WithTimeout(ctx, r.snapTimeout)
	cur, err := r.conn.Snapshot(snapCtx)
	cancel()
	<-r.sem

	now := time.Now()
	r.mu.Lock()
	r.st.LastPoll = now
	r.mu.Unlock()

	if err != nil {
		if ctx.Err() != nil {
			return
		}
		r.setError(err.Error())
		r.log.Warn("poll failed", logx.Err(err))
		r.bus.Publish(eventbus.Event{Type: EventPollError, Data: r.ch.Identifier})
		return
	}
	r.setError("")
	r.bus.Publish(eventbus.Event{Type: EventPoll, Data: r.ch.Identifier})

	change, err := r.conn.Diff(ctx, r.prev, cur)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		r.setError(err.Error())
		r.log.Warn("diff failed", logx.Err(err))
		r.bus.Publish(eventbus.Event{Type: EventPollError, Data: r.ch.Identifier})
		return
	}

	if change != nil {
		r.mu.Lock()
		r.st.LastChange = now
		r.mu.Unlock()
		r.log.Info("change detected",
			logx.Int("count", change.Count), logx.String("note", change.Note))
		r.bus.Publish(eventbus.Event{Type: EventChange, Data: r.ch.Identifier})
		// Blocks until dispatched, so poll N+1 never overtakes poll N.
		r.sink.HandleChange(ctx, ChangeEvent{Channel: r.ch, Change: change, At: now})
	}

	r.prev = cur
	r.persist(cur, now)
}

func (r *runner) setError(msg string) {
	r.mu.Lock()
	r.st.LastError = msg
	r.mu.Unlock()
}

func (r *runner) persist(cur connector.Snapshot, at time.Time) {
	enc, err := connector.EncodeSnapshot(cur)
	if err != nil {
		r.log.Warn("snapshot encode failed", logx.Err(err))
		return
	}
	rec := PollRecord{Kind: r.conn.Kind(), Snapshot: enc, ConfigHash: r.hash, UpdatedAt: at}
	if err := r.state.Put(r.ch.ID, rec); err != nil {
		r.log.Warn("poll state write failed", logx.Err(err))
	}
}
