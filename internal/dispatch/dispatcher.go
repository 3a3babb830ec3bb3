// Package dispatch turns detected changes into per-user messages:
// queue + worker pool + rate limit + lifetime-bounded retry.
package dispatch

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"trackerbot/internal/connector"
	"trackerbot/internal/eventbus"
	"trackerbot/internal/params"
	rtsup "trackerbot/internal/runtime/supervisor"
	"trackerbot/internal/storage"
	"trackerbot/internal/tracker"
	kit "trackerbot/internal/transport"
	logx "trackerbot/pkg/logx"
)

// Event types published on the bus for observability.
const (
	EventSent    = "dispatch.sent"
	EventFailed  = "dispatch.failed"
	EventSkipped = "dispatch.skipped"
)

// Sender is the transport subset the dispatcher needs.
type Sender interface {
	SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error)
}

type Config struct {
	Workers    int
	QueueSize  int
	RatePerSec int
}

func (c *Config) defaults() {
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.RatePerSec <= 0 {
		c.RatePerSec = 25
	}
}

// job is one user's delivery of one message. done is shared across the
// fan-out of a single event so the producer can wait for all of it.
type job struct {
	id     string
	userID int64
	parts  []string
	done   *sync.WaitGroup
}

type Dispatcher struct {
	log     logx.Logger
	store   storage.Store
	params  *params.Store
	sender  Sender
	bus     eventbus.Bus
	silence *SilenceStore

	cfg     Config
	limiter *rate.Limiter

	mu        sync.Mutex
	queue     chan job
	sup       *rtsup.Supervisor
	accepting bool
}

func New(cfg Config, store storage.Store, ps *params.Store, sender Sender, bus eventbus.Bus, log logx.Logger) *Dispatcher {
	cfg.defaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Dispatcher{
		log:     log,
		store:   store,
		params:  ps,
		sender:  sender,
		bus:     bus,
		silence: NewSilenceStore(),
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec),
	}
}

// Silence exposes the per-user suppression windows (used by the command
// layer for /silent).
func (d *Dispatcher) Silence() *SilenceStore { return d.silence }

func (d *Dispatcher) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	d.mu.Lock()
	if d.queue != nil {
		d.mu.Unlock()
		return
	}
	d.queue = make(chan job, d.cfg.QueueSize)
	d.accepting = true
	d.sup = rtsup.New(ctx,
		rtsup.WithLogger(d.log.With(logx.String("comp", "dispatch"))),
		rtsup.WithCancelOnError(false),
	)
	sup := d.sup
	q := d.queue
	workers := d.cfg.Workers
	d.mu.Unlock()

	for i := 0; i < workers; i++ {
		sup.Go0(fmt.Sprintf("worker.%d", i), func(c context.Context) {
			d.workerLoop(c, q)
		})
	}
}

// Stop blocks intake, drains the queue best-effort until ctx expires.
func (d *Dispatcher) Stop(ctx context.Context) {
	d.mu.Lock()
	q := d.queue
	sup := d.sup
	if q == nil {
		d.mu.Unlock()
		return
	}
	d.accepting = false
	d.queue = nil
	d.sup = nil
	d.mu.Unlock()

	close(q)
	if sup != nil {
		if err := sup.Wait(ctx); err != nil {
			sup.Cancel()
		}
	}
}

func (d *Dispatcher) workerLoop(ctx context.Context, q <-chan job) {
	for {
		select {
		case <-ctx.Done():
			// Mark remaining jobs done so producers don't hang on shutdown.
			for {
				select {
				case j, ok := <-q:
					if !ok {
						return
					}
					j.done.Done()
				default:
					return
				}
			}
		case j, ok := <-q:
			if !ok {
				return
			}
			d.deliver(ctx, j)
			j.done.Done()
		}
	}
}

// enqueue submits jobs for every user and waits for their completion.
func (d *Dispatcher) enqueue(ctx context.Context, userIDs []int64, text string) {
	d.mu.Lock()
	q := d.queue
	accepting := d.accepting
	d.mu.Unlock()
	if q == nil || !accepting {
		d.log.Warn("dispatch rejected, not running")
		return
	}

	parts := splitParts(text, d.params.Int("TEXT_MAX_LENGTH"))
	var done sync.WaitGroup
	for _, uid := range userIDs {
		j := job{id: uuid.NewString(), userID: uid, parts: parts, done: &done}
		done.Add(1)
		if !d.push(ctx, q, j) {
			done.Done()
			return
		}
	}

	finished := make(chan struct{})
	go func() { done.Wait(); close(finished) }()
	select {
	case <-finished:
	case <-ctx.Done():
	}
}

// push submits a job, tolerating Stop closing the queue mid-send.
func (d *Dispatcher) push(ctx context.Context, q chan<- job, j job) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	select {
	case q <- j:
		return true
	case <-ctx.Done():
		return false
	}
}

// deliver sends all parts to one user, retrying each part on a fixed
// interval until the notification lifetime runs out.
func (d *Dispatcher) deliver(ctx context.Context, j job) {
	lifetime := d.params.Duration("NOTIFICATION_LIFETIME")
	if lifetime <= 0 {
		lifetime = 10 * time.Minute
	}
	retry := d.params.Duration("RETRY_INTERVAL")
	if retry <= 0 {
		retry = 15 * time.Second
	}

	log := d.log.With(logx.String("notification", j.id), logx.Int64("user", j.userID))
	deadline := time.Now().Add(lifetime)
	target := kit.ChatTarget{ChatID: j.userID}

	for _, part := range j.parts {
		sent := false
		for time.Now().Before(deadline) {
			if err := d.limiter.Wait(ctx); err != nil {
				return
			}
			callCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			_, err := d.sender.SendText(callCtx, target, part, nil)
			cancel()
			if err == nil {
				sent = true
				break
			}
			if ctx.Err() != nil {
				return
			}
			log.Warn("send failed, will retry", logx.Err(err))
			timer := time.NewTimer(retry)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
		}
		if !sent {
			log.Error("notification expired undelivered")
			d.bus.Publish(eventbus.Event{Type: EventFailed, Data: j.userID})
			// One part expiring does not cancel the rest.
			continue
		}
		d.bus.Publish(eventbus.Event{Type: EventSent, Data: j.userID})
	}
}

// HandleChange renders a change event and fans it out to the channel's
// subscribers, dropping blocked and silenced users. Blocks until every
// delivery attempt finishes, which preserves per-channel event order.
func (d *Dispatcher) HandleChange(ctx context.Context, ev tracker.ChangeEvent) {
	subs, err := d.store.Subscribers(ctx, ev.Channel.ID)
	if err != nil {
		d.log.Error("subscriber lookup failed",
			logx.String("channel", ev.Channel.Identifier), logx.Err(err))
		return
	}
	if len(subs) == 0 {
		return
	}

	text := d.renderChange(ev)
	now := ev.At
	if now.IsZero() {
		now = time.Now()
	}

	recipients := make([]int64, 0, len(subs))
	for _, uid := range subs {
		g, found, err := d.store.Grant(ctx, uid)
		if err != nil {
			d.log.Warn("permission lookup failed", logx.Int64("user", uid), logx.Err(err))
			continue
		}
		if !found || g.Level == storage.PermBlocked {
			d.bus.Publish(eventbus.Event{Type: EventSkipped, Data: uid})
			continue
		}
		// Silence means skip, not defer.
		if d.silence.Silenced(uid, now) {
			d.log.Info("notification skipped, user silenced", logx.Int64("user", uid))
			d.bus.Publish(eventbus.Event{Type: EventSkipped, Data: uid})
			continue
		}
		recipients = append(recipients, uid)
	}
	if len(recipients) == 0 {
		return
	}
	d.enqueue(ctx, recipients, text)
}

func (d *Dispatcher) renderChange(ev tracker.ChangeEvent) string {
	var tmpl string
	switch connector.Kind(strings.ToUpper(ev.Channel.Kind)) {
	case connector.KindFile:
		tmpl = "MESSAGE_CHANGE_FILE"
	case connector.KindFolder:
		tmpl = "MESSAGE_CHANGE_FOLDER"
	default:
		tmpl = "MESSAGE_CHANGE_SQL"
	}

	body := ""
	if len(ev.Change.Items) > 0 {
		body = "\n" + strings.Join(ev.Change.Items, "\n")
	}
	return d.params.Render(tmpl, map[string]string{
		"name":  ev.Channel.Identifier,
		"count": strconv.Itoa(ev.Change.Count),
		"note":  ev.Change.Note,
		"body":  body,
	})
}

// ChannelSuspended notifies users whose subscriptions were paused by an
// actualize pass. Suspension notices ignore silence windows.
func (d *Dispatcher) ChannelSuspended(ctx context.Context, ch storage.Channel, userIDs []int64) {
	text := d.params.Render("MESSAGE_SUSPEND_SUBSCRIPTION", map[string]string{"name": ch.Identifier})
	d.enqueue(ctx, userIDs, text)
}

// ChannelResumed is the counterpart of ChannelSuspended.
func (d *Dispatcher) ChannelResumed(ctx context.Context, ch storage.Channel, userIDs []int64) {
	text := d.params.Render("MESSAGE_RESUME_SUBSCRIPTION", map[string]string{"name": ch.Identifier})
	d.enqueue(ctx, userIDs, text)
}

// NotifyAdmins sends an operational alert to every ADMIN and MASTER.
func (d *Dispatcher) NotifyAdmins(ctx context.Context, text string) {
	grants, err := d.store.Privileged(ctx)
	if err != nil {
		d.log.Error("admin lookup failed", logx.Err(err))
		return
	}
	ids := make([]int64, 0, len(grants))
	for _, g := range grants {
		ids = append(ids, g.UserID)
	}
	if len(ids) == 0 {
		return
	}
	d.enqueue(ctx, ids, text)
}

// SendTo delivers a direct message to one user through the same pipeline
// (rate limit and retry apply).
func (d *Dispatcher) SendTo(ctx context.Context, userID int64, text string) {
	d.enqueue(ctx, []int64{userID}, text)
}

// SetSilence opens the user's silence window and schedules the
// "notifications enabled again" notice at its end.
func (d *Dispatcher) SetSilence(ctx context.Context, userID int64, until time.Time) {
	d.silence.Set(userID, until)

	d.mu.Lock()
	sup := d.sup
	d.mu.Unlock()
	if sup == nil {
		return
	}
	sup.Go0(fmt.Sprintf("silence.%d", userID), func(c context.Context) {
		timer := time.NewTimer(time.Until(until))
		defer timer.Stop()
		select {
		case <-c.Done():
			return
		case <-timer.C:
		}
		// A newer window may have replaced this one.
		if !d.silence.Clear(userID, until) {
			return
		}
		d.SendTo(c, userID, d.params.Render("MESSAGE_NOTIFICATION_ENABLED", nil))
	})
}

// splitParts cuts text into rune-bounded chunks of at most limit.
func splitParts(text string, limit int) []string {
	if limit <= 0 {
		limit = 4000
	}
	rs := []rune(text)
	if len(rs) <= limit {
		return []string{text}
	}
	var out []string
	for start := 0; start < len(rs); start += limit {
		end := start + limit
		if end > len(rs) {
			end = len(rs)
		}
		out = append(out, string(rs[start:end]))
	}
	return out
}
