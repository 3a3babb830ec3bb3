package app

import (
	"context"
	"fmt"
	"regexp"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"trackerbot/internal/access"
	"trackerbot/internal/config"
	"trackerbot/internal/dispatch"
	"trackerbot/internal/params"
	rtsup "trackerbot/internal/runtime/supervisor"
	"trackerbot/internal/storage"
	"trackerbot/internal/tracker"
	kit "trackerbot/internal/transport"
	logx "trackerbot/pkg/logx"
)

// Version is stamped by the build; the default marks local builds.
var Version = "dev"

type handlerFunc func(ctx context.Context, msg *kit.Message, args []string, g storage.Grant) error

type command struct {
	name        string
	description string
	// allowed is the explicit permission set for the command. Empty means
	// anyone, including users without a permission record.
	allowed []storage.Permission
	handle  handlerFunc
}

// Commands routes inbound updates to command handlers through a small
// worker pool, enforcing the per-command permission sets.
type Commands struct {
	log     logx.Logger
	adapter kit.Adapter
	store   storage.Store
	params  *params.Store
	reg     *tracker.Registry
	disp    *dispatch.Dispatcher
	access  *access.Manager
	cfgm    *config.Manager

	// shutdown schedules a process stop after the given delay.
	shutdown func(delay time.Duration)

	table map[string]command
	jobs  chan func()
}

func NewCommands(log logx.Logger, adapter kit.Adapter, store storage.Store, ps *params.Store,
	reg *tracker.Registry, disp *dispatch.Dispatcher, acc *access.Manager, cfgm *config.Manager,
	shutdown func(delay time.Duration)) *Commands {

	if log.IsZero() {
		log = logx.Nop()
	}
	m := &Commands{
		log:      log,
		adapter:  adapter,
		store:    store,
		params:   ps,
		reg:      reg,
		disp:     disp,
		access:   acc,
		cfgm:     cfgm,
		shutdown: shutdown,
		jobs:     make(chan func(), 128),
	}

	users := []storage.Permission{storage.PermUser, storage.PermAdmin, storage.PermMaster}
	admins := []storage.Permission{storage.PermAdmin, storage.PermMaster}
	master := []storage.Permission{storage.PermMaster}

	m.table = map[string]command{
		"start":     {name: "start", description: "request access", handle: m.handleStart},
		"version":   {name: "version", description: "show the service version", allowed: users, handle: m.handleVersion},
		"subscript": {name: "subscript", description: "manage channel subscriptions", allowed: users, handle: m.handleSubscript},
		"silent":    {name: "silent", description: "pause notifications until a time", allowed: users, handle: m.handleSilent},
		"check":     {name: "check", description: "poll all channels now", allowed: users, handle: m.handleCheck},
		"actualize": {name: "actualize", description: "reload the channel list", allowed: admins, handle: m.handleActualize},
		"reload":    {name: "reload", description: "reload parameters and config", allowed: admins, handle: m.handleReload},
		"state":     {name: "state", description: "show polling state", allowed: admins, handle: m.handleState},
		"shutdown":  {name: "shutdown", description: "stop the service", allowed: master, handle: m.handleShutdown},
	}
	return m
}

// MenuCommands lists the registered commands for the platform command menu.
func (m *Commands) MenuCommands() []kit.BotCommand {
	order := []string{"start", "version", "subscript", "silent", "check", "actualize", "reload", "state", "shutdown"}
	out := make([]kit.BotCommand, 0, len(order))
	for _, name := range order {
		c, ok := m.table[name]
		if !ok {
			continue
		}
		out = append(out, kit.BotCommand{Command: c.name, Description: c.description})
	}
	return out
}

// DispatchLoop consumes updates until ctx is canceled or the channel closes.
func (m *Commands) DispatchLoop(ctx context.Context, updates <-chan kit.Update) error {
	sup := rtsup.New(ctx,
		rtsup.WithLogger(m.log.With(logx.String("comp", "commands"))),
		rtsup.WithCancelOnError(false),
	)

	const workers = 2
	for i := 0; i < workers; i++ {
		idx := i
		sup.Go0("worker."+strconv.Itoa(idx), func(c context.Context) {
			for {
				select {
				case <-c.Done():
					return
				case job, ok := <-m.jobs:
					if !ok {
						return
					}
					func() {
						defer func() {
							if r := recover(); r != nil {
								m.log.Error("panic in command handler",
									logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
							}
						}()
						job()
					}()
				}
			}
		})
	}
	defer func() {
		sup.Cancel()
		wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = sup.Wait(wctx)
		cancel()
	}()

	m.log.Info("command dispatcher started")
	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			m.route(ctx, up)
		}
	}
}

func (m *Commands) enqueue(job func()) {
	select {
	case m.jobs <- job:
	default:
		m.log.Warn("command queue full, update dropped")
	}
}

func (m *Commands) route(ctx context.Context, up kit.Update) {
	switch up.Kind {
	case kit.UpdateMessage:
		if up.Message != nil {
			m.routeMessage(ctx, up.Message)
		}
	case kit.UpdateCallback:
		if up.Callback != nil {
			m.routeCallback(ctx, up.Callback)
		}
	}
}

func (m *Commands) routeMessage(ctx context.Context, msg *kit.Message) {
	text := strings.TrimSpace(msg.Text)
	if !strings.HasPrefix(text, "/") {
		return
	}
	parts := strings.Fields(text)
	word := strings.TrimPrefix(parts[0], "/")
	if i := strings.IndexByte(word, '@'); i >= 0 {
		word = word[:i]
	}
	word = strings.ToLower(word)
	args := parts[1:]

	cmd, ok := m.table[word]
	if !ok {
		return
	}

	m.enqueue(func() {
		hctx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()

		g, found, err := m.store.Grant(hctx, msg.FromID)
		if err != nil {
			m.log.Error("permission lookup failed", logx.Int64("user", msg.FromID), logx.Err(err))
			return
		}
		if len(cmd.allowed) > 0 && !permitted(cmd.allowed, g, found) {
			m.reply(hctx, msg.ChatID, m.params.Render("MESSAGE_NOT_ALLOWED", map[string]string{"flag": flagName(g, found)}))
			m.log.Info("command denied",
				logx.String("command", cmd.name), logx.Int64("user", msg.FromID), logx.String("flag", flagName(g, found)))
			return
		}
		if err := cmd.handle(hctx, msg, args, g); err != nil {
			m.log.Error("command failed", logx.String("command", cmd.name), logx.Err(err))
			m.reply(hctx, msg.ChatID, m.params.Render("MESSAGE_ASSERTION", nil))
		}
	})
}

func permitted(allowed []storage.Permission, g storage.Grant, found bool) bool {
	if !found {
		return false
	}
	for _, p := range allowed {
		if g.Level == p {
			return true
		}
	}
	return false
}

func flagName(g storage.Grant, found bool) string {
	if !found {
		return "NONE"
	}
	return g.Level.String()
}

func (m *Commands) reply(ctx context.Context, chatID int64, text string) {
	if _, err := m.adapter.SendText(ctx, kit.ChatTarget{ChatID: chatID}, text, nil); err != nil {
		m.log.Warn("reply undelivered", logx.Int64("chat", chatID), logx.Err(err))
	}
}

func (m *Commands) handleStart(ctx context.Context, msg *kit.Message, _ []string, g storage.Grant) error {
	username := msg.FromUsername
	if username == "" {
		username = strconv.FormatInt(msg.FromID, 10)
	}
	out, err := m.access.Request(ctx, msg.FromID, username)
	if err != nil {
		return err
	}
	switch out {
	case access.OutcomeGranted:
		m.reply(ctx, msg.ChatID, m.params.Render("MESSAGE_ALREADY_ACCESSIBLE", map[string]string{"flag": flagName(g, true)}))
	case access.OutcomeMaster:
		m.reply(ctx, msg.ChatID, m.params.Render("MESSAGE_MASTER_GRANTED", nil))
	case access.OutcomePending, access.OutcomeAlreadyPending:
		maxtime := ""
		if until, ok := m.access.Pending(msg.FromID); ok {
			maxtime = until.Format("15:04:05")
		}
		m.reply(ctx, msg.ChatID, m.params.Render("MESSAGE_ACCESS_REQUESTED", map[string]string{"maxtime": maxtime}))
	}
	return nil
}

func (m *Commands) handleVersion(ctx context.Context, msg *kit.Message, _ []string, _ storage.Grant) error {
	m.reply(ctx, msg.ChatID, "trackerbot "+Version)
	return nil
}

func (m *Commands) handleSubscript(ctx context.Context, msg *kit.Message, _ []string, _ storage.Grant) error {
	header, markup, err := buildSubscriptionMenu(ctx, m.store, m.params, msg.FromID, 0)
	if err != nil {
		return err
	}
	_, err = m.adapter.SendText(ctx, kit.ChatTarget{ChatID: msg.ChatID}, header, &kit.SendOptions{ReplyMarkupAdapter: markup})
	return err
}

func (m *Commands) handleSilent(ctx context.Context, msg *kit.Message, args []string, _ storage.Grant) error {
	until, err := parseSilentUntil(strings.Join(args, " "), time.Now())
	if err != nil {
		m.reply(ctx, msg.ChatID, m.params.Render("MESSAGE_WRONG_ARGUMENT", nil))
		return nil
	}
	m.disp.SetSilence(ctx, msg.FromID, until)
	m.reply(ctx, msg.ChatID, m.params.Render("MESSAGE_NOTIFICATION_DISABLED", map[string]string{
		"sleeptime": until.Format("2006-01-02 15:04:05"),
	}))
	return nil
}

func (m *Commands) handleCheck(ctx context.Context, msg *kit.Message, _ []string, _ storage.Grant) error {
	m.reply(ctx, msg.ChatID, m.params.Render("MESSAGE_CHECK_TEXT", nil))
	m.reg.CheckAll()
	return nil
}

func (m *Commands) handleActualize(ctx context.Context, msg *kit.Message, _ []string, _ storage.Grant) error {
	if err := m.reg.Actualize(ctx); err != nil {
		return err
	}
	m.reply(ctx, msg.ChatID, m.params.Render("MESSAGE_ACTUALIZE_TEXT", nil))
	return nil
}

func (m *Commands) handleReload(ctx context.Context, msg *kit.Message, _ []string, _ storage.Grant) error {
	if err := m.params.Reload(ctx); err != nil {
		return err
	}
	if m.cfgm != nil {
		m.cfgm.ForceReload(ctx)
	}
	m.reply(ctx, msg.ChatID, m.params.Render("MESSAGE_RELOAD_CONFIGURATION", nil))
	return nil
}

func (m *Commands) handleState(ctx context.Context, msg *kit.Message, _ []string, _ storage.Grant) error {
	statuses := m.reg.Statuses()
	var b strings.Builder
	fmt.Fprintf(&b, "channels: %d\n", len(statuses))
	for _, st := range statuses {
		fmt.Fprintf(&b, "%s  next %s", st.Identifier, st.NextPoll.Format("15:04:05"))
		if !st.LastChange.IsZero() {
			fmt.Fprintf(&b, "  changed %s", st.LastChange.Format("15:04:05"))
		}
		if st.LastError != "" {
			fmt.Fprintf(&b, "  err %s", st.LastError)
		}
		b.WriteByte('\n')
	}
	if next := m.reg.NextActualize(); !next.IsZero() {
		fmt.Fprintf(&b, "actualize at %s", next.Format("15:04:05"))
	}
	m.reply(ctx, msg.ChatID, strings.TrimRight(b.String(), "\n"))
	return nil
}

func (m *Commands) handleShutdown(ctx context.Context, msg *kit.Message, _ []string, _ storage.Grant) error {
	m.reply(ctx, msg.ChatID, m.params.Render("MESSAGE_SHUTDOWN_TEXT", nil))
	delay := m.params.Duration("UPDOWN_DELAY")
	if delay < 0 {
		delay = 0
	}
	m.log.Info("shutdown requested", logx.Int64("user", msg.FromID), logx.Duration("delay", delay))
	if m.shutdown != nil {
		m.shutdown(delay)
	}
	return nil
}

func (m *Commands) routeCallback(ctx context.Context, cb *kit.Callback) {
	fields := parseCallback(cb.Data)
	if len(fields) == 0 {
		return
	}
	m.enqueue(func() {
		hctx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()

		switch fields[0] {
		case cbSubscript:
			m.callbackSubscript(hctx, cb, fields)
		case cbAccess:
			m.callbackAccess(hctx, cb, fields)
		default:
			_ = m.adapter.AnswerCallback(hctx, cb.ID, "")
		}
	})
}

func (m *Commands) callbackSubscript(ctx context.Context, cb *kit.Callback, fields []string) {
	if len(fields) != 4 {
		_ = m.adapter.AnswerCallback(ctx, cb.ID, "")
		return
	}
	g, found, err := m.store.Grant(ctx, cb.FromID)
	if err != nil {
		m.log.Error("permission lookup failed", logx.Int64("user", cb.FromID), logx.Err(err))
		return
	}
	if !found || g.Level == storage.PermBlocked {
		_ = m.adapter.AnswerCallback(ctx, cb.ID, m.params.Render("MESSAGE_NOT_ALLOWED", map[string]string{"flag": flagName(g, found)}))
		return
	}

	page, err := strconv.Atoi(fields[1])
	if err != nil {
		page = 0
	}
	ref := kit.MessageRef{ChatID: cb.ChatID, MessageID: cb.MessageID}

	switch fields[2] {
	case "ok":
		if err := m.adapter.EditText(ctx, ref, m.params.Render("MESSAGE_DONE", nil), nil); err != nil {
			m.log.Warn("menu close failed", logx.Err(err))
		}
		_ = m.adapter.AnswerCallback(ctx, cb.ID, "")
		return
	case "nav":
		// fall through to the redraw below
	default:
		channelID, err := strconv.ParseInt(fields[2], 10, 64)
		if err != nil {
			_ = m.adapter.AnswerCallback(ctx, cb.ID, "")
			return
		}
		if err := m.store.SetSubscription(ctx, cb.FromID, channelID, fields[3] == "1"); err != nil {
			m.log.Error("subscription toggle failed",
				logx.Int64("user", cb.FromID), logx.Int64("channel", channelID), logx.Err(err))
			_ = m.adapter.AnswerCallback(ctx, cb.ID, m.params.Render("MESSAGE_ASSERTION", nil))
			return
		}
	}

	header, markup, err := buildSubscriptionMenu(ctx, m.store, m.params, cb.FromID, page)
	if err != nil {
		m.log.Error("menu rebuild failed", logx.Err(err))
		_ = m.adapter.AnswerCallback(ctx, cb.ID, m.params.Render("MESSAGE_ASSERTION", nil))
		return
	}
	if err := m.adapter.EditText(ctx, ref, header, &kit.SendOptions{ReplyMarkupAdapter: markup}); err != nil {
		m.log.Warn("menu redraw failed", logx.Err(err))
	}
	_ = m.adapter.AnswerCallback(ctx, cb.ID, "")
}

func (m *Commands) callbackAccess(ctx context.Context, cb *kit.Callback, fields []string) {
	if len(fields) != 4 {
		_ = m.adapter.AnswerCallback(ctx, cb.ID, "")
		return
	}
	g, found, err := m.store.Grant(ctx, cb.FromID)
	if err != nil {
		m.log.Error("permission lookup failed", logx.Int64("user", cb.FromID), logx.Err(err))
		return
	}
	if !found || (g.Level != storage.PermAdmin && g.Level != storage.PermMaster) {
		_ = m.adapter.AnswerCallback(ctx, cb.ID, m.params.Render("MESSAGE_NOT_ALLOWED", map[string]string{"flag": flagName(g, found)}))
		return
	}

	userID, err := strconv.ParseInt(fields[2], 10, 64)
	if err != nil {
		_ = m.adapter.AnswerCallback(ctx, cb.ID, "")
		return
	}
	adminName := g.Name
	if adminName == "" {
		adminName = strconv.FormatInt(cb.FromID, 10)
	}

	res, err := m.access.Resolve(ctx, userID, adminName, fields[1] == "APPROVED")
	if err != nil {
		m.log.Error("access resolve failed", logx.Int64("user", userID), logx.Err(err))
		_ = m.adapter.AnswerCallback(ctx, cb.ID, m.params.Render("MESSAGE_ASSERTION", nil))
		return
	}
	if res == access.ResolutionNotPending {
		_ = m.adapter.AnswerCallback(ctx, cb.ID, m.params.Render("MESSAGE_REQUEST_EXPIRED", map[string]string{"username": fields[3]}))
		return
	}
	_ = m.adapter.AnswerCallback(ctx, cb.ID, m.params.Render("MESSAGE_DONE", nil))
}

var silentDeltaRe = regexp.MustCompile(`^(?:(\d+)d)?(?:(\d+)h)?(?:(\d+)m)?(?:(\d+)s)?$`)

// parseSilentUntil accepts an absolute datetime, a time of day (today), or a
// day/hour/minute/second delta like "1d2h30m". The result must be in the
// future relative to now.
func parseSilentUntil(arg string, now time.Time) (time.Time, error) {
	arg = strings.TrimSpace(arg)
	if arg == "" {
		return time.Time{}, fmt.Errorf("empty argument")
	}

	for _, layout := range []string{"2006-01-02T15:04:05", "2006-01-02 15:04:05", "2006-01-02 15:04"} {
		if t, err := time.ParseInLocation(layout, arg, now.Location()); err == nil {
			if !t.After(now) {
				return time.Time{}, fmt.Errorf("time %q is not in the future", arg)
			}
			return t, nil
		}
	}

	if t, err := time.ParseInLocation("15:04", arg, now.Location()); err == nil {
		until := time.Date(now.Year(), now.Month(), now.Day(), t.Hour(), t.Minute(), 0, 0, now.Location())
		if !until.After(now) {
			return time.Time{}, fmt.Errorf("time %q already passed today", arg)
		}
		return until, nil
	}

	if m := silentDeltaRe.FindStringSubmatch(arg); m != nil {
		var d time.Duration
		units := []time.Duration{24 * time.Hour, time.Hour, time.Minute, time.Second}
		for i, u := range units {
			if m[i+1] == "" {
				continue
			}
			n, err := strconv.Atoi(m[i+1])
			if err != nil {
				return time.Time{}, err
			}
			d += time.Duration(n) * u
		}
		if d <= 0 {
			return time.Time{}, fmt.Errorf("zero delta %q", arg)
		}
		return now.Add(d), nil
	}

	return time.Time{}, fmt.Errorf("unrecognized format %q", arg)
}
