package app

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	tele "gopkg.in/telebot.v4"

	"trackerbot/internal/access"
	"trackerbot/internal/dispatch"
	"trackerbot/internal/eventbus"
	"trackerbot/internal/params"
	"trackerbot/internal/storage"
	"trackerbot/internal/tracker"
	kit "trackerbot/internal/transport"
	logx "trackerbot/pkg/logx"
)

// fakeAdapter records outbound traffic for assertions.
type fakeAdapter struct {
	mu      sync.Mutex
	sent    map[int64][]string
	edits   []string
	answers []string
	nextID  int
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{sent: make(map[int64][]string)}
}

func (f *fakeAdapter) Start(ctx context.Context, out chan<- kit.Update) error { return nil }
func (f *fakeAdapter) Stop(ctx context.Context) error                         { return nil }

func (f *fakeAdapter) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent[to.ChatID] = append(f.sent[to.ChatID], text)
	f.nextID++
	return kit.MessageRef{ChatID: to.ChatID, MessageID: f.nextID}, nil
}

func (f *fakeAdapter) EditText(ctx context.Context, ref kit.MessageRef, text string, opt *kit.SendOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.edits = append(f.edits, text)
	return nil
}

func (f *fakeAdapter) AnswerCallback(ctx context.Context, callbackID string, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.answers = append(f.answers, text)
	return nil
}

func (f *fakeAdapter) lastReply(t *testing.T, chatID int64) string {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		f.mu.Lock()
		msgs := f.sent[chatID]
		f.mu.Unlock()
		if len(msgs) > 0 {
			return msgs[len(msgs)-1]
		}
		if time.Now().After(deadline) {
			t.Fatalf("no reply in chat %d", chatID)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func (f *fakeAdapter) clear(chatID int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.sent, chatID)
}

type cmdRig struct {
	cmds    *Commands
	mem     *storage.Memory
	adapter *fakeAdapter
	updates chan kit.Update
}

func startCommands(t *testing.T) *cmdRig {
	t.Helper()
	ctx := context.Background()
	mem := storage.NewMemory()
	ps, err := params.New(mem, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	if err := ps.Reload(ctx); err != nil {
		t.Fatal(err)
	}

	ad := newFakeAdapter()
	bus := eventbus.New()
	disp := dispatch.New(dispatch.Config{}, mem, ps, ad, bus, logx.Nop())
	reg := tracker.NewRegistry(mem, tracker.NewMemState(), ps, disp, bus, logx.Nop())
	acc := access.NewManager(mem, ps, &accessUI{adapter: ad, params: ps, log: logx.Nop()}, logx.Nop())

	cmds := NewCommands(logx.Nop(), ad, mem, ps, reg, disp, acc, nil, nil)

	loopCtx, cancel := context.WithCancel(ctx)
	updates := make(chan kit.Update, 16)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = cmds.DispatchLoop(loopCtx, updates)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("dispatch loop did not stop")
		}
	})
	return &cmdRig{cmds: cmds, mem: mem, adapter: ad, updates: updates}
}

func (r *cmdRig) message(userID int64, text string) {
	r.updates <- kit.Update{
		Kind: kit.UpdateMessage,
		Message: &kit.Message{
			ChatID:       userID,
			FromID:       userID,
			FromUsername: "user",
			Text:         text,
		},
	}
}

func TestCommandPermissionGate(t *testing.T) {
	ctx := context.Background()
	rig := startCommands(t)
	if err := rig.mem.SetGrant(ctx, storage.Grant{UserID: 1, Name: "root", Level: storage.PermMaster}); err != nil {
		t.Fatal(err)
	}
	if err := rig.mem.SetGrant(ctx, storage.Grant{UserID: 2, Name: "u", Level: storage.PermUser}); err != nil {
		t.Fatal(err)
	}

	rig.message(1, "/version")
	if got := rig.adapter.lastReply(t, 1); got != "trackerbot "+Version {
		t.Fatalf("reply = %q", got)
	}

	// A plain USER cannot run admin commands.
	rig.message(2, "/state")
	if got := rig.adapter.lastReply(t, 2); !strings.Contains(got, "not allowed") {
		t.Fatalf("reply = %q, want permission denial", got)
	}

	// A user with no record at all is denied too.
	rig.message(3, "/check")
	if got := rig.adapter.lastReply(t, 3); !strings.Contains(got, "NONE") {
		t.Fatalf("reply = %q, want NONE flag", got)
	}

	// MASTER passes the admin allow-set.
	rig.adapter.clear(1)
	rig.message(1, "/state")
	if got := rig.adapter.lastReply(t, 1); !strings.Contains(got, "channels: 0") {
		t.Fatalf("reply = %q, want state listing", got)
	}
}

func TestSilentCommand(t *testing.T) {
	ctx := context.Background()
	rig := startCommands(t)
	if err := rig.mem.SetGrant(ctx, storage.Grant{UserID: 5, Name: "u", Level: storage.PermUser}); err != nil {
		t.Fatal(err)
	}

	rig.message(5, "/silent nonsense")
	if got := rig.adapter.lastReply(t, 5); !strings.Contains(got, "Cannot parse") {
		t.Fatalf("reply = %q, want wrong-argument notice", got)
	}
	rig.adapter.clear(5)

	rig.message(5, "/silent 2h30m")
	if got := rig.adapter.lastReply(t, 5); !strings.Contains(got, "disabled until") {
		t.Fatalf("reply = %q, want disabled-until notice", got)
	}
	if !rig.cmds.disp.Silence().Silenced(5, time.Now().Add(time.Hour)) {
		t.Fatal("silence window not set")
	}
}

func TestSubscriptionCallbackToggles(t *testing.T) {
	ctx := context.Background()
	rig := startCommands(t)
	if err := rig.mem.SetGrant(ctx, storage.Grant{UserID: 7, Name: "u", Level: storage.PermUser}); err != nil {
		t.Fatal(err)
	}
	ch := rig.mem.AddChannel(storage.Channel{Identifier: "alpha", Kind: "FILE", Config: []byte(`{"path":"/tmp/a"}`), Active: true})

	rig.updates <- kit.Update{
		Kind: kit.UpdateCallback,
		Callback: &kit.Callback{
			ID: "cb1", FromID: 7, ChatID: 7, MessageID: 10,
			Data: joinCallback(cbSubscript, "0", "1", "1"),
		},
	}

	deadline := time.Now().Add(3 * time.Second)
	for {
		subs, err := rig.mem.Subscriptions(ctx, 7)
		if err != nil {
			t.Fatal(err)
		}
		if len(subs) == 1 && subs[0].ChannelID == ch.ID && subs[0].Active {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("subscription not created: %v", subs)
		}
		time.Sleep(5 * time.Millisecond)
	}

	rig.adapter.mu.Lock()
	edits := len(rig.adapter.edits)
	rig.adapter.mu.Unlock()
	if edits != 1 {
		t.Fatalf("edits = %d, want redraw", edits)
	}
}

func TestStartRequestsAccess(t *testing.T) {
	rig := startCommands(t)

	// First user bootstrap.
	rig.message(9, "/start")
	if got := rig.adapter.lastReply(t, 9); !strings.Contains(got, "MASTER") {
		t.Fatalf("reply = %q, want master grant notice", got)
	}

	// Second user becomes pending and the master gets a prompt.
	rig.message(10, "/start")
	if got := rig.adapter.lastReply(t, 10); !strings.Contains(got, "Access requested") {
		t.Fatalf("reply = %q, want pending notice", got)
	}
	rig.adapter.mu.Lock()
	prompts := rig.adapter.sent[9]
	rig.adapter.mu.Unlock()
	found := false
	for _, p := range prompts {
		if strings.Contains(p, "requests access") {
			found = true
		}
	}
	if !found {
		t.Fatalf("master prompts = %v, want access request", prompts)
	}
}

func TestParseSilentUntil(t *testing.T) {
	now := time.Date(2026, 8, 28, 10, 0, 0, 0, time.Local)
	cases := []struct {
		arg  string
		ok   bool
		want time.Time
	}{
		{"1d2h3m4s", true, now.Add(26*time.Hour + 3*time.Minute + 4*time.Second)},
		{"30m", true, now.Add(30 * time.Minute)},
		{"15:30", true, time.Date(2026, 8, 28, 15, 30, 0, 0, time.Local)},
		{"2026-08-29 09:00", true, time.Date(2026, 8, 29, 9, 0, 0, 0, time.Local)},
		{"2026-08-29T09:00:00", true, time.Date(2026, 8, 29, 9, 0, 0, 0, time.Local)},
		{"08:00", false, time.Time{}}, // already passed today
		{"2026-08-28 09:00", false, time.Time{}},
		{"", false, time.Time{}},
		{"soon", false, time.Time{}},
		{"0s", false, time.Time{}},
	}
	for _, tc := range cases {
		got, err := parseSilentUntil(tc.arg, now)
		if tc.ok != (err == nil) {
			t.Errorf("parseSilentUntil(%q) err = %v, want ok=%v", tc.arg, err, tc.ok)
			continue
		}
		if tc.ok && !got.Equal(tc.want) {
			t.Errorf("parseSilentUntil(%q) = %v, want %v", tc.arg, got, tc.want)
		}
	}
}

func TestBuildSubscriptionMenuPaging(t *testing.T) {
	ctx := context.Background()
	mem := storage.NewMemory()
	ps, err := params.New(mem, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	if err := mem.SetParameter(ctx, "CHANNELS_PER_PAGE", "2"); err != nil {
		t.Fatal(err)
	}
	if err := ps.Reload(ctx); err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"a", "b", "c", "d", "e"} {
		mem.AddChannel(storage.Channel{Identifier: name, Kind: "FILE", Config: []byte(`{"path":"/tmp/x"}`), Active: true})
	}

	header, markup, err := buildSubscriptionMenu(ctx, mem, ps, 1, 0)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(header, "page 1 of 3") {
		t.Fatalf("header = %q", header)
	}
	rows := markup.InlineKeyboard
	if len(rows) != 3 { // two channels + nav
		t.Fatalf("rows = %d, want 3", len(rows))
	}
	if rows[0][0].Text != "a" || rows[1][0].Text != "b" {
		t.Fatalf("page 0 rows = %q, %q", rows[0][0].Text, rows[1][0].Text)
	}
	// First page has no back button.
	nav := rows[len(rows)-1]
	if nav[0].Text != "OK" || nav[len(nav)-1].Text != ">>" {
		t.Fatalf("nav = %v", navTexts(nav))
	}

	// Last page clamps and has no forward button.
	header, markup, err = buildSubscriptionMenu(ctx, mem, ps, 1, 99)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(header, "page 3 of 3") {
		t.Fatalf("header = %q", header)
	}
	rows = markup.InlineKeyboard
	if rows[0][0].Text != "e" {
		t.Fatalf("last page first row = %q", rows[0][0].Text)
	}
	nav = rows[len(rows)-1]
	if nav[0].Text != "<<" || nav[len(nav)-1].Text != "OK" {
		t.Fatalf("nav = %v", navTexts(nav))
	}
}

func navTexts(row []tele.InlineButton) []string {
	out := make([]string, 0, len(row))
	for _, b := range row {
		out = append(out, b.Text)
	}
	return out
}

func TestSubscribedChannelShowsCheckmark(t *testing.T) {
	ctx := context.Background()
	mem := storage.NewMemory()
	ps, err := params.New(mem, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	if err := ps.Reload(ctx); err != nil {
		t.Fatal(err)
	}
	ch := mem.AddChannel(storage.Channel{Identifier: "alpha", Kind: "FILE", Config: []byte(`{"path":"/tmp/a"}`), Active: true})
	if err := mem.SetSubscription(ctx, 1, ch.ID, true); err != nil {
		t.Fatal(err)
	}

	_, markup, err := buildSubscriptionMenu(ctx, mem, ps, 1, 0)
	if err != nil {
		t.Fatal(err)
	}
	btn := markup.InlineKeyboard[0][0]
	if !strings.HasPrefix(btn.Text, "✔") {
		t.Fatalf("button text = %q, want checkmark prefix", btn.Text)
	}
	// Toggling from subscribed goes to inactive.
	if !strings.HasSuffix(btn.Data, ",0") {
		t.Fatalf("button data = %q, want unsubscribe toggle", btn.Data)
	}
}
