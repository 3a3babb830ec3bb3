package dispatch

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"trackerbot/internal/connector"
	"trackerbot/internal/eventbus"
	"trackerbot/internal/params"
	"trackerbot/internal/storage"
	"trackerbot/internal/tracker"
	kit "trackerbot/internal/transport"
	logx "trackerbot/pkg/logx"
)

type sentMsg struct {
	userID int64
	text   string
}

// fakeSender records deliveries and can fail the first failN attempts
// per user to exercise the retry path.
type fakeSender struct {
	mu       sync.Mutex
	sent     []sentMsg
	failN    int
	attempts map[int64]int
}

func newFakeSender(failN int) *fakeSender {
	return &fakeSender{failN: failN, attempts: make(map[int64]int)}
}

func (f *fakeSender) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts[to.ChatID]++
	if f.attempts[to.ChatID] <= f.failN {
		return kit.MessageRef{}, errors.New("flaky transport")
	}
	f.sent = append(f.sent, sentMsg{userID: to.ChatID, text: text})
	return kit.MessageRef{ChatID: to.ChatID, MessageID: len(f.sent)}, nil
}

func (f *fakeSender) messages() []sentMsg {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]sentMsg, len(f.sent))
	copy(out, f.sent)
	return out
}

func (f *fakeSender) recipients() []int64 {
	seen := map[int64]bool{}
	var out []int64
	for _, m := range f.messages() {
		if !seen[m.userID] {
			seen[m.userID] = true
			out = append(out, m.userID)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func testDispatcher(t *testing.T, mem *storage.Memory, sender Sender, overrides map[string]string) *Dispatcher {
	t.Helper()
	ctx := context.Background()
	for k, v := range overrides {
		if err := mem.SetParameter(ctx, k, v); err != nil {
			t.Fatalf("set parameter %s: %v", k, err)
		}
	}
	ps, err := params.New(mem, logx.Nop())
	if err != nil {
		t.Fatalf("params: %v", err)
	}
	if err := ps.Reload(ctx); err != nil {
		t.Fatalf("reload: %v", err)
	}
	d := New(Config{Workers: 2, QueueSize: 32, RatePerSec: 1000}, mem, ps, sender, eventbus.New(), logx.Nop())
	d.Start(ctx)
	t.Cleanup(func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		d.Stop(stopCtx)
	})
	return d
}

func changeEvent(ch storage.Channel, count int, note string, items ...string) tracker.ChangeEvent {
	return tracker.ChangeEvent{
		Channel: ch,
		Change:  &connector.Change{Count: count, Note: note, Items: items},
		At:      time.Now(),
	}
}

func TestHandleChangeFansOutWithFiltering(t *testing.T) {
	ctx := context.Background()
	mem := storage.NewMemory()
	ch := mem.AddChannel(storage.Channel{Identifier: "reports", Kind: "FOLDER", Config: []byte(`{"path":"/tmp/x"}`), Active: true})

	for uid, lvl := range map[int64]storage.Permission{
		10: storage.PermUser,
		11: storage.PermUser,
		12: storage.PermBlocked,
	} {
		if err := mem.SetGrant(ctx, storage.Grant{UserID: uid, Level: lvl}); err != nil {
			t.Fatal(err)
		}
		if err := mem.SetSubscription(ctx, uid, ch.ID, true); err != nil {
			t.Fatal(err)
		}
	}
	// Subscribed but never granted.
	if err := mem.SetSubscription(ctx, 13, ch.ID, true); err != nil {
		t.Fatal(err)
	}

	sender := newFakeSender(0)
	d := testDispatcher(t, mem, sender, nil)

	// Silence user 11 for an hour.
	d.Silence().Set(11, time.Now().Add(time.Hour))

	d.HandleChange(ctx, changeEvent(ch, 2, "added 2 file(s)"))

	got := sender.recipients()
	if len(got) != 1 || got[0] != 10 {
		t.Fatalf("recipients = %v, want [10]", got)
	}
	msgs := sender.messages()
	if len(msgs) != 1 {
		t.Fatalf("messages = %d, want 1", len(msgs))
	}
	want := "[reports] 2 change(s): added 2 file(s)"
	if msgs[0].text != want {
		t.Fatalf("text = %q, want %q", msgs[0].text, want)
	}
}

func TestHandleChangeRendersItems(t *testing.T) {
	ctx := context.Background()
	mem := storage.NewMemory()
	ch := mem.AddChannel(storage.Channel{Identifier: "docs", Kind: "FOLDER", Config: []byte(`{"path":"/tmp/x"}`), Active: true})
	if err := mem.SetGrant(ctx, storage.Grant{UserID: 7, Level: storage.PermAdmin}); err != nil {
		t.Fatal(err)
	}
	if err := mem.SetSubscription(ctx, 7, ch.ID, true); err != nil {
		t.Fatal(err)
	}

	sender := newFakeSender(0)
	d := testDispatcher(t, mem, sender, nil)

	d.HandleChange(ctx, changeEvent(ch, 1, "added 1 file(s)", "+ a.txt"))

	msgs := sender.messages()
	if len(msgs) != 1 {
		t.Fatalf("messages = %d, want 1", len(msgs))
	}
	want := "[docs] 1 change(s): added 1 file(s)\n+ a.txt"
	if msgs[0].text != want {
		t.Fatalf("text = %q, want %q", msgs[0].text, want)
	}
}

func TestDeliveryRetriesWithinLifetime(t *testing.T) {
	ctx := context.Background()
	mem := storage.NewMemory()
	if err := mem.SetGrant(ctx, storage.Grant{UserID: 5, Level: storage.PermUser}); err != nil {
		t.Fatal(err)
	}

	sender := newFakeSender(2)
	d := testDispatcher(t, mem, sender, map[string]string{
		"RETRY_INTERVAL":        "0.01",
		"NOTIFICATION_LIFETIME": "5",
	})

	d.SendTo(ctx, 5, "hello")

	msgs := sender.messages()
	if len(msgs) != 1 || msgs[0].text != "hello" {
		t.Fatalf("messages = %v, want one delivery after retries", msgs)
	}
	sender.mu.Lock()
	attempts := sender.attempts[5]
	sender.mu.Unlock()
	if attempts != 3 {
		t.Fatalf("attempts = %d, want 3", attempts)
	}
}

func TestDeliveryExpiresAfterLifetime(t *testing.T) {
	ctx := context.Background()
	mem := storage.NewMemory()
	sender := newFakeSender(1000)
	d := testDispatcher(t, mem, sender, map[string]string{
		"RETRY_INTERVAL":        "0.02",
		"NOTIFICATION_LIFETIME": "0.1",
	})

	start := time.Now()
	d.SendTo(ctx, 9, "doomed")
	if time.Since(start) > 3*time.Second {
		t.Fatalf("expired delivery blocked too long")
	}
	if len(sender.messages()) != 0 {
		t.Fatalf("expected no deliveries")
	}
}

func TestSuspendResumeBypassSilence(t *testing.T) {
	ctx := context.Background()
	mem := storage.NewMemory()
	ch := mem.AddChannel(storage.Channel{Identifier: "ledger", Kind: "SQL", Config: []byte(`{}`), Active: true})

	sender := newFakeSender(0)
	d := testDispatcher(t, mem, sender, nil)
	d.Silence().Set(21, time.Now().Add(time.Hour))

	d.ChannelSuspended(ctx, ch, []int64{21})
	d.ChannelResumed(ctx, ch, []int64{21})

	msgs := sender.messages()
	if len(msgs) != 2 {
		t.Fatalf("messages = %d, want 2", len(msgs))
	}
	if msgs[0].userID != 21 || msgs[1].userID != 21 {
		t.Fatalf("wrong recipients: %v", msgs)
	}
}

func TestNotifyAdminsTargetsPrivileged(t *testing.T) {
	ctx := context.Background()
	mem := storage.NewMemory()
	for uid, lvl := range map[int64]storage.Permission{
		1: storage.PermMaster,
		2: storage.PermAdmin,
		3: storage.PermUser,
		4: storage.PermBlocked,
	} {
		if err := mem.SetGrant(ctx, storage.Grant{UserID: uid, Level: lvl}); err != nil {
			t.Fatal(err)
		}
	}

	sender := newFakeSender(0)
	d := testDispatcher(t, mem, sender, nil)

	d.NotifyAdmins(ctx, "channel misconfigured")

	got := sender.recipients()
	if len(got) != 2 || got[0] != 1 || got[1] != 2 {
		t.Fatalf("recipients = %v, want [1 2]", got)
	}
}

func TestSetSilenceSendsEnableNotice(t *testing.T) {
	ctx := context.Background()
	mem := storage.NewMemory()
	sender := newFakeSender(0)
	d := testDispatcher(t, mem, sender, nil)

	until := time.Now().Add(50 * time.Millisecond)
	d.SetSilence(ctx, 30, until)

	if !d.Silence().Silenced(30, time.Now()) {
		t.Fatal("window should be open")
	}

	deadline := time.Now().Add(3 * time.Second)
	for {
		if len(sender.messages()) > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("no enable notice before deadline")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if d.Silence().Silenced(30, time.Now()) {
		t.Fatal("window should have closed")
	}
}

func TestSilenceWindowReplacedKeepsNewer(t *testing.T) {
	ctx := context.Background()
	mem := storage.NewMemory()
	sender := newFakeSender(0)
	d := testDispatcher(t, mem, sender, nil)

	first := time.Now().Add(50 * time.Millisecond)
	d.SetSilence(ctx, 40, first)
	later := time.Now().Add(time.Hour)
	d.SetSilence(ctx, 40, later)

	time.Sleep(150 * time.Millisecond)
	if !d.Silence().Silenced(40, time.Now()) {
		t.Fatal("newer window must survive the stale expiry timer")
	}
}

func TestSplitParts(t *testing.T) {
	cases := []struct {
		text  string
		limit int
		want  int
	}{
		{"short", 10, 1},
		{"abcdefghij", 10, 1},
		{"abcdefghijk", 10, 2},
		{"", 10, 1},
	}
	for _, tc := range cases {
		got := splitParts(tc.text, tc.limit)
		if len(got) != tc.want {
			t.Errorf("splitParts(%q, %d) = %d parts, want %d", tc.text, tc.limit, len(got), tc.want)
		}
		var joined string
		for _, p := range got {
			joined += p
		}
		if joined != tc.text {
			t.Errorf("splitParts(%q) lost content: %q", tc.text, joined)
		}
	}
}
