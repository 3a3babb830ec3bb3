package storage

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	logx "trackerbot/pkg/logx"
)

func TestGrantMasterIfNoneSingleWinner(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	const callers = 16
	var wg sync.WaitGroup
	wins := make([]bool, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ok, err := m.GrantMasterIfNone(ctx, int64(100+i), "user")
			if err != nil {
				t.Errorf("caller %d: %v", i, err)
				return
			}
			wins[i] = ok
		}(i)
	}
	wg.Wait()

	won := 0
	for _, w := range wins {
		if w {
			won++
		}
	}
	if won != 1 {
		t.Fatalf("expected exactly one MASTER grant, got %d", won)
	}

	masters := 0
	for i := 0; i < callers; i++ {
		g, ok, err := m.Grant(ctx, int64(100+i))
		if err != nil {
			t.Fatal(err)
		}
		if ok && g.Level == PermMaster {
			masters++
		}
	}
	if masters != 1 {
		t.Fatalf("expected one MASTER record, got %d", masters)
	}
}

func TestGrantMasterIfNoneRespectsExisting(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	if err := m.SetGrant(ctx, Grant{UserID: 1, Name: "boss", Level: PermMaster}); err != nil {
		t.Fatal(err)
	}
	ok, err := m.GrantMasterIfNone(ctx, 2, "late")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("second MASTER grant should not succeed")
	}
	if _, found, _ := m.Grant(ctx, 2); found {
		t.Fatal("losing caller must not get any record")
	}
}

func TestSetGrantAllowsSecondMaster(t *testing.T) {
	st, err := Open(context.Background(), Config{
		Driver: "sqlite",
		Path:   filepath.Join(t.TempDir(), "grants.db"),
	}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()
	ctx := context.Background()

	ok, err := st.GrantMasterIfNone(ctx, 1, "first")
	if err != nil || !ok {
		t.Fatalf("bootstrap: ok=%v err=%v", ok, err)
	}

	// Bootstrap is the only path restricted to a single MASTER. An operator
	// promoting a second user through SetGrant must not hit a schema
	// constraint.
	if err := st.SetGrant(ctx, Grant{UserID: 2, Name: "second", Level: PermMaster}); err != nil {
		t.Fatalf("second MASTER via SetGrant: %v", err)
	}

	masters := 0
	grants, err := st.Privileged(ctx)
	if err != nil {
		t.Fatal(err)
	}
	for _, g := range grants {
		if g.Level == PermMaster {
			masters++
		}
	}
	if masters != 2 {
		t.Fatalf("MASTER records = %d, want 2", masters)
	}
}

func TestSetGrantRejectsUnknownLevel(t *testing.T) {
	m := NewMemory()
	if err := m.SetGrant(context.Background(), Grant{UserID: 1, Level: Permission(3)}); err == nil {
		t.Fatal("expected error for level 3")
	}
}

func TestSubscriptionToggleAndSubscribers(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	ch := m.AddChannel(Channel{Identifier: "news", Kind: "file", Active: true})

	if err := m.SetSubscription(ctx, 10, ch.ID, true); err != nil {
		t.Fatal(err)
	}
	if err := m.SetSubscription(ctx, 11, ch.ID, true); err != nil {
		t.Fatal(err)
	}

	subs, err := m.Subscribers(ctx, ch.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(subs) != 2 {
		t.Fatalf("want 2 subscribers, got %v", subs)
	}

	// Toggle one off.
	if err := m.SetSubscription(ctx, 11, ch.ID, false); err != nil {
		t.Fatal(err)
	}
	subs, _ = m.Subscribers(ctx, ch.ID)
	if len(subs) != 1 || subs[0] != 10 {
		t.Fatalf("want [10], got %v", subs)
	}

	// The inactive row is still visible in the user's subscription list.
	list, err := m.Subscriptions(ctx, 11)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0].Active {
		t.Fatalf("want one inactive row, got %+v", list)
	}
	if list[0].ChannelIdentifier != "news" {
		t.Fatalf("identifier not joined: %+v", list[0])
	}
}

func TestSetChannelSuspended(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	ch := m.AddChannel(Channel{Identifier: "logs", Kind: "folder", Active: true})

	for _, uid := range []int64{1, 2, 3} {
		if err := m.SetSubscription(ctx, uid, ch.ID, true); err != nil {
			t.Fatal(err)
		}
	}
	// An inactive subscription is never suspended or notified.
	if err := m.SetSubscription(ctx, 4, ch.ID, false); err != nil {
		t.Fatal(err)
	}

	affected, err := m.SetChannelSuspended(ctx, ch.ID, true)
	if err != nil {
		t.Fatal(err)
	}
	if len(affected) != 3 {
		t.Fatalf("want 3 affected users, got %v", affected)
	}
	if subs, _ := m.Subscribers(ctx, ch.ID); len(subs) != 0 {
		t.Fatalf("suspended subscribers still visible: %v", subs)
	}

	// Suspending again is a no-op.
	affected, err = m.SetChannelSuspended(ctx, ch.ID, true)
	if err != nil {
		t.Fatal(err)
	}
	if len(affected) != 0 {
		t.Fatalf("second suspend should affect nobody, got %v", affected)
	}

	affected, err = m.SetChannelSuspended(ctx, ch.ID, false)
	if err != nil {
		t.Fatal(err)
	}
	if len(affected) != 3 {
		t.Fatalf("resume should affect 3 users, got %v", affected)
	}
	if subs, _ := m.Subscribers(ctx, ch.ID); len(subs) != 3 {
		t.Fatalf("want 3 subscribers after resume, got %v", subs)
	}
}

func TestParametersRoundTrip(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	if err := m.SetParameter(ctx, "POLLING", "60"); err != nil {
		t.Fatal(err)
	}
	if err := m.SetParameter(ctx, "POLLING", "90"); err != nil {
		t.Fatal(err)
	}
	params, err := m.Parameters(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if params["POLLING"] != "90" {
		t.Fatalf("want upserted value, got %q", params["POLLING"])
	}
}
