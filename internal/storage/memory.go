package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Memory is a volatile Store used in development and tests.
type Memory struct {
	mu     sync.Mutex
	params map[string]string
	grants map[int64]Grant
	chans  map[int64]Channel
	subs   map[[2]int64]Subscription // key: {userID, channelID}
	nextID int64
	closed bool
}

func NewMemory() *Memory {
	return &Memory{
		params: make(map[string]string),
		grants: make(map[int64]Grant),
		chans:  make(map[int64]Channel),
		subs:   make(map[[2]int64]Subscription),
		nextID: 1,
	}
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

func (m *Memory) check() error {
	if m.closed {
		return ErrClosed
	}
	return nil
}

func (m *Memory) Parameters(ctx context.Context) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return nil, err
	}
	out := make(map[string]string, len(m.params))
	for k, v := range m.params {
		out[k] = v
	}
	return out, nil
}

func (m *Memory) SetParameter(ctx context.Context, name, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return err
	}
	m.params[name] = value
	return nil
}

func (m *Memory) Grant(ctx context.Context, userID int64) (Grant, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return Grant{}, false, err
	}
	g, ok := m.grants[userID]
	return g, ok, nil
}

func (m *Memory) SetGrant(ctx context.Context, g Grant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return err
	}
	if !ValidPermission(g.Level) {
		return fmt.Errorf("invalid permission level %d", g.Level)
	}
	if g.UpdatedAt.IsZero() {
		g.UpdatedAt = time.Now()
	}
	m.grants[g.UserID] = g
	return nil
}

func (m *Memory) GrantMasterIfNone(ctx context.Context, userID int64, name string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return false, err
	}
	for _, g := range m.grants {
		if g.Level == PermMaster {
			return false, nil
		}
	}
	m.grants[userID] = Grant{UserID: userID, Name: name, Level: PermMaster, UpdatedAt: time.Now()}
	return true, nil
}

func (m *Memory) Privileged(ctx context.Context) ([]Grant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return nil, err
	}
	var out []Grant
	for _, g := range m.grants {
		if g.Level == PermAdmin || g.Level == PermMaster {
			out = append(out, g)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

// AddChannel inserts a channel definition. Not part of the Store interface;
// tests and development tooling seed channels through it.
func (m *Memory) AddChannel(c Channel) Channel {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c.ID == 0 {
		c.ID = m.nextID
		m.nextID++
	} else if c.ID >= m.nextID {
		m.nextID = c.ID + 1
	}
	m.chans[c.ID] = c
	return c
}

// RemoveChannel deletes a channel definition.
func (m *Memory) RemoveChannel(id int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.chans, id)
}

func (m *Memory) Channels(ctx context.Context) ([]Channel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return nil, err
	}
	var out []Channel
	for _, c := range m.chans {
		if c.Active {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) SetSubscription(ctx context.Context, userID, channelID int64, active bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return err
	}
	key := [2]int64{userID, channelID}
	sub, ok := m.subs[key]
	if !ok {
		sub = Subscription{UserID: userID, ChannelID: channelID}
	}
	sub.Active = active
	m.subs[key] = sub
	return nil
}

func (m *Memory) Subscriptions(ctx context.Context, userID int64) ([]Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return nil, err
	}
	var out []Subscription
	for _, sub := range m.subs {
		if sub.UserID != userID {
			continue
		}
		if c, ok := m.chans[sub.ChannelID]; ok {
			sub.ChannelIdentifier = c.Identifier
		}
		out = append(out, sub)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ChannelIdentifier < out[j].ChannelIdentifier
	})
	return out, nil
}

func (m *Memory) Subscribers(ctx context.Context, channelID int64) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return nil, err
	}
	var out []int64
	for _, sub := range m.subs {
		if sub.ChannelID == channelID && sub.Active && !sub.Suspended {
			out = append(out, sub.UserID)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (m *Memory) SetChannelSuspended(ctx context.Context, channelID int64, suspended bool) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return nil, err
	}
	var affected []int64
	for key, sub := range m.subs {
		if sub.ChannelID != channelID || !sub.Active || sub.Suspended == suspended {
			continue
		}
		sub.Suspended = suspended
		m.subs[key] = sub
		affected = append(affected, sub.UserID)
	}
	sort.Slice(affected, func(i, j int) bool { return affected[i] < affected[j] })
	return affected, nil
}
