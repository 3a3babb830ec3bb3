// Package access implements the access-request workflow: an unknown user
// asks for access, admins approve or reject through inline prompts, and
// stale requests expire on their own. The very first requester becomes
// MASTER without going through the pending state.
package access

import (
	"context"
	"fmt"
	"sync"
	"time"

	"trackerbot/internal/params"
	rtsup "trackerbot/internal/runtime/supervisor"
	"trackerbot/internal/storage"
	kit "trackerbot/internal/transport"
	logx "trackerbot/pkg/logx"
)

// Outcome of a Request call.
type Outcome int

const (
	// OutcomeGranted means the user already holds a permission record.
	OutcomeGranted Outcome = iota
	// OutcomeMaster means the bootstrap rule fired: first user ever becomes MASTER.
	OutcomeMaster
	// OutcomePending means a fresh request was created and admins were prompted.
	OutcomePending
	// OutcomeAlreadyPending means an unexpired request already exists; its
	// expiry is left untouched.
	OutcomeAlreadyPending
)

// Resolution of an admin decision.
type Resolution int

const (
	ResolutionApproved Resolution = iota
	ResolutionRejected
	// ResolutionNotPending means there was nothing to resolve: the request
	// expired or was already decided by another admin.
	ResolutionNotPending
)

// UI is the transport-facing surface the manager drives. The command layer
// implements it with inline keyboards; tests implement it with recorders.
type UI interface {
	// PromptAdmins shows the approve/reject prompt to the given admins and
	// returns the message refs so the prompts can be edited on resolution.
	PromptAdmins(ctx context.Context, adminIDs []int64, userID int64, username string, expires time.Time) []kit.MessageRef
	// NotifyRequester sends a plain message to the requesting user.
	NotifyRequester(ctx context.Context, userID int64, text string)
	// ResolvePrompts rewrites previously sent prompts with the final text
	// and drops their buttons.
	ResolvePrompts(ctx context.Context, refs []kit.MessageRef, text string)
}

type request struct {
	userID    int64
	username  string
	createdAt time.Time
	expiresAt time.Time
	prompts   []kit.MessageRef
}

type Manager struct {
	store  storage.Store
	params *params.Store
	ui     UI
	log    logx.Logger

	mu      sync.Mutex
	pending map[int64]*request
	runCtx  context.Context
	sup     *rtsup.Supervisor
}

func NewManager(store storage.Store, ps *params.Store, ui UI, log logx.Logger) *Manager {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Manager{
		store:   store,
		params:  ps,
		ui:      ui,
		log:     log,
		pending: make(map[int64]*request),
	}
}

// Start enables the expiry timers. Without it requests still expire, just
// lazily on the next touch.
func (m *Manager) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sup != nil {
		return
	}
	m.runCtx = ctx
	m.sup = rtsup.New(ctx,
		rtsup.WithLogger(m.log.With(logx.String("comp", "access"))),
		rtsup.WithCancelOnError(false),
	)
}

func (m *Manager) Stop(ctx context.Context) {
	m.mu.Lock()
	sup := m.sup
	m.sup = nil
	m.mu.Unlock()
	if sup == nil {
		return
	}
	sup.Cancel()
	_ = sup.Wait(ctx)
}

// Request handles a /start-equivalent trigger. Serialized globally so two
// concurrent requests from one user never create two pending records.
func (m *Manager) Request(ctx context.Context, userID int64, username string) (Outcome, error) {
	m.mu.Lock()
	m.sweepLocked(ctx, time.Now())

	if _, found, err := m.store.Grant(ctx, userID); err != nil {
		m.mu.Unlock()
		return OutcomePending, err
	} else if found {
		m.mu.Unlock()
		return OutcomeGranted, nil
	}

	won, err := m.store.GrantMasterIfNone(ctx, userID, username)
	if err != nil {
		m.mu.Unlock()
		return OutcomePending, err
	}
	if won {
		m.mu.Unlock()
		m.log.Info("master bootstrap", logx.Int64("user", userID), logx.String("username", username))
		return OutcomeMaster, nil
	}

	if _, ok := m.pending[userID]; ok {
		m.mu.Unlock()
		return OutcomeAlreadyPending, nil
	}

	maxtime := m.params.Duration("ACCESS_REQUEST_MAXTIME")
	if maxtime <= 0 {
		maxtime = 5 * time.Minute
	}
	now := time.Now()
	req := &request{
		userID:    userID,
		username:  username,
		createdAt: now,
		expiresAt: now.Add(maxtime),
	}
	m.pending[userID] = req
	sup := m.sup
	m.mu.Unlock()

	adminIDs, err := m.adminIDs(ctx)
	if err != nil {
		m.log.Error("admin lookup failed", logx.Err(err))
	}
	prompts := m.ui.PromptAdmins(ctx, adminIDs, userID, username, req.expiresAt)

	m.mu.Lock()
	// Attach the refs only if the request is still the one we created.
	if cur, ok := m.pending[userID]; ok && cur == req {
		cur.prompts = prompts
	}
	m.mu.Unlock()

	if sup != nil {
		expires := req.expiresAt
		sup.Go0(fmt.Sprintf("expire.%d", userID), func(c context.Context) {
			timer := time.NewTimer(time.Until(expires))
			defer timer.Stop()
			select {
			case <-c.Done():
				return
			case <-timer.C:
			}
			m.expire(c, userID, expires)
		})
	}
	m.log.Info("access requested",
		logx.Int64("user", userID), logx.String("username", username),
		logx.Time("expires", req.expiresAt))
	return OutcomePending, nil
}

// Resolve applies an admin decision. Returns ResolutionNotPending when the
// request already expired or was decided by someone else.
func (m *Manager) Resolve(ctx context.Context, userID int64, adminUsername string, approve bool) (Resolution, error) {
	m.mu.Lock()
	m.sweepLocked(ctx, time.Now())
	req, ok := m.pending[userID]
	if !ok {
		m.mu.Unlock()
		return ResolutionNotPending, nil
	}
	delete(m.pending, userID)
	m.mu.Unlock()

	var (
		res  Resolution
		tmpl string
	)
	if approve {
		res, tmpl = ResolutionApproved, "MESSAGE_REQUEST_APPROVED"
		g := storage.Grant{UserID: userID, Name: req.username, Level: storage.PermUser, UpdatedAt: time.Now()}
		if err := m.store.SetGrant(ctx, g); err != nil {
			return res, err
		}
	} else {
		res, tmpl = ResolutionRejected, "MESSAGE_REQUEST_REJECTED"
	}

	text := m.params.Render(tmpl, map[string]string{"username": adminUsername})
	m.ui.NotifyRequester(ctx, userID, text)
	m.ui.ResolvePrompts(ctx, req.prompts, text)
	m.log.Info("access resolved",
		logx.Int64("user", userID), logx.String("by", adminUsername), logx.Bool("approved", approve))
	return res, nil
}

// Pending reports the expiry of an outstanding request, if any.
func (m *Manager) Pending(userID int64) (time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	req, ok := m.pending[userID]
	if !ok || !time.Now().Before(req.expiresAt) {
		return time.Time{}, false
	}
	return req.expiresAt, true
}

// expire drops the request if it still carries the given expiry. The
// requester is not notified; the admin prompts are rewritten so their
// buttons don't linger.
func (m *Manager) expire(ctx context.Context, userID int64, expiresAt time.Time) {
	m.mu.Lock()
	req, ok := m.pending[userID]
	if !ok || !req.expiresAt.Equal(expiresAt) {
		m.mu.Unlock()
		return
	}
	delete(m.pending, userID)
	m.mu.Unlock()

	text := m.params.Render("MESSAGE_REQUEST_EXPIRED", map[string]string{"username": req.username})
	m.ui.ResolvePrompts(ctx, req.prompts, text)
	m.log.Info("access request expired", logx.Int64("user", userID))
}

// sweepLocked lazily drops expired requests. Prompt cleanup happens in the
// background so the caller's lock hold stays short.
func (m *Manager) sweepLocked(ctx context.Context, now time.Time) {
	for uid, req := range m.pending {
		if now.Before(req.expiresAt) {
			continue
		}
		delete(m.pending, uid)
		expired := req
		go func() {
			text := m.params.Render("MESSAGE_REQUEST_EXPIRED", map[string]string{"username": expired.username})
			m.ui.ResolvePrompts(ctx, expired.prompts, text)
		}()
		m.log.Info("access request expired", logx.Int64("user", uid))
	}
}

func (m *Manager) adminIDs(ctx context.Context) ([]int64, error) {
	grants, err := m.store.Privileged(ctx)
	if err != nil {
		return nil, err
	}
	ids := make([]int64, 0, len(grants))
	for _, g := range grants {
		ids = append(ids, g.UserID)
	}
	return ids, nil
}
