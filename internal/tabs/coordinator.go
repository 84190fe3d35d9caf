package tabs

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mkoskela/tether/internal/pubsub"
	"github.com/mkoskela/tether/internal/queue"
	"github.com/mkoskela/tether/internal/session"
)

const (
	// DefaultHeartbeatInterval is how often a tab announces liveness.
	DefaultHeartbeatInterval = 5 * time.Second

	// DefaultHeartbeatTimeout is how long a silent peer stays in the
	// membership table before it is presumed dead.
	DefaultHeartbeatTimeout = 15 * time.Second
)

// Tab is a live membership record. Records for peers are mirrors updated
// only by inbound messages; a tab mutates only its own record.
type Tab struct {
	TabID         string
	SessionID     string
	LastHeartbeat time.Time
	IsPrimary     bool
}

// RoleChange is published when this tab gains or loses the primary role.
type RoleChange struct {
	IsPrimary bool
	Primary   string // tab currently holding the role
}

// Registry persists membership rows so the status command can report on
// sibling tabs. Implemented by queue.Store; nil disables persistence.
type Registry interface {
	SaveTab(ctx context.Context, row queue.TabRow) error
	DeleteTab(ctx context.Context, tabID string) error
	PruneTabs(ctx context.Context, cutoff time.Time) (int, error)
}

// Options tune the coordinator; zero values take defaults.
type Options struct {
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
}

// Coordinator runs one tab's view of the cross-tab protocol: announce,
// heartbeat, track peers, elect a primary, and replicate session state.
type Coordinator struct {
	tabID     string
	sessionID string
	bus       Bus
	registry  Registry
	sessions  *session.Manager // nil disables STATE_SYNC
	logger    *slog.Logger
	opts      Options

	roles   *pubsub.Emitter[RoleChange]
	nowFunc func() time.Time

	busSub     pubsub.Subscription
	sessionSub pubsub.Subscription

	mu          sync.Mutex
	peers       map[string]Tab
	primary     string
	lastAdopted time.Time // RefreshedAt of the last session adopted from a peer
	selfBeat    time.Time
}

// NewCoordinator creates a coordinator for one tab. The tab ID is
// generated; sessionID groups tabs belonging to the same login.
func NewCoordinator(bus Bus, registry Registry, sessions *session.Manager, sessionID string, logger *slog.Logger, opts Options) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}

	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = DefaultHeartbeatInterval
	}

	if opts.HeartbeatTimeout <= 0 {
		opts.HeartbeatTimeout = DefaultHeartbeatTimeout
	}

	return &Coordinator{
		tabID:     uuid.NewString(),
		sessionID: sessionID,
		bus:       bus,
		registry:  registry,
		sessions:  sessions,
		logger:    logger,
		opts:      opts,
		roles:     pubsub.New[RoleChange](logger),
		nowFunc:   time.Now,
		peers:     make(map[string]Tab),
	}
}

// TabID returns this tab's identity.
func (c *Coordinator) TabID() string { return c.tabID }

// IsPrimary reports whether this tab currently holds the primary role.
func (c *Coordinator) IsPrimary() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.primary == c.tabID
}

// Primary returns the tab ID this tab believes holds the role.
func (c *Coordinator) Primary() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.primary
}

// Peers returns a snapshot of known live tabs, self included.
func (c *Coordinator) Peers() []Tab {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]Tab, 0, len(c.peers)+1)
	out = append(out, c.selfTab())

	for _, p := range c.peers {
		out = append(out, p)
	}

	return out
}

// SubscribeRole registers a handler for primary role transitions.
func (c *Coordinator) SubscribeRole(fn func(RoleChange)) pubsub.Subscription {
	return c.roles.Subscribe(fn)
}

// Start joins the bus, announces this tab, and runs an initial election.
// Heartbeats continue until ctx is canceled; Close must still be called
// for a clean departure.
func (c *Coordinator) Start(ctx context.Context) {
	c.mu.Lock()
	c.selfBeat = c.nowFunc()
	c.mu.Unlock()

	c.busSub = c.bus.Subscribe(c.handle)

	if c.sessions != nil {
		c.sessionSub = c.sessions.Subscribe(c.shareSession)
	}

	c.send(Message{Type: MsgRegistered})
	c.persistSelf(ctx)
	c.elect(ctx, "initialization")

	go c.heartbeatLoop(ctx)
}

// Close broadcasts departure and removes this tab's persisted row. The
// bus subscription is dropped first so a departing tab cannot contest
// the election its CLOSING message triggers.
func (c *Coordinator) Close(ctx context.Context) {
	if c.busSub != nil {
		c.busSub.Unsubscribe()
	}

	c.send(Message{Type: MsgClosing})

	if c.sessionSub != nil {
		c.sessionSub.Unsubscribe()
	}

	if c.registry != nil {
		if err := c.registry.DeleteTab(ctx, c.tabID); err != nil {
			c.logger.Warn("removing tab row failed", slog.Any("error", err))
		}
	}
}

// RequestElection re-runs the election on demand.
func (c *Coordinator) RequestElection(ctx context.Context) {
	c.elect(ctx, "explicit request")
}

func (c *Coordinator) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(c.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			c.selfBeat = c.nowFunc()
			c.mu.Unlock()

			c.send(Message{Type: MsgHeartbeat})
			c.persistSelf(ctx)
			c.pruneStale(ctx)
		}
	}
}

// handle processes one inbound bus message. Own messages are echoed back
// by the bus and skipped here.
func (c *Coordinator) handle(msg Message) {
	if msg.TabID == c.tabID {
		return
	}

	ctx := context.Background()

	switch msg.Type {
	case MsgRegistered:
		c.upsertPeer(msg)
		// Answer so the newcomer learns about us before its first
		// heartbeat interval elapses.
		c.send(Message{Type: MsgHeartbeat})
		c.elect(ctx, "peer registered")

	case MsgHeartbeat:
		c.upsertPeer(msg)

	case MsgClosing:
		c.mu.Lock()
		delete(c.peers, msg.TabID)
		wasPrimary := c.primary == msg.TabID
		c.mu.Unlock()

		if wasPrimary {
			c.elect(ctx, "primary closing")
		}

	case MsgElection:
		c.handleElection(ctx, msg)

	case MsgStateSync:
		c.adoptSession(msg)
	}
}

func (c *Coordinator) upsertPeer(msg Message) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.peers[msg.TabID] = Tab{
		TabID:         msg.TabID,
		SessionID:     msg.SessionID,
		LastHeartbeat: msg.Timestamp,
		IsPrimary:     msg.TabID == c.primary,
	}
}

// pruneStale drops peers whose heartbeat is older than the timeout and
// re-elects if the primary was among them.
func (c *Coordinator) pruneStale(ctx context.Context) {
	cutoff := c.nowFunc().Add(-c.opts.HeartbeatTimeout)

	c.mu.Lock()

	lostPrimary := false

	for id, p := range c.peers {
		if p.LastHeartbeat.Before(cutoff) {
			delete(c.peers, id)

			if id == c.primary {
				lostPrimary = true
			}
		}
	}
	c.mu.Unlock()

	if c.registry != nil {
		if _, err := c.registry.PruneTabs(ctx, cutoff); err != nil {
			c.logger.Warn("pruning tab rows failed", slog.Any("error", err))
		}
	}

	if lostPrimary {
		c.elect(ctx, "primary heartbeat timeout")
	}
}

// elect picks the primary among live tabs: earliest heartbeat wins, the
// longest-active tab, with lexical tab ID as tiebreak. Every tab runs
// the same deterministic rule on its own membership view, and the winner
// broadcasts, so views converge within a heartbeat interval.
func (c *Coordinator) elect(ctx context.Context, reason string) {
	c.mu.Lock()

	winner := c.selfTab()

	for _, p := range c.peers {
		if beats(p, winner) {
			winner = p
		}
	}

	wasSelf := c.primary == c.tabID
	c.primary = winner.TabID
	isSelf := winner.TabID == c.tabID
	c.mu.Unlock()

	c.logger.Debug("election",
		slog.String("reason", reason),
		slog.String("winner", winner.TabID),
		slog.Bool("self", isSelf),
	)

	if isSelf {
		c.send(Message{Type: MsgElection, Primary: c.tabID})
		c.persistSelf(ctx)
	}

	if wasSelf != isSelf {
		c.roles.Publish(RoleChange{IsPrimary: isSelf, Primary: winner.TabID})
	}
}

// beats reports whether a should be preferred over b as primary.
func beats(a, b Tab) bool {
	if !a.LastHeartbeat.Equal(b.LastHeartbeat) {
		return a.LastHeartbeat.Before(b.LastHeartbeat)
	}

	return a.TabID < b.TabID
}

// handleElection reconciles a broadcast election result with our own
// view. A claim we can verify is checked by re-running the local
// election, so a stale or competing claim is corrected rather than
// blindly adopted; a claimant we have not yet heard a heartbeat from is
// trusted until the membership table fills in.
func (c *Coordinator) handleElection(ctx context.Context, msg Message) {
	c.mu.Lock()
	_, known := c.peers[msg.Primary]
	agrees := c.primary == msg.Primary
	c.mu.Unlock()

	if agrees {
		return
	}

	if !known && msg.Primary != c.tabID {
		c.adoptPrimary(msg.Primary)

		return
	}

	c.elect(ctx, "peer election claim")
}

// adoptPrimary installs a broadcast election result.
func (c *Coordinator) adoptPrimary(primary string) {
	c.mu.Lock()
	wasSelf := c.primary == c.tabID
	c.primary = primary
	isSelf := primary == c.tabID
	c.mu.Unlock()

	if wasSelf != isSelf {
		c.roles.Publish(RoleChange{IsPrimary: isSelf, Primary: primary})
	}
}

// adoptSession installs replicated session state from whichever tab
// refreshed last.
func (c *Coordinator) adoptSession(msg Message) {
	if c.sessions == nil || msg.Session == nil {
		return
	}

	c.mu.Lock()
	c.lastAdopted = msg.Session.RefreshedAt
	c.mu.Unlock()

	c.sessions.Adopt(*msg.Session)
}

// shareSession broadcasts a locally refreshed session. Sessions we just
// adopted from a peer are not echoed back.
func (c *Coordinator) shareSession(s session.Session) {
	c.mu.Lock()
	adopted := s.RefreshedAt.Equal(c.lastAdopted)
	c.mu.Unlock()

	if adopted {
		return
	}

	c.send(Message{Type: MsgStateSync, Session: &s})
}

func (c *Coordinator) selfTab() Tab {
	return Tab{
		TabID:         c.tabID,
		SessionID:     c.sessionID,
		LastHeartbeat: c.selfBeat,
		IsPrimary:     c.primary == c.tabID,
	}
}

func (c *Coordinator) send(msg Message) {
	msg.TabID = c.tabID
	msg.SessionID = c.sessionID
	msg.Timestamp = c.selfHeartbeat()

	if err := c.bus.Publish(msg); err != nil {
		c.logger.Warn("broadcast failed",
			slog.String("type", string(msg.Type)),
			slog.Any("error", err),
		)
	}
}

func (c *Coordinator) selfHeartbeat() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.selfBeat.IsZero() {
		c.selfBeat = c.nowFunc()
	}

	return c.selfBeat
}

func (c *Coordinator) persistSelf(ctx context.Context) {
	if c.registry == nil {
		return
	}

	c.mu.Lock()
	row := queue.TabRow{
		TabID:         c.tabID,
		SessionID:     c.sessionID,
		IsPrimary:     c.primary == c.tabID,
		LastHeartbeat: c.selfBeat,
		IsActive:      true,
	}
	c.mu.Unlock()

	if err := c.registry.SaveTab(ctx, row); err != nil {
		c.logger.Warn("persisting tab row failed", slog.Any("error", err))
	}
}
