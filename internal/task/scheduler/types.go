package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"alarmd/internal/clock"
	"alarmd/internal/eventbus"
	logx "alarmd/pkg/logx"
)

// PayloadScheduledFor carries the requested fire time (epoch millis) on every
// delivered wake. Handlers compare it with the entity's current deadline to
// detect stale deliveries.
const PayloadScheduledFor = "scheduled_for"

// Config controls the trigger scheduler.
type Config struct {
	// InexactWindow is the alignment used when exact scheduling is denied.
	InexactWindow time.Duration
	// SweepInterval is how often overdue wakes are re-checked against the
	// wall clock. 0 disables the sweep.
	SweepInterval time.Duration
}

// Deliverer receives due wakes. It is the action router in alarmd.
type Deliverer func(ctx context.Context, id int64, action string, payload map[string]string) error

// ExactPermission reports whether exact-time wakes are allowed.
type ExactPermission interface {
	ExactSchedulingGranted() bool
}

// Wake is a pending trigger.
type Wake struct {
	ID      int64             `json:"id"`
	Action  string            `json:"action"`
	At      time.Time         `json:"at"`      // requested time
	FireAt  time.Time         `json:"fire_at"` // effective time (aligned when inexact)
	Exact   bool              `json:"exact"`
	Payload map[string]string `json:"payload,omitempty"`

	ver uint64
}

// Snapshot is a diagnostics view.
type Snapshot struct {
	Running       bool          `json:"running"`
	Degraded      bool          `json:"degraded"`
	InexactWindow time.Duration `json:"inexact_window"`
	SweepInterval time.Duration `json:"sweep_interval"`
	NextSweep     time.Time     `json:"next_sweep,omitempty"`
	Pending       []Wake        `json:"pending"`
}

type Service struct {
	mu sync.Mutex

	log     logx.Logger
	cfg     Config
	bus     eventbus.Bus
	clk     clock.Clock
	perm    ExactPermission
	deliver Deliverer

	parser  cron.Parser
	c       *cron.Cron
	sweepID cron.EntryID

	ctx    context.Context
	cancel context.CancelFunc

	// degraded is true while exact scheduling is denied; used to log the
	// transition once instead of on every Schedule call.
	degraded bool

	// Delivery error throttling: key is the wake key.
	repMu       sync.Mutex
	lastRepWarn map[string]time.Time

	// pending wakes outlive Stop/Start; timers are runtime only and exist
	// while armed is true.
	tmu     sync.Mutex
	armed   bool
	pending map[string]*Wake
	timers  map[string]clock.Timer
	seq     uint64
}
