// Package hibernate implements the Hibernation Controller (§4.8): idle
// detection over a set of in-process actor instances, onStop+flush+release
// on timeout, and reload-on-next-event.
//
// Grounded on the teacher's runtime/registry/cache.go MemoryCache (a
// mutex-guarded map with LRU eviction on a capacity bound), generalized
// from "evict on capacity" to "evict on idle policy": Sweep plays the role
// cache.go's background janitor goroutine plays, walking the live set and
// releasing entries whose policy has been satisfied rather than entries
// past a TTL.
package hibernate

import (
	"context"
	"sync"
	"time"

	"github.com/rivetkit/actorcore/actor"
	"github.com/rivetkit/actorcore/config"
	"github.com/rivetkit/actorcore/conn"
	"github.com/rivetkit/actorcore/telemetry"
)

// Loader constructs (fresh) or reloads (after a prior eviction) the
// Instance backing id, including wiring its Driver and Hooks, and calling
// Start or Resume as appropriate. The controller never constructs an
// Instance itself: only the host (gateway/cmd) knows an actor id's
// definition and backing Driver.
type Loader func(ctx context.Context, id string) (*actor.Instance, error)

type liveEntry struct {
	inst     *actor.Instance
	loadedAt time.Time
}

// Controller tracks in-process Instances keyed by actor id and evicts them
// per §4.8's idle policy.
type Controller struct {
	cfg    config.Config
	load   Loader
	logger telemetry.Logger

	mu   sync.Mutex
	live map[string]*liveEntry
}

// New constructs a Controller. cfg supplies HibernationIdle and
// WorkerPollInterval, the two thresholds the idle policy checks against.
func New(cfg config.Config, load Loader, logger telemetry.Logger) *Controller {
	if logger == nil {
		logger, _, _ = telemetry.Noop()
	}
	return &Controller{cfg: cfg, load: load, logger: logger, live: make(map[string]*liveEntry)}
}

// Acquire returns the live Instance for id, loading it via Loader on first
// touch or after a prior idle eviction (§4.8 wake: "the next incoming
// event... causes reload").
func (c *Controller) Acquire(ctx context.Context, id string) (*actor.Instance, error) {
	c.mu.Lock()
	if e, ok := c.live[id]; ok {
		c.mu.Unlock()
		return e.inst, nil
	}
	c.mu.Unlock()

	inst, err := c.load(ctx, id)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.live[id] = &liveEntry{inst: inst, loadedAt: time.Now()}
	c.mu.Unlock()
	return inst, nil
}

// Release forcibly drops id from the live set without running onStop,
// e.g. after the host determines the instance crashed and must be
// reloaded from scratch on next Acquire.
func (c *Controller) Release(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.live, id)
}

// LiveCount reports how many instances are currently resident, for
// observability.
func (c *Controller) LiveCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.live)
}

// Sweep evicts every tracked instance satisfying §4.8's idle policy: no
// in-flight actions or active workflow step (Instance.Idle), no live
// non-hibernatable connections, and no alarm pending within
// WorkerPollInterval. Call this on a ticker from the host process.
func (c *Controller) Sweep(ctx context.Context) {
	c.mu.Lock()
	ids := make([]string, 0, len(c.live))
	for id := range c.live {
		ids = append(ids, id)
	}
	c.mu.Unlock()

	for _, id := range ids {
		c.sweepOne(ctx, id)
	}
}

func (c *Controller) sweepOne(ctx context.Context, id string) {
	c.mu.Lock()
	e, ok := c.live[id]
	c.mu.Unlock()
	if !ok {
		return
	}

	idle, _ := e.inst.Idle(c.cfg.HibernationIdle)
	if !idle {
		return
	}
	if hasLiveNonHibernatableConns(e.inst) {
		return
	}
	if hasNearAlarm(ctx, e.inst, c.cfg.WorkerPollInterval) {
		return
	}

	if err := e.inst.Stop(ctx); err != nil {
		c.logger.Warn(ctx, "hibernate: onStop failed, keeping instance resident", "actor", id, "error", err.Error())
		return
	}

	c.mu.Lock()
	delete(c.live, id)
	c.mu.Unlock()
	c.logger.Info(ctx, "hibernate: released idle instance", "actor", id)
}

func hasLiveNonHibernatableConns(inst *actor.Instance) bool {
	for _, cn := range inst.Conns().Conns() {
		if !cn.Hibernatable && cn.State() == conn.StateOpen {
			return true
		}
	}
	return false
}

// hasNearAlarm reports whether inst has a pending alarm due within poll,
// the §4.8 "no pending scheduled alarm within workerPollInterval" clause:
// an instance about to wake imminently for a short sleep stays resident
// rather than paying a reload round-trip.
func hasNearAlarm(ctx context.Context, inst *actor.Instance, poll time.Duration) bool {
	wakeAtMs, ok, err := inst.NextAlarm(ctx)
	if err != nil || !ok {
		return false
	}
	return time.Until(time.UnixMilli(wakeAtMs)) < poll
}
