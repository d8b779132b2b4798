package sidecar

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// State is the drain coordinator's lifecycle state.
type State string

const (
	StateActive      State = "active"
	StateDrainingLB  State = "draining"
	StateTerminating State = "terminating"
)

// Coordinator drives the poll loop and the drain state machine. It owns the
// only mutable state in the process: the current lifecycle state and the last
// tick's outcomes, both guarded for the status endpoint's benefit.
type Coordinator struct {
	poller  *Poller
	cfg     Config
	logger  zerolog.Logger
	tracker *StatusTracker
}

// NewCoordinator creates a coordinator over a poller.
func NewCoordinator(poller *Poller, cfg Config, tracker *StatusTracker, logger zerolog.Logger) *Coordinator {
	if tracker == nil {
		tracker = NewStatusTracker()
	}
	return &Coordinator{poller: poller, cfg: cfg, logger: logger, tracker: tracker}
}

// Run executes the poll loop until a target drains or the context is
// canceled. A nil return means the drain grace period completed and the
// process should exit cleanly; a context error means a termination signal
// preempted the loop.
func (c *Coordinator) Run(ctx context.Context) error {
	c.tracker.SetState(StateActive)
	c.logger.Info().Msg("initialization complete, starting poll loop")

	for {
		// The interval elapses before the first check: a fresh task's
		// targets start in 'initial' and need time to register.
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.cfg.PollingFrequency):
		}

		outcomes, err := c.poller.PollAll(ctx)
		if err != nil {
			return err
		}
		c.tracker.RecordTick(c.poller.taskCtx.Bindings, outcomes)

		if i := firstDraining(outcomes); i >= 0 {
			b := c.poller.taskCtx.Bindings[i]
			c.logger.Warn().
				Str("target_group", b.TargetGroupARN).
				Str("identity", b.Identity).
				Dur("wait", c.cfg.DeregistrationWait).
				Msg("target is draining, exiting after deregistration wait")
			return c.drain(ctx)
		}
	}
}

// drain waits out the deregistration grace period so the load balancer can
// finish its connection-draining workflow, then signals a clean exit. The
// wait is one blocking sleep; no polling happens during it.
func (c *Coordinator) drain(ctx context.Context) error {
	c.tracker.SetState(StateDrainingLB)

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(c.cfg.DeregistrationWait):
	}

	c.tracker.SetState(StateTerminating)
	c.logger.Info().Msg("deregistration wait elapsed, terminating")
	return nil
}

// firstDraining returns the index of the first draining outcome, or -1.
// Outcomes are inspected in binding order; the first hit decides, so the
// remaining bindings have no further effect.
func firstDraining(outcomes []PollOutcome) int {
	for i, o := range outcomes {
		if o.State == StateDraining {
			return i
		}
	}
	return -1
}
