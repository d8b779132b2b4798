package sidecar

import (
	"context"
	"errors"
	"testing"
	"time"

	elbtypes "github.com/aws/aws-sdk-go-v2/service/elasticloadbalancingv2/types"
	"github.com/rs/zerolog"
)

func testCoordinator(elb ELBClient, cfg Config) (*Coordinator, *StatusTracker) {
	p := NewPoller(elb, singleBindingContext(), testRetryPolicy(15), zerolog.Nop())
	tracker := NewStatusTracker()
	return NewCoordinator(p, cfg, tracker, zerolog.Nop()), tracker
}

func TestCoordinatorDrainsOnThirdTick(t *testing.T) {
	elb := &fakeELB{states: []elbtypes.TargetHealthStateEnum{
		elbtypes.TargetHealthStateEnumHealthy,
		elbtypes.TargetHealthStateEnumHealthy,
		elbtypes.TargetHealthStateEnumDraining,
	}}
	c, tracker := testCoordinator(elb, Config{
		PollingFrequency:   time.Millisecond,
		DeregistrationWait: 5 * time.Millisecond,
	})

	if err := c.Run(context.Background()); err != nil {
		t.Fatalf("drain completion must return nil, got %v", err)
	}
	if elb.calls != 3 {
		t.Errorf("calls: got %d, want exactly 3 (no polling after drain observed)", elb.calls)
	}
	if got := tracker.Snapshot().State; got != StateTerminating {
		t.Errorf("state: got %s, want terminating", got)
	}
}

func TestCoordinatorIgnoresNonDrainingStates(t *testing.T) {
	states := []elbtypes.TargetHealthStateEnum{
		elbtypes.TargetHealthStateEnumInitial,
		elbtypes.TargetHealthStateEnumUnhealthy,
		elbtypes.TargetHealthStateEnumUnused,
		elbtypes.TargetHealthStateEnumUnavailable,
		elbtypes.TargetHealthStateEnumHealthy,
		elbtypes.TargetHealthStateEnumDraining,
	}
	elb := &fakeELB{states: states}
	c, _ := testCoordinator(elb, Config{
		PollingFrequency:   time.Millisecond,
		DeregistrationWait: time.Millisecond,
	})

	if err := c.Run(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if elb.calls != len(states) {
		t.Errorf("calls: got %d, want %d (only draining transitions)", elb.calls, len(states))
	}
}

func TestCoordinatorHonorsDeregistrationWait(t *testing.T) {
	const wait = 150 * time.Millisecond
	elb := &fakeELB{states: []elbtypes.TargetHealthStateEnum{elbtypes.TargetHealthStateEnumDraining}}
	c, _ := testCoordinator(elb, Config{
		PollingFrequency:   time.Millisecond,
		DeregistrationWait: wait,
	})

	start := time.Now()
	if err := c.Run(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if elapsed := time.Since(start); elapsed < wait {
		t.Errorf("returned after %v, want at least the %v grace period", elapsed, wait)
	}
	if elb.calls != 1 {
		t.Errorf("calls: got %d, no polling may happen during the grace wait", elb.calls)
	}
}

func TestCoordinatorDrainShortCircuitsTick(t *testing.T) {
	taskCtx := singleBindingContext()
	taskCtx.Bindings = append(taskCtx.Bindings, Binding{
		TargetGroupARN: testTGARN2,
		Port:           53,
		Identity:       "10.0.1.17",
	})
	// The first binding drains on the first tick; the tick ends there, so
	// the second binding is never checked.
	elb := &fakeELB{states: []elbtypes.TargetHealthStateEnum{
		elbtypes.TargetHealthStateEnumDraining,
		elbtypes.TargetHealthStateEnumHealthy,
	}}
	p := NewPoller(elb, taskCtx, testRetryPolicy(15), zerolog.Nop())
	c := NewCoordinator(p, Config{
		PollingFrequency:   time.Millisecond,
		DeregistrationWait: time.Millisecond,
	}, nil, zerolog.Nop())

	if err := c.Run(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if elb.calls != 1 {
		t.Errorf("calls: got %d, want 1 (tick ends at the draining observation)", elb.calls)
	}
}

func TestCoordinatorDrainDecidesBeforeLaterBindingFailure(t *testing.T) {
	taskCtx := singleBindingContext()
	taskCtx.Bindings = append(taskCtx.Bindings, Binding{
		TargetGroupARN: testTGARN2,
		Port:           53,
		Identity:       "10.0.1.17",
	})
	// The first binding reports draining; the second would fail with a
	// non-retryable error. The drain decision is already made, so the run
	// must complete cleanly without ever querying the second binding.
	elb := &fakeELB{
		states:     []elbtypes.TargetHealthStateEnum{elbtypes.TargetHealthStateEnumDraining},
		healthErrs: []error{nil, clientFault()},
	}
	p := NewPoller(elb, taskCtx, testRetryPolicy(15), zerolog.Nop())
	tracker := NewStatusTracker()
	c := NewCoordinator(p, Config{
		PollingFrequency:   time.Millisecond,
		DeregistrationWait: time.Millisecond,
	}, tracker, zerolog.Nop())

	if err := c.Run(context.Background()); err != nil {
		t.Fatalf("drain observed before the failing binding must win, got %v", err)
	}
	if elb.calls != 1 {
		t.Errorf("calls: got %d, want 1", elb.calls)
	}
	if got := tracker.Snapshot().State; got != StateTerminating {
		t.Errorf("state: got %s, want terminating", got)
	}
}

func TestCoordinatorSignalDuringPollSleep(t *testing.T) {
	elb := &fakeELB{}
	c, _ := testCoordinator(elb, Config{
		PollingFrequency:   time.Hour,
		DeregistrationWait: time.Hour,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("run did not observe cancellation during poll sleep")
	}
	if elb.calls != 0 {
		t.Errorf("calls: got %d, want 0", elb.calls)
	}
}

func TestCoordinatorSignalDuringDrainWait(t *testing.T) {
	elb := &fakeELB{states: []elbtypes.TargetHealthStateEnum{elbtypes.TargetHealthStateEnumDraining}}
	c, tracker := testCoordinator(elb, Config{
		PollingFrequency:   time.Millisecond,
		DeregistrationWait: time.Hour,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	// Wait for the coordinator to enter the grace wait, then interrupt it.
	deadline := time.Now().Add(5 * time.Second)
	for tracker.Snapshot().State != StateDrainingLB {
		if time.Now().After(deadline) {
			t.Fatal("coordinator never entered draining state")
		}
		time.Sleep(time.Millisecond)
	}
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("run did not observe cancellation during drain wait")
	}
}

func TestCoordinatorPropagatesPollFailure(t *testing.T) {
	elb := &fakeELB{healthErrs: []error{clientFault()}}
	c, _ := testCoordinator(elb, Config{
		PollingFrequency:   time.Millisecond,
		DeregistrationWait: time.Millisecond,
	})

	err := c.Run(context.Background())
	fatalKind(t, err, KindAWSAccess)
}
