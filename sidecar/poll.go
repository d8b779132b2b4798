package sidecar

import (
	"context"
	"errors"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	elbv2 "github.com/aws/aws-sdk-go-v2/service/elasticloadbalancingv2"
	elbtypes "github.com/aws/aws-sdk-go-v2/service/elasticloadbalancingv2/types"
	"github.com/aws/smithy-go"
	"github.com/rs/zerolog"
)

// TargetState mirrors the ELBv2 target-health vocabulary.
type TargetState string

const (
	StateInitial     TargetState = "initial"
	StateHealthy     TargetState = "healthy"
	StateUnhealthy   TargetState = "unhealthy"
	StateDraining    TargetState = "draining"
	StateUnused      TargetState = "unused"
	StateUnavailable TargetState = "unavailable"
)

// PollOutcome is the result of one health query for one binding. Outcomes
// live for a single tick; the coordinator consumes and discards them.
type PollOutcome struct {
	State  TargetState
	Reason string
}

// RetryPolicy bounds the retry loop around a single health query.
type RetryPolicy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	Multiplier   float64
}

// DefaultRetryPolicy allows roughly ten minutes of API unavailability
// before a poll gives up.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:  15,
		InitialDelay: 2 * time.Second,
		Multiplier:   1.5,
	}
}

// Poller queries target health for every binding in a TaskContext.
type Poller struct {
	elb     ELBClient
	taskCtx *TaskContext
	retry   RetryPolicy
	logger  zerolog.Logger
}

// NewPoller creates a poller over a resolved task context.
func NewPoller(elb ELBClient, taskCtx *TaskContext, retry RetryPolicy, logger zerolog.Logger) *Poller {
	return &Poller{elb: elb, taskCtx: taskCtx, retry: retry, logger: logger}
}

// PollAll performs one health query per binding, in stored order. Checks run
// sequentially: a slow or backing-off query delays the next binding's query
// within the tick. A draining observation ends the tick immediately — the
// drain decision is already made, and a failure on a later binding must not
// be able to discard it.
func (p *Poller) PollAll(ctx context.Context) ([]PollOutcome, error) {
	outcomes := make([]PollOutcome, 0, len(p.taskCtx.Bindings))
	for _, b := range p.taskCtx.Bindings {
		outcome, err := p.pollOnce(ctx, b)
		if err != nil {
			return nil, err
		}
		p.logger.Info().
			Str("identity", b.Identity).
			Int32("port", b.Port).
			Str("state", string(outcome.State)).
			Msg("health check")
		outcomes = append(outcomes, outcome)
		if outcome.State == StateDraining {
			break
		}
	}
	return outcomes, nil
}

// pollOnce queries one binding's target health under the retry policy.
// Transient failures back off and retry; anything else fails immediately.
// Exhausting the attempt cap surfaces the last failure as fatal.
func (p *Poller) pollOnce(ctx context.Context, b Binding) (PollOutcome, error) {
	delay := p.retry.InitialDelay
	var lastErr error

	for attempt := 1; attempt <= p.retry.MaxAttempts; attempt++ {
		outcome, err := p.checkHealth(ctx, b)
		if err == nil {
			return outcome, nil
		}
		lastErr = err

		if !isTransient(err) {
			return PollOutcome{}, wrapFatal(KindAWSAccess, err, "health check for %s failed", b.TargetGroupARN)
		}
		if attempt == p.retry.MaxAttempts {
			break
		}

		p.logger.Warn().Err(err).
			Str("target_group", b.TargetGroupARN).
			Int("attempt", attempt).
			Dur("backoff", delay).
			Msg("transient health check failure, retrying")

		select {
		case <-ctx.Done():
			return PollOutcome{}, ctx.Err()
		case <-time.After(delay):
		}
		delay = time.Duration(float64(delay) * p.retry.Multiplier)
	}

	return PollOutcome{}, wrapFatal(KindAWSAccess, lastErr, "health check for %s failed after %d attempts", b.TargetGroupARN, p.retry.MaxAttempts)
}

// checkHealth performs a single DescribeTargetHealth call for one binding.
func (p *Poller) checkHealth(ctx context.Context, b Binding) (PollOutcome, error) {
	result, err := p.elb.DescribeTargetHealth(ctx, &elbv2.DescribeTargetHealthInput{
		TargetGroupArn: aws.String(b.TargetGroupARN),
		Targets: []elbtypes.TargetDescription{{
			Id:   aws.String(b.Identity),
			Port: aws.Int32(b.Port),
		}},
	})
	if err != nil {
		return PollOutcome{}, err
	}
	if len(result.TargetHealthDescriptions) == 0 {
		return PollOutcome{}, &emptyHealthError{arn: b.TargetGroupARN}
	}

	health := result.TargetHealthDescriptions[0].TargetHealth
	return PollOutcome{
		State:  TargetState(health.State),
		Reason: string(health.Reason),
	}, nil
}

// emptyHealthError marks a DescribeTargetHealth response that carried no
// descriptions. It is not transient: the target group answered, the target
// is simply not there.
type emptyHealthError struct {
	arn string
}

func (e *emptyHealthError) Error() string {
	return "no target health descriptions returned for " + e.arn
}

// Throttling error codes the SDK's services return without a server fault.
var throttlingCodes = map[string]bool{
	"Throttling":               true,
	"ThrottlingException":      true,
	"RequestLimitExceeded":     true,
	"TooManyRequestsException": true,
}

// isTransient reports whether an error is worth retrying: server faults,
// throttling, and transport failures. Client faults (malformed ARNs, missing
// permissions) will not heal by waiting.
func isTransient(err error) bool {
	var empty *emptyHealthError
	if errors.As(err, &empty) {
		return false
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		if apiErr.ErrorFault() == smithy.FaultServer {
			return true
		}
		return throttlingCodes[apiErr.ErrorCode()]
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	// Non-API errors are transport-level: connection resets, DNS, timeouts.
	return true
}
