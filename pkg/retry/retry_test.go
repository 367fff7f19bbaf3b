package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	errFlaky = errors.New("flaky")
	errSlow  = errors.New("slow")
	errBoom  = errors.New("boom")
)

type sleeps struct {
	delays []time.Duration
}

func (s *sleeps) sleep(_ context.Context, d time.Duration) error {
	s.delays = append(s.delays, d)
	return nil
}

func classify(err error) Class {
	switch {
	case errors.Is(err, errFlaky):
		return "flaky"
	case errors.Is(err, errSlow):
		return "slow"
	}
	return Fatal
}

func TestDoSucceedsWithoutSleeping(t *testing.T) {
	var s sleeps
	p := Policy{Classify: classify, Rules: map[Class]Rule{"flaky": {MaxAttempts: 3}}, Sleep: s.sleep}

	v, err := Do(context.Background(), p, func(context.Context) (int, error) { return 7, nil })
	require.NoError(t, err)
	assert.Equal(t, 7, v)
	assert.Empty(t, s.delays)
}

func TestDoFatalIsNotRetried(t *testing.T) {
	var s sleeps
	calls := 0
	p := Policy{Classify: classify, Rules: map[Class]Rule{"flaky": {MaxAttempts: 3}}, Sleep: s.sleep}

	_, err := Do(context.Background(), p, func(context.Context) (struct{}, error) {
		calls++
		return struct{}{}, errBoom
	})
	require.ErrorIs(t, err, errBoom)
	assert.Equal(t, 1, calls)
	assert.Empty(t, s.delays)
}

func TestDoExhaustsAfterMaxAttempts(t *testing.T) {
	var s sleeps
	calls := 0
	p := Policy{
		Classify: classify,
		Rules:    map[Class]Rule{"flaky": {Backoff: Constant(time.Second), MaxAttempts: 4}},
		Sleep:    s.sleep,
	}

	_, err := Do(context.Background(), p, func(context.Context) (int, error) {
		calls++
		return 0, errFlaky
	})

	var exhausted *ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, Class("flaky"), exhausted.Class)
	assert.Equal(t, 4, exhausted.Attempts)
	assert.ErrorIs(t, err, errFlaky)
	assert.Equal(t, 4, calls)
	assert.Equal(t, []time.Duration{time.Second, time.Second, time.Second}, s.delays)
}

func TestDoClassesHaveIndependentBudgets(t *testing.T) {
	var s sleeps
	calls := 0
	p := Policy{
		Classify: classify,
		Rules: map[Class]Rule{
			"flaky": {MaxAttempts: 3},
			"slow":  {MaxAttempts: 3},
		},
		Sleep: s.sleep,
	}

	// two of each class, then success: neither budget is reached
	_, err := Do(context.Background(), p, func(context.Context) (int, error) {
		calls++
		switch calls {
		case 1, 3:
			return 0, errFlaky
		case 2, 4:
			return 0, errSlow
		}
		return calls, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 5, calls)
	assert.Len(t, s.delays, 4)
}

func TestDoUnboundedClass(t *testing.T) {
	var s sleeps
	calls := 0
	p := Policy{Classify: classify, Rules: map[Class]Rule{"slow": {Backoff: Constant(5 * time.Second)}}, Sleep: s.sleep}

	_, err := Do(context.Background(), p, func(context.Context) (int, error) {
		calls++
		if calls < 50 {
			return 0, errSlow
		}
		return 0, nil
	})
	require.NoError(t, err)
	assert.Len(t, s.delays, 49)
}

func TestDoExponentialGrows(t *testing.T) {
	var s sleeps
	p := Policy{
		Classify: classify,
		Rules:    map[Class]Rule{"flaky": {Backoff: Exponential(100*time.Millisecond, time.Hour), MaxAttempts: 6}},
		Sleep:    s.sleep,
	}

	_, err := Do(context.Background(), p, func(context.Context) (int, error) { return 0, errFlaky })
	require.Error(t, err)
	require.Len(t, s.delays, 5)
	// jitter is +/-50%, doubling each step keeps step n+2 above step n
	for i := 2; i < len(s.delays); i++ {
		assert.Greater(t, s.delays[i], s.delays[i-2])
	}
}

func TestDoNotify(t *testing.T) {
	var seen []int
	p := Policy{
		Classify: classify,
		Rules:    map[Class]Rule{"flaky": {MaxAttempts: 3}},
		Sleep:    func(context.Context, time.Duration) error { return nil },
		Notify: func(class Class, attempt int, _ time.Duration, err error) {
			assert.Equal(t, Class("flaky"), class)
			assert.ErrorIs(t, err, errFlaky)
			seen = append(seen, attempt)
		},
	}
	_, _ = Do(context.Background(), p, func(context.Context) (int, error) { return 0, errFlaky })
	assert.Equal(t, []int{1, 2}, seen)
}

func TestDoStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p := Policy{Classify: classify, Rules: map[Class]Rule{"flaky": {Backoff: Constant(time.Hour)}}}

	_, err := Do(ctx, p, func(context.Context) (int, error) { return 0, errFlaky })
	require.ErrorIs(t, err, context.Canceled)
	assert.ErrorIs(t, err, errFlaky)
}

func TestSleepHonoursContext(t *testing.T) {
	require.NoError(t, Sleep(context.Background(), time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	start := time.Now()
	require.ErrorIs(t, Sleep(ctx, time.Hour), context.Canceled)
	assert.Less(t, time.Since(start), time.Second)
}
