package breaker

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIterationCapBoundary(t *testing.T) {
	b := New(Config{MaxIterations: 5, MaxNoProgress: 100})

	// Iterations 1..4 never hard-trip.
	for i := 0; i < 4; i++ {
		_, err := b.BeforeIteration("t", "", true)
		require.NoError(t, err, "iteration %d", i+1)
	}

	// Iteration 5 == cap trips hard.
	_, err := b.BeforeIteration("t", "", true)
	var tripped *TrippedError
	require.ErrorAs(t, err, &tripped)
	assert.Equal(t, ReasonMaxIterations, tripped.Event.Reason)
	assert.Equal(t, SeverityHard, tripped.Event.Severity)
	assert.Equal(t, 5, tripped.Event.Iteration)
}

func TestSoftWarningAtEightyPercent(t *testing.T) {
	b := New(Config{MaxIterations: 10, MaxNoProgress: 100})

	var softAt []int
	for i := 1; i <= 9; i++ {
		soft, err := b.BeforeIteration("t", "", true)
		require.NoError(t, err)
		if len(soft) > 0 {
			softAt = append(softAt, i)
			assert.Equal(t, SeveritySoft, soft[0].Severity)
			assert.Equal(t, ReasonMaxIterations, soft[0].Reason)
		}
	}
	assert.Equal(t, []int{8}, softAt)
}

func TestNoProgressStreakBoundaries(t *testing.T) {
	b := New(Config{MaxIterations: 100, MaxNoProgress: 3})

	// iter1: streak stays 0; iter2: 1; iter3: 2 -> soft.
	_, err := b.BeforeIteration("t", "", false)
	require.NoError(t, err)
	soft, err := b.BeforeIteration("t", "", false)
	require.NoError(t, err)
	assert.Empty(t, soft)
	soft, err = b.BeforeIteration("t", "", false)
	require.NoError(t, err)
	require.Len(t, soft, 1)
	assert.Equal(t, ReasonNoProgress, soft[0].Reason)

	// iter4: streak 3 == max -> hard.
	_, err = b.BeforeIteration("t", "", false)
	var tripped *TrippedError
	require.ErrorAs(t, err, &tripped)
	assert.Equal(t, ReasonNoProgress, tripped.Event.Reason)
}

func TestToolCallResetsStreak(t *testing.T) {
	b := New(Config{MaxIterations: 100, MaxNoProgress: 3})
	for i := 0; i < 20; i++ {
		_, err := b.BeforeIteration("t", "", i%2 == 0) // tool call every other iteration
		require.NoError(t, err)
	}
}

func TestDuplicateOutputTripsOnSecondRepeat(t *testing.T) {
	b := New(Config{MaxIterations: 100, MaxNoProgress: 100})
	out := "please clarify your request"

	_, err := b.BeforeIteration("t", "", false)
	require.NoError(t, err)

	// First output recorded.
	_, err = b.BeforeIteration("t", out, false)
	require.NoError(t, err)

	// Identical second output trips.
	_, err = b.BeforeIteration("t", out, false)
	var tripped *TrippedError
	require.ErrorAs(t, err, &tripped)
	assert.Equal(t, ReasonDuplicateOutput, tripped.Event.Reason)
	assert.Equal(t, 2, tripped.Event.Iteration)
}

// similarityPair builds two strings whose stop-word-filtered Jaccard
// similarity is exactly common/(common+extra).
func similarityPair(common, extra int) (string, string) {
	var shared []string
	for i := 0; i < common; i++ {
		shared = append(shared, fmt.Sprintf("alpha%02d", i))
	}
	a := append([]string{}, shared...)
	for i := 0; i < extra; i++ {
		a = append(a, fmt.Sprintf("omega%02d", i))
	}
	return strings.Join(a, " "), strings.Join(shared, " ")
}

func TestJaccardThresholdBoundary(t *testing.T) {
	// 17/20 = 0.85 trips.
	a, bStr := similarityPair(17, 3)
	assert.InDelta(t, 0.85, jaccard(a, bStr), 1e-9)

	br := New(Config{MaxIterations: 100, MaxNoProgress: 100})
	_, err := br.BeforeIteration("t1", a, false)
	require.NoError(t, err)
	_, err = br.BeforeIteration("t1", bStr, false)
	var tripped *TrippedError
	require.ErrorAs(t, err, &tripped)

	// 21/25 = 0.84 does not.
	a2, b2 := similarityPair(21, 4)
	assert.InDelta(t, 0.84, jaccard(a2, b2), 1e-9)

	_, err = br.BeforeIteration("t2", a2, false)
	require.NoError(t, err)
	_, err = br.BeforeIteration("t2", b2, false)
	require.NoError(t, err)
}

func TestIterationCounterMonotonic(t *testing.T) {
	b := New(Config{MaxIterations: 100, MaxNoProgress: 100})
	for i := 1; i <= 10; i++ {
		_, err := b.BeforeIteration("t", "", true)
		require.NoError(t, err)
		assert.Equal(t, i, b.IterationCount("t"))
	}
	b.ResetTask("t")
	assert.Equal(t, 0, b.IterationCount("t"))
}

func TestProviderOpensAtFiveFailures(t *testing.T) {
	b := New(Config{})

	// 4 samples, 100% failure: stays closed.
	for i := 0; i < 4; i++ {
		b.RecordProviderCall("p", 100*time.Millisecond, false)
	}
	assert.Equal(t, ProviderClosed, b.ProviderState("p"))
	assert.True(t, b.IsProviderHealthy("p"))

	// 5th sample opens.
	b.RecordProviderCall("p", 100*time.Millisecond, false)
	assert.Equal(t, ProviderOpen, b.ProviderState("p"))
	assert.False(t, b.IsProviderHealthy("p"))
}

func TestProviderOpensOnLatency(t *testing.T) {
	b := New(Config{})
	for i := 0; i < 5; i++ {
		b.RecordProviderCall("p", 31*time.Second, true)
	}
	assert.Equal(t, ProviderOpen, b.ProviderState("p"))
}

func TestProviderRecoveryCycle(t *testing.T) {
	b := New(Config{RecoveryDelay: 30 * time.Second})
	base := time.Now()
	b.now = func() time.Time { return base }

	for i := 0; i < 5; i++ {
		b.RecordProviderCall("p", time.Millisecond, false)
	}
	require.Equal(t, ProviderOpen, b.ProviderState("p"))

	// After the recovery delay the breaker half-opens.
	base = base.Add(31 * time.Second)
	assert.Equal(t, ProviderHalfOpen, b.ProviderState("p"))
	assert.True(t, b.IsProviderHealthy("p"))

	// A failing probe re-opens.
	b.RecordProviderCall("p", time.Millisecond, false)
	assert.Equal(t, ProviderOpen, b.ProviderState("p"))

	// Recover again; a succeeding probe closes.
	base = base.Add(31 * time.Second)
	b.RecordProviderCall("p", time.Millisecond, true)
	assert.Equal(t, ProviderClosed, b.ProviderState("p"))
}

func TestTrippedErrorIsMatchable(t *testing.T) {
	b := New(Config{MaxIterations: 1})
	_, err := b.BeforeIteration("t", "", true)
	require.Error(t, err)
	var tripped *TrippedError
	assert.True(t, errors.As(err, &tripped))
}
