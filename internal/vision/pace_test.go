package vision

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPacerSpacesCalls(t *testing.T) {
	p := newPacer(20 * time.Millisecond)
	ctx := context.Background()

	start := time.Now()
	for range 3 {
		require.NoError(t, p.wait(ctx))
	}
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
}

func TestPacerZeroIntervalNeverWaits(t *testing.T) {
	p := newPacer(0)
	start := time.Now()
	for range 100 {
		require.NoError(t, p.wait(context.Background()))
	}
	assert.Less(t, time.Since(start), 50*time.Millisecond)
}

func TestPacerWaitHonoursContext(t *testing.T) {
	p := newPacer(time.Hour)
	require.NoError(t, p.wait(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, p.wait(ctx), context.DeadlineExceeded)
}
