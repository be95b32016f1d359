package lock

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warrencammack/Scouts-InventoryOrder-sub000/internal/config"
)

func TestLocalSerialisesSameKey(t *testing.T) {
	l := NewLocal()
	release, err := l.Obtain(context.Background(), "swimmer")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = l.Obtain(ctx, "swimmer")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	other, err := l.Obtain(context.Background(), "cyclist")
	require.NoError(t, err)
	other()

	release()
	release()
	again, err := l.Obtain(context.Background(), "swimmer")
	require.NoError(t, err)
	again()
}

func TestObtainAllReleasesOnFailure(t *testing.T) {
	l := NewLocal()
	blocker, err := l.Obtain(context.Background(), "b")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = ObtainAll(ctx, l, []string{"c", "b", "a"})
	require.Error(t, err)

	a, err := l.Obtain(context.Background(), "a")
	require.NoError(t, err, "a must have been released")
	a()
	blocker()

	release, err := ObtainAll(context.Background(), l, []string{"c", "a", "a", "b"})
	require.NoError(t, err)
	release()
}

func TestNewFallsBackToLocal(t *testing.T) {
	l, closeFn, err := New(context.Background(), config.Config{})
	require.NoError(t, err)
	assert.IsType(t, &Local{}, l)
	assert.NoError(t, closeFn())
}

func TestKeepAliveRefreshesUntilStopped(t *testing.T) {
	stop := make(chan struct{})
	calls := make(chan struct{}, 16)
	done := make(chan struct{})
	go func() {
		defer close(done)
		keepAlive(stop, 5*time.Millisecond, func(context.Context) error {
			calls <- struct{}{}
			return nil
		}, "inventory:swimmer")
	}()

	for i := 0; i < 3; i++ {
		select {
		case <-calls:
		case <-time.After(time.Second):
			t.Fatal("lock was not refreshed")
		}
	}
	close(stop)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("keepAlive did not stop")
	}
}

func TestKeepAliveStopsAfterFailedRefresh(t *testing.T) {
	done := make(chan struct{})
	var calls int
	go func() {
		defer close(done)
		keepAlive(make(chan struct{}), 5*time.Millisecond, func(context.Context) error {
			calls++
			return errors.New("lock not held")
		}, "inventory:swimmer")
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("keepAlive kept running after a failed refresh")
	}
	assert.Equal(t, 1, calls)
}
