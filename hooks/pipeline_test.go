package hooks

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	kerrors "github.com/leeforge/kernel/errors"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestWildcardPrefixInvokedOnce(t *testing.T) {
	p := New(Config{})
	var calls atomic.Int32
	_, err := p.Register("before*", 0, func(ctx context.Context, e *Event) error {
		calls.Add(1)
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, p.Emit(context.Background(), "beforeCreate", nil))
	assert.Equal(t, int32(1), calls.Load())

	require.NoError(t, p.Emit(context.Background(), "afterCreate", nil))
	assert.Equal(t, int32(1), calls.Load())
}

func TestWildcardRegisteredAfterEventSeen(t *testing.T) {
	p := New(Config{})
	require.NoError(t, p.Emit(context.Background(), "order.placed", nil))
	assert.Contains(t, p.Events(), "order.placed")

	var got []string
	_, err := p.Register("order.*", 0, func(ctx context.Context, e *Event) error {
		got = append(got, e.Name)
		return nil
	})
	require.NoError(t, err)
	_, err = p.Register("*", 1, func(ctx context.Context, e *Event) error {
		got = append(got, "all:"+e.Name)
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, p.Emit(context.Background(), "order.placed", nil))
	require.NoError(t, p.Emit(context.Background(), "order.shipped", nil))
	assert.Equal(t, []string{"order.placed", "all:order.placed", "order.shipped", "all:order.shipped"}, got)
}

func TestOrderThenRegistrationOrder(t *testing.T) {
	p := New(Config{})
	var got []string
	record := func(name string) Handler {
		return func(ctx context.Context, e *Event) error {
			got = append(got, name)
			return nil
		}
	}
	_, _ = p.Register(BeforeQuery, 10, record("late"))
	_, _ = p.Register(BeforeQuery, 0, record("first"))
	_, _ = p.Register("before*", 0, record("second"))
	_, _ = p.Register(BeforeQuery, 5, record("middle"))

	require.NoError(t, p.Emit(context.Background(), BeforeQuery, nil))
	assert.Equal(t, []string{"first", "second", "middle", "late"}, got)
}

func TestParallelBandRunsConcurrently(t *testing.T) {
	p := New(Config{})
	started := make(chan struct{}, 2)
	release := make(chan struct{})
	var after atomic.Bool

	for i := 0; i < 2; i++ {
		_, err := p.Register("sync", 0, func(ctx context.Context, e *Event) error {
			started <- struct{}{}
			select {
			case <-release:
				return nil
			case <-time.After(2 * time.Second):
				return errors.New("band did not run concurrently")
			}
		}, ParallelSafe(), Blocking())
		require.NoError(t, err)
	}
	_, err := p.Register("sync", 1, func(ctx context.Context, e *Event) error {
		after.Store(true)
		return nil
	})
	require.NoError(t, err)

	go func() {
		<-started
		<-started
		close(release)
	}()

	require.NoError(t, p.Emit(context.Background(), "sync", nil))
	assert.True(t, after.Load())
}

func TestBandJoinsBeforeNextOrder(t *testing.T) {
	p := New(Config{})
	var finished atomic.Int32
	for i := 0; i < 3; i++ {
		_, _ = p.Register("evt", 0, func(ctx context.Context, e *Event) error {
			time.Sleep(10 * time.Millisecond)
			finished.Add(1)
			return nil
		}, ParallelSafe())
	}
	var seen int32
	_, _ = p.Register("evt", 1, func(ctx context.Context, e *Event) error {
		seen = finished.Load()
		return nil
	})

	require.NoError(t, p.Emit(context.Background(), "evt", nil))
	assert.Equal(t, int32(3), seen)
}

func TestFailOpenAndPanicRecovery(t *testing.T) {
	var failures []string
	var mu sync.Mutex
	p := New(Config{OnFailure: func(event, handler string, err error) {
		mu.Lock()
		defer mu.Unlock()
		failures = append(failures, handler)
	}})

	var reached bool
	_, _ = p.Register("evt", 0, func(ctx context.Context, e *Event) error {
		return errors.New("boom")
	}, Named("failing"))
	_, _ = p.Register("evt", 1, func(ctx context.Context, e *Event) error {
		panic("handler exploded")
	}, Named("panicking"))
	_, _ = p.Register("evt", 2, func(ctx context.Context, e *Event) error {
		reached = true
		return nil
	})

	require.NoError(t, p.Emit(context.Background(), "evt", nil))
	assert.True(t, reached)
	assert.Equal(t, []string{"failing", "panicking"}, failures)
}

func TestBlockingFailureAborts(t *testing.T) {
	p := New(Config{})
	var reached bool
	_, _ = p.Register(BeforeMutation, 0, func(ctx context.Context, e *Event) error {
		return errors.New("denied")
	}, Blocking(), Named("guard"))
	_, _ = p.Register(BeforeMutation, 1, func(ctx context.Context, e *Event) error {
		reached = true
		return nil
	})

	err := p.Emit(context.Background(), BeforeMutation, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, kerrors.ErrHookFailed)
	assert.Contains(t, err.Error(), "denied")
	assert.Equal(t, "guard", kerrors.FromError(err).Detail("handler"))
	assert.False(t, reached)
}

func TestBlockingPanicAborts(t *testing.T) {
	p := New(Config{})
	_, _ = p.Register("evt", 0, func(ctx context.Context, e *Event) error {
		panic(fmt.Errorf("bad state"))
	}, Blocking())

	err := p.Emit(context.Background(), "evt", nil)
	assert.ErrorIs(t, err, kerrors.ErrHookFailed)
}

func TestUnsubscribe(t *testing.T) {
	p := New(Config{})
	var calls int
	sub, err := p.Register("evt", 0, func(ctx context.Context, e *Event) error {
		calls++
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, p.Emit(context.Background(), "evt", nil))
	sub.Unsubscribe()
	sub.Unsubscribe()
	require.NoError(t, p.Emit(context.Background(), "evt", nil))
	assert.Equal(t, 1, calls)
	assert.Empty(t, p.Handlers("evt"))
}

func TestDispatchFillsEnvelope(t *testing.T) {
	p := New(Config{})
	var got Event
	_, _ = p.Register(PluginStarted, 0, func(ctx context.Context, e *Event) error {
		got = *e
		return nil
	})

	require.NoError(t, p.Dispatch(context.Background(), Event{Name: PluginStarted, Source: "catalog", Payload: 7}))
	assert.NotEmpty(t, got.ID)
	assert.False(t, got.Timestamp.IsZero())
	assert.Equal(t, "catalog", got.Source)
	assert.Equal(t, 7, got.Payload)
}

func TestRegisterValidation(t *testing.T) {
	p := New(Config{})
	noop := func(ctx context.Context, e *Event) error { return nil }

	for _, pattern := range []string{"", "a*b", "**"} {
		_, err := p.Register(pattern, 0, noop)
		assert.ErrorIs(t, err, kerrors.ErrInvalid, pattern)
	}
	_, err := p.Register("evt", 0, nil)
	assert.ErrorIs(t, err, kerrors.ErrInvalid)

	assert.ErrorIs(t, p.Emit(context.Background(), "", nil), kerrors.ErrInvalid)
}

func TestCanceledContextStopsDispatch(t *testing.T) {
	p := New(Config{})
	var calls int
	_, _ = p.Register("evt", 0, func(ctx context.Context, e *Event) error {
		calls++
		return nil
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := p.Emit(ctx, "evt", nil)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, kerrors.ErrorTypeInternal, kerrors.TypeOf(err))
	assert.Equal(t, 0, calls)
}

func TestConcurrentEmitOfUnseenEvents(t *testing.T) {
	p := New(Config{})
	var calls atomic.Int64
	_, _ = p.Register("*", 0, func(ctx context.Context, e *Event) error {
		calls.Add(1)
		return nil
	}, ParallelSafe())

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				_ = p.Emit(context.Background(), fmt.Sprintf("evt.%d", i%10), nil)
			}
		}(g)
	}
	wg.Wait()

	assert.Equal(t, int64(400), calls.Load())
	assert.Len(t, p.Events(), 10)
}
