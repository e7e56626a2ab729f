package lifecycle

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeComponent struct {
	name     string
	log      *[]string
	startErr error
	stopFn   func(ctx context.Context) error
}

func (f *fakeComponent) Name() string { return f.name }

func (f *fakeComponent) Start(ctx context.Context) error {
	*f.log = append(*f.log, "start:"+f.name)
	return f.startErr
}

func (f *fakeComponent) Stop(ctx context.Context) error {
	*f.log = append(*f.log, "stop:"+f.name)
	if f.stopFn != nil {
		return f.stopFn(ctx)
	}
	return nil
}

func fakes(log *[]string, names ...string) []*fakeComponent {
	out := make([]*fakeComponent, len(names))
	for i, name := range names {
		out[i] = &fakeComponent{name: name, log: log}
	}
	return out
}

func TestManagerStartsInDependencyOrder(t *testing.T) {
	var log []string
	c := fakes(&log, "store", "engine", "server")
	store, engine, server := c[0], c[1], c[2]

	m := NewManager()
	// Register out of dependency order; Start must still sort.
	require.NoError(t, m.Register(store))
	require.NoError(t, m.Register(server, store))
	require.NoError(t, m.Register(engine, store))

	require.NoError(t, m.Start(context.Background()))
	require.Len(t, log, 3)
	assert.Equal(t, "start:store", log[0])
	assert.True(t, m.IsRunning(store))
	assert.True(t, m.IsRunning(server))
}

func TestManagerStopsInReverseStartOrder(t *testing.T) {
	var log []string
	c := fakes(&log, "store", "engine", "server")
	store, engine, server := c[0], c[1], c[2]

	m := NewManager()
	require.NoError(t, m.Register(store))
	require.NoError(t, m.Register(engine, store))
	require.NoError(t, m.Register(server, engine))

	require.NoError(t, m.Start(context.Background()))
	log = log[:0]
	require.NoError(t, m.Stop(context.Background()))

	require.Equal(t, []string{"stop:server", "stop:engine", "stop:store"}, log)
	assert.False(t, m.IsRunning(store))
}

func TestManagerRollsBackFailedStart(t *testing.T) {
	var log []string
	c := fakes(&log, "store", "engine")
	store, engine := c[0], c[1]
	engine.startErr = fmt.Errorf("port in use")

	m := NewManager()
	require.NoError(t, m.Register(store))
	require.NoError(t, m.Register(engine, store))

	err := m.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "engine")

	require.Equal(t, []string{"start:store", "start:engine", "stop:store"}, log)
	assert.False(t, m.IsRunning(store))
	assert.False(t, m.IsRunning(engine))
}

func TestManagerRegisterValidation(t *testing.T) {
	var log []string
	c := fakes(&log, "a", "b")
	a, b := c[0], c[1]

	m := NewManager()
	require.Error(t, m.Register(nil), "nil component")
	require.Error(t, m.Register(&fakeComponent{name: "", log: &log}), "empty name")
	require.Error(t, m.Register(a, b), "unregistered dependency")
	require.Error(t, m.Register(a, a), "self dependency")

	require.NoError(t, m.Register(a))
	require.Error(t, m.Register(a), "duplicate registration")
	require.NoError(t, m.Register(b, a))
}

func TestManagerStopIsIdempotent(t *testing.T) {
	var log []string
	c := fakes(&log, "a")

	m := NewManager()
	require.NoError(t, m.Register(c[0]))
	require.NoError(t, m.Start(context.Background()))
	require.NoError(t, m.Stop(context.Background()))

	log = log[:0]
	require.NoError(t, m.Stop(context.Background()))
	assert.Empty(t, log, "second stop must not touch components")
}

func TestManagerStopHonorsGracePeriod(t *testing.T) {
	var log []string
	slow := &fakeComponent{
		name: "slow",
		log:  &log,
		stopFn: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		},
	}

	m := NewManager()
	m.SetShutdownTimeout(10 * time.Millisecond)
	require.NoError(t, m.Register(slow))
	require.NoError(t, m.Start(context.Background()))

	done := make(chan struct{})
	go func() {
		// Stop never fails, even when a component overruns its grace period.
		assert.NoError(t, m.Stop(context.Background()))
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("stop did not return after the grace period")
	}
	assert.False(t, m.IsRunning(slow))
}
