package startup

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStartup(maxAttempts int) *Startup {
	s := NewStartup(ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {}), maxAttempts)
	s.SetBackoffUnit(time.Millisecond)
	return s
}

func recorder(log *[]string, name string, requires ...string) Dependency {
	return Dependency{
		Name:     name,
		Requires: requires,
		StartFn: func(context.Context) error {
			*log = append(*log, "start "+name)
			return nil
		},
		StopFn: func(context.Context) error {
			*log = append(*log, "stop "+name)
			return nil
		},
	}
}

func TestStartup_DependencyOrder(t *testing.T) {
	var log []string
	s := newTestStartup(1)
	s.AddDependency(recorder(&log, "api", "store", "locks"))
	s.AddDependency(recorder(&log, "store", "postgres"))
	s.AddDependency(recorder(&log, "postgres"))
	s.AddDependency(recorder(&log, "locks"))

	require.NoError(t, s.Start(context.Background()))
	assert.Equal(t, []string{"start postgres", "start store", "start locks", "start api"}, log)
	assert.Equal(t, StartupStatusStarted, s.Status("api"))

	log = nil
	require.NoError(t, s.Stop(context.Background()))
	assert.Equal(t, []string{"stop api", "stop locks", "stop store", "stop postgres"}, log)
	assert.Equal(t, StartupStatusStopped, s.Status("postgres"))
}

func TestStartup_Retries(t *testing.T) {
	calls := 0
	s := newTestStartup(3)
	s.AddDependency(Dependency{
		Name: "postgres",
		StartFn: func(context.Context) error {
			calls++
			if calls < 3 {
				return fmt.Errorf("connection refused")
			}
			return nil
		},
	})

	require.NoError(t, s.Start(context.Background()))
	assert.Equal(t, 3, calls)
}

func TestStartup_GivesUp(t *testing.T) {
	s := newTestStartup(2)
	s.AddDependency(Dependency{
		Name:    "redis",
		StartFn: func(context.Context) error { return fmt.Errorf("no route to host") },
	})

	err := s.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "after 2 attempts")
	assert.Contains(t, err.Error(), "no route to host")
	assert.Equal(t, StartupStatusFailed, s.Status("redis"))
}

func TestStartup_UnknownAndCyclicDependencies(t *testing.T) {
	t.Run("unknown", func(t *testing.T) {
		s := newTestStartup(1)
		s.AddDependency(Dependency{Name: "api", Requires: []string{"ghost"}})
		assert.ErrorContains(t, s.Start(context.Background()), "unknown dependency 'ghost'")
	})

	t.Run("cycle", func(t *testing.T) {
		s := newTestStartup(1)
		s.AddDependency(Dependency{Name: "a", Requires: []string{"b"}})
		s.AddDependency(Dependency{Name: "b", Requires: []string{"a"}})
		assert.ErrorContains(t, s.Start(context.Background()), "dependency cycle")
	})
}

func TestStartup_StopJoinsErrors(t *testing.T) {
	var log []string
	s := newTestStartup(1)
	s.AddDependency(recorder(&log, "postgres"))
	s.AddDependency(Dependency{
		Name:     "kafka",
		Requires: []string{"postgres"},
		StopFn:   func(context.Context) error { return fmt.Errorf("flush timeout") },
	})

	require.NoError(t, s.Start(context.Background()))
	err := s.Stop(context.Background())
	assert.ErrorContains(t, err, "failed to stop kafka")
	assert.Contains(t, log, "stop postgres")
}
