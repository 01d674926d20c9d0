package startup

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type journal struct {
	events []string
}

func (j *journal) dep(name string, requires ...string) *Dependency {
	return &Dependency{
		Name:     name,
		Requires: requires,
		OnStart: func(context.Context) error {
			j.events = append(j.events, "start "+name)
			return nil
		},
		OnStop: func(context.Context) error {
			j.events = append(j.events, "stop "+name)
			return nil
		},
	}
}

func newStartup(attempts int) *Startup {
	logger := ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
	return NewStartup(logger, attempts).WithBackoffUnit(time.Millisecond)
}

func TestStartHonorsDependencies(t *testing.T) {
	j := &journal{}
	s := newStartup(1)
	s.AddDependency(j.dep("http", "postgres", "redis"))
	s.AddDependency(j.dep("postgres"))
	s.AddDependency(j.dep("redis", "postgres"))

	require.NoError(t, s.Start(context.Background()))
	require.NoError(t, s.Stop(context.Background()))

	assert.Equal(t, []string{
		"start postgres", "start redis", "start http",
		"stop http", "stop redis", "stop postgres",
	}, j.events)
}

func TestOptionalDependencyDegrades(t *testing.T) {
	j := &journal{}
	s := newStartup(1)
	s.AddDependency(j.dep("postgres"))
	graph := j.dep("graph")
	graph.Optional = true
	graph.OnStart = func(context.Context) error { return errors.New("connection refused") }
	s.AddDependency(graph)
	s.AddDependency(j.dep("http", "postgres", "graph"))

	require.NoError(t, s.Start(context.Background()))
	assert.Equal(t, StartupStatusDegraded, s.Status("graph"))
	assert.Equal(t, []string{"graph"}, s.Degraded())
	assert.Equal(t, StartupStatusStarted, s.Status("http"))

	require.NoError(t, s.Stop(context.Background()))
	assert.NotContains(t, j.events, "stop graph")
}

func TestRetriesRequiredDependency(t *testing.T) {
	calls := 0
	s := newStartup(3)
	s.AddDependency(&Dependency{
		Name: "postgres",
		OnStart: func(context.Context) error {
			calls++
			if calls < 3 {
				return errors.New("not accepting connections")
			}
			return nil
		},
	})

	require.NoError(t, s.Start(context.Background()))
	assert.Equal(t, 3, calls)
}

func TestGivesUpAfterMaxAttempts(t *testing.T) {
	s := newStartup(2)
	s.AddDependency(&Dependency{
		Name:    "postgres",
		OnStart: func(context.Context) error { return errors.New("not accepting connections") },
	})

	err := s.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "after 2 attempts")
	assert.Equal(t, StartupStatusFailed, s.Status("postgres"))
}

func TestUnknownRequirement(t *testing.T) {
	s := newStartup(1)
	s.AddDependency(&Dependency{Name: "http", Requires: []string{"postgres"}})

	err := s.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown dependency 'postgres'")
}
