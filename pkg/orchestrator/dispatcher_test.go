package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/harun/swarm/internal/metrics"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestExecuteTaskSetupErrors(t *testing.T) {
	t.Run("invalid pattern", func(t *testing.T) {
		o := newTestOrchestrator(t)
		mustRegister(t, o, constAgent("a", 1))

		_, err := o.ExecuteTask(context.Background(), TaskRequest{}, Pattern("round-robin"))
		assert.ErrorIs(t, err, ErrInvalidPattern)
	})

	t.Run("no agents", func(t *testing.T) {
		o := newTestOrchestrator(t)

		for _, p := range Patterns() {
			_, err := o.ExecuteTask(context.Background(), TaskRequest{}, p)
			assert.ErrorIs(t, err, ErrNoEligibleAgents, "pattern %s", p)
		}
	})

	t.Run("missing capabilities", func(t *testing.T) {
		o := newTestOrchestrator(t)
		mustRegister(t, o, constAgent("a", 1))

		_, err := o.ExecuteTask(context.Background(), TaskRequest{
			Constraints: &TaskConstraints{RequiredCapabilities: []string{"translate"}},
		}, PatternParallel)
		assert.ErrorIs(t, err, ErrNoEligibleAgents)
		assert.Contains(t, err.Error(), "translate")
	})

	t.Run("setup failure is recorded and emitted", func(t *testing.T) {
		o := newTestOrchestrator(t)
		rec := &eventRecorder{}
		o.On(rec.handle)

		_, err := o.ExecuteTask(context.Background(), TaskRequest{ID: "t-1"}, PatternSequential)
		require.Error(t, err)

		record, err := o.GetTaskStatus("t-1")
		require.NoError(t, err)
		assert.Equal(t, TaskStatusFailed, record.Status)
		assert.Equal(t, 1, rec.count(EventError))
	})
}

func TestSequentialChainsOutputs(t *testing.T) {
	o := newTestOrchestrator(t)

	var seen []interface{}
	var mu sync.Mutex
	record := func(v interface{}) {
		mu.Lock()
		seen = append(seen, v)
		mu.Unlock()
	}

	a := funcAgent("A", AgentTypeWorker, func(_ context.Context, req TaskRequest) (interface{}, error) {
		record(req.Input)
		return req.Input.(int) * 2, nil
	})
	b := funcAgent("B", AgentTypeWorker, func(_ context.Context, req TaskRequest) (interface{}, error) {
		record(req.Input)
		return req.Input.(int) + 3, nil
	})
	mustRegister(t, o, a, b)

	resp, err := o.ExecuteTask(context.Background(), TaskRequest{Input: 5}, PatternSequential)
	require.NoError(t, err)

	assert.Equal(t, StatusSuccess, resp.Status)
	assert.Equal(t, 13, resp.Output, "B(A(5))")
	assert.Equal(t, "B", resp.AgentID)
	assert.Equal(t, []interface{}{5, 10}, seen)
	require.NotNil(t, resp.Metrics)
	assert.False(t, resp.Metrics.EndTime.Before(resp.Metrics.StartTime))
}

func TestSequentialAbortsOnFailure(t *testing.T) {
	o := newTestOrchestrator(t)

	calledThird := false
	mustRegister(t, o,
		constAgent("first", "draft"),
		funcAgent("second", AgentTypeWorker, func(context.Context, TaskRequest) (interface{}, error) {
			return nil, errors.New("model unavailable")
		}),
		funcAgent("third", AgentTypeWorker, func(context.Context, TaskRequest) (interface{}, error) {
			calledThird = true
			return "final", nil
		}),
	)

	resp, err := o.ExecuteTask(context.Background(), TaskRequest{Input: "topic"}, PatternSequential)
	require.NoError(t, err)

	assert.Equal(t, StatusFailure, resp.Status)
	assert.Nil(t, resp.Output, "no partial result")
	assert.Contains(t, resp.Error, "model unavailable")
	assert.False(t, calledThird)

	for _, id := range []string{"first", "second", "third"} {
		identity, err := o.GetAgent(id)
		require.NoError(t, err)
		assert.Equal(t, AgentStatusIdle, identity.Status)
	}
}

func TestPipelineMatchesSequential(t *testing.T) {
	o := newTestOrchestrator(t)
	mustRegister(t, o,
		funcAgent("upper", AgentTypeWorker, func(_ context.Context, req TaskRequest) (interface{}, error) {
			return req.Input.(string) + "-parsed", nil
		}),
		funcAgent("lower", AgentTypeWorker, func(_ context.Context, req TaskRequest) (interface{}, error) {
			return req.Input.(string) + "-stored", nil
		}),
	)

	resp, err := o.ExecuteTask(context.Background(), TaskRequest{ID: "p-1", Input: "doc"}, PatternPipeline)
	require.NoError(t, err)
	assert.Equal(t, "doc-parsed-stored", resp.Output)

	record, err := o.GetTaskStatus("p-1")
	require.NoError(t, err)
	assert.Equal(t, PatternPipeline, record.Pattern)
	assert.Equal(t, TaskStatusCompleted, record.Status)
}

func TestParallelIsolatesFailures(t *testing.T) {
	o := newTestOrchestrator(t)
	mustRegister(t, o,
		constAgent("fast", "fast-answer"),
		funcAgent("broken", AgentTypeWorker, func(context.Context, TaskRequest) (interface{}, error) {
			return nil, errors.New("boom")
		}),
		funcAgent("panicky", AgentTypeWorker, func(context.Context, TaskRequest) (interface{}, error) {
			panic("unexpected")
		}),
		constAgent("slow", "slow-answer"),
	)

	resp, err := o.ExecuteTask(context.Background(), TaskRequest{Input: "q"}, PatternParallel)
	require.NoError(t, err)

	assert.Equal(t, StatusSuccess, resp.Status)
	assert.Equal(t, []interface{}{"fast-answer", "slow-answer"}, resp.Output)
}

func TestParallelOneSurvivor(t *testing.T) {
	o := newTestOrchestrator(t)
	mustRegister(t, o,
		funcAgent("thrower", AgentTypeWorker, func(context.Context, TaskRequest) (interface{}, error) {
			return nil, errors.New("x")
		}),
		constAgent("survivor", map[string]interface{}{"answer": 42}),
	)

	resp, err := o.ExecuteTask(context.Background(), TaskRequest{}, PatternParallel)
	require.NoError(t, err)

	assert.Equal(t, StatusSuccess, resp.Status)
	assert.Equal(t, []interface{}{map[string]interface{}{"answer": 42}}, resp.Output)
}

func TestParallelAllFail(t *testing.T) {
	o := newTestOrchestrator(t)
	fail := func(context.Context, TaskRequest) (interface{}, error) { return nil, errors.New("down") }
	mustRegister(t, o, funcAgent("a", AgentTypeWorker, fail), funcAgent("b", AgentTypeWorker, fail))

	resp, err := o.ExecuteTask(context.Background(), TaskRequest{ID: "t"}, PatternParallel)
	require.NoError(t, err)

	assert.Equal(t, StatusFailure, resp.Status)
	assert.Contains(t, resp.Error, "down")

	record, _ := o.GetTaskStatus("t")
	assert.Equal(t, TaskStatusFailed, record.Status)
}

func TestParallelRespectsMaxConcurrent(t *testing.T) {
	o := newTestOrchestrator(t, WithMaxConcurrent(2))

	var mu sync.Mutex
	active, peak := 0, 0
	work := func(context.Context, TaskRequest) (interface{}, error) {
		mu.Lock()
		active++
		if active > peak {
			peak = active
		}
		mu.Unlock()

		time.Sleep(10 * time.Millisecond)

		mu.Lock()
		active--
		mu.Unlock()
		return "ok", nil
	}
	for _, id := range []string{"a", "b", "c", "d", "e"} {
		mustRegister(t, o, funcAgent(id, AgentTypeWorker, work))
	}

	resp, err := o.ExecuteTask(context.Background(), TaskRequest{}, PatternParallel)
	require.NoError(t, err)
	assert.Len(t, resp.Output, 5)
	assert.LessOrEqual(t, peak, 2)
}

func TestAgentReportedFailureCounts(t *testing.T) {
	o := newTestOrchestrator(t)
	agent := newMockAgent("m")
	agent.On("HandleTaskRequest", mock.Anything, mock.Anything).
		Return(TaskResponse{Status: StatusFailure, Error: "refused"}, nil)
	mustRegister(t, o, agent, constAgent("ok", "fine"))

	resp, err := o.ExecuteTask(context.Background(), TaskRequest{}, PatternParallel)
	require.NoError(t, err)

	assert.Equal(t, []interface{}{"fine"}, resp.Output)
	agent.AssertNumberOfCalls(t, "HandleTaskRequest", 1)
}

func TestHierarchical(t *testing.T) {
	t.Run("splits slice input across workers", func(t *testing.T) {
		o := newTestOrchestrator(t)
		coordinatorCalled := false
		sum := func(_ context.Context, req TaskRequest) (interface{}, error) {
			total := 0
			for _, v := range req.Input.([]interface{}) {
				total += v.(int)
			}
			return total, nil
		}
		mustRegister(t, o,
			funcAgent("lead", AgentTypeCoordinator, func(context.Context, TaskRequest) (interface{}, error) {
				coordinatorCalled = true
				return nil, nil
			}),
			funcAgent("w1", AgentTypeWorker, sum),
			funcAgent("w2", AgentTypeWorker, sum),
			funcAgent("checker", AgentTypeValidator, sum),
		)

		resp, err := o.ExecuteTask(context.Background(), TaskRequest{ID: "job", Input: []int{1, 2, 3, 4, 5}}, PatternHierarchical)
		require.NoError(t, err)

		assert.Equal(t, StatusSuccess, resp.Status)
		assert.Equal(t, "lead", resp.AgentID)
		assert.False(t, coordinatorCalled)

		result, ok := resp.Output.(HierarchicalResult)
		require.True(t, ok)
		assert.Equal(t, "lead", result.Coordinator)
		require.Len(t, result.Subtasks, 2)
		assert.Equal(t, "w1", result.Subtasks[0].AgentID)
		assert.Equal(t, 9, result.Subtasks[0].Output, "items 1, 3, 5")
		assert.Equal(t, "job.1", result.Subtasks[0].TaskID)
		assert.Equal(t, "w2", result.Subtasks[1].AgentID)
		assert.Equal(t, 6, result.Subtasks[1].Output, "items 2, 4")

		identity, _ := o.GetAgent("lead")
		assert.Equal(t, AgentStatusIdle, identity.Status)
	})

	t.Run("sub-tasks carry parent task context", func(t *testing.T) {
		o := newTestOrchestrator(t)
		var parents []string
		var mu sync.Mutex
		mustRegister(t, o,
			funcAgent("lead", AgentTypeCoordinator, nil),
			funcAgent("w1", AgentTypeWorker, func(_ context.Context, req TaskRequest) (interface{}, error) {
				mu.Lock()
				parents = append(parents, req.Context.ParentTaskID)
				mu.Unlock()
				return req.Input, nil
			}),
		)

		resp, err := o.ExecuteTask(context.Background(), TaskRequest{ID: "root", Input: "whole"}, PatternHierarchical)
		require.NoError(t, err)

		assert.Equal(t, []string{"root"}, parents)
		result := resp.Output.(HierarchicalResult)
		assert.Equal(t, "whole", result.Subtasks[0].Output)
	})

	t.Run("partial when some sub-tasks fail", func(t *testing.T) {
		o := newTestOrchestrator(t)
		mustRegister(t, o,
			funcAgent("lead", AgentTypeCoordinator, nil),
			constAgent("good", "done"),
			funcAgent("bad", AgentTypeWorker, func(context.Context, TaskRequest) (interface{}, error) {
				return nil, errors.New("crashed")
			}),
		)

		resp, err := o.ExecuteTask(context.Background(), TaskRequest{Input: "x"}, PatternHierarchical)
		require.NoError(t, err)

		assert.Equal(t, StatusPartial, resp.Status)
		result := resp.Output.(HierarchicalResult)
		assert.Equal(t, StatusFailure, result.Subtasks[1].Status)
		assert.Contains(t, result.Subtasks[1].Error, "crashed")
	})

	t.Run("falls back to sequential without coordinator", func(t *testing.T) {
		o := newTestOrchestrator(t)
		mustRegister(t, o,
			funcAgent("a", AgentTypeWorker, func(_ context.Context, req TaskRequest) (interface{}, error) {
				return req.Input.(string) + "a", nil
			}),
			funcAgent("b", AgentTypeWorker, func(_ context.Context, req TaskRequest) (interface{}, error) {
				return req.Input.(string) + "b", nil
			}),
		)

		resp, err := o.ExecuteTask(context.Background(), TaskRequest{Input: ">"}, PatternHierarchical)
		require.NoError(t, err)
		assert.Equal(t, ">ab", resp.Output)
	})

	t.Run("coordinator without workers", func(t *testing.T) {
		o := newTestOrchestrator(t)
		mustRegister(t, o, funcAgent("lead", AgentTypeCoordinator, nil))

		_, err := o.ExecuteTask(context.Background(), TaskRequest{}, PatternHierarchical)
		assert.ErrorIs(t, err, ErrInsufficientAgents)
	})
}

func TestConsensus(t *testing.T) {
	t.Run("unanimous vote", func(t *testing.T) {
		o := newTestOrchestrator(t)
		yes := map[string]interface{}{"vote": "yes"}
		mustRegister(t, o, constAgent("a", yes), constAgent("b", yes), constAgent("c", yes))

		resp, err := o.ExecuteTask(context.Background(), TaskRequest{Input: "ship it?"}, PatternConsensus)
		require.NoError(t, err)

		assert.Equal(t, StatusSuccess, resp.Status)
		result, ok := resp.Output.(ConsensusResult)
		require.True(t, ok)
		assert.True(t, result.ConsensusReached)
		assert.Equal(t, map[string]int{"yes": 3}, result.Votes)
		assert.Equal(t, 2, result.Quorum)
		assert.Equal(t, yes, result.Decision)
	})

	t.Run("majority wins", func(t *testing.T) {
		o := newTestOrchestrator(t)
		mustRegister(t, o,
			constAgent("a", "blue"),
			constAgent("b", "green"),
			constAgent("c", "green"),
		)

		resp, err := o.ExecuteTask(context.Background(), TaskRequest{}, PatternConsensus)
		require.NoError(t, err)

		result := resp.Output.(ConsensusResult)
		assert.True(t, result.ConsensusReached)
		assert.Equal(t, "green", result.Decision)
	})

	t.Run("no quorum reports first-seen leader", func(t *testing.T) {
		o := newTestOrchestrator(t)
		mustRegister(t, o,
			constAgent("a", "red"),
			constAgent("b", "green"),
			constAgent("c", "blue"),
			constAgent("d", "amber"),
			constAgent("e", "violet"),
		)

		resp, err := o.ExecuteTask(context.Background(), TaskRequest{}, PatternConsensus)
		require.NoError(t, err)

		assert.Equal(t, StatusPartial, resp.Status)
		result := resp.Output.(ConsensusResult)
		assert.False(t, result.ConsensusReached)
		assert.Equal(t, 3, result.Quorum)
		assert.Equal(t, "red", result.Decision)
	})

	t.Run("structured outputs are compared canonically", func(t *testing.T) {
		o := newTestOrchestrator(t)
		mustRegister(t, o,
			constAgent("a", map[string]interface{}{"x": 1, "y": 2}),
			constAgent("b", map[string]interface{}{"y": 2, "x": 1}),
		)

		resp, err := o.ExecuteTask(context.Background(), TaskRequest{}, PatternConsensus)
		require.NoError(t, err)

		result := resp.Output.(ConsensusResult)
		assert.Equal(t, map[string]int{`{"x":1,"y":2}`: 2}, result.Votes)
	})

	t.Run("vote field of typed maps and structs", func(t *testing.T) {
		type ballot struct {
			Vote   string
			Reason string
		}
		o := newTestOrchestrator(t)
		mustRegister(t, o,
			constAgent("a", map[string]string{"vote": "yes", "by": "a"}),
			constAgent("b", ballot{Vote: "yes", Reason: "tests pass"}),
			constAgent("c", &ballot{Vote: "no"}),
		)

		resp, err := o.ExecuteTask(context.Background(), TaskRequest{}, PatternConsensus)
		require.NoError(t, err)

		result := resp.Output.(ConsensusResult)
		assert.Equal(t, map[string]int{"yes": 2, "no": 1}, result.Votes)
		assert.True(t, result.ConsensusReached)
	})

	t.Run("failed agents do not vote", func(t *testing.T) {
		o := newTestOrchestrator(t)
		mustRegister(t, o,
			constAgent("a", "yes"),
			constAgent("b", "yes"),
			funcAgent("c", AgentTypeWorker, func(context.Context, TaskRequest) (interface{}, error) {
				return nil, errors.New("timeout")
			}),
		)

		resp, err := o.ExecuteTask(context.Background(), TaskRequest{}, PatternConsensus)
		require.NoError(t, err)

		result := resp.Output.(ConsensusResult)
		assert.Equal(t, 2, result.Responses)
		assert.Equal(t, 1, result.Quorum)
		assert.True(t, result.ConsensusReached)
	})

	t.Run("needs two agents", func(t *testing.T) {
		o := newTestOrchestrator(t)
		mustRegister(t, o, constAgent("a", "yes"))

		_, err := o.ExecuteTask(context.Background(), TaskRequest{}, PatternConsensus)
		assert.ErrorIs(t, err, ErrInsufficientAgents)
	})

	t.Run("nobody answers", func(t *testing.T) {
		o := newTestOrchestrator(t)
		fail := func(context.Context, TaskRequest) (interface{}, error) { return nil, errors.New("offline") }
		mustRegister(t, o, funcAgent("a", AgentTypeWorker, fail), funcAgent("b", AgentTypeWorker, fail))

		resp, err := o.ExecuteTask(context.Background(), TaskRequest{}, PatternConsensus)
		require.NoError(t, err)
		assert.Equal(t, StatusFailure, resp.Status)
	})
}

func TestScatterGather(t *testing.T) {
	o := newTestOrchestrator(t)
	fixed := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	o.dispatcher.now = func() time.Time { return fixed }
	mustRegister(t, o, constAgent("a", "alpha"), constAgent("b", "beta"))

	resp, err := o.ExecuteTask(context.Background(), TaskRequest{}, PatternScatterGather)
	require.NoError(t, err)

	assert.Equal(t, StatusSuccess, resp.Status)
	result, ok := resp.Output.(ScatterGatherResult)
	require.True(t, ok)
	assert.Equal(t, 2, result.Count)
	assert.Equal(t, []interface{}{"alpha", "beta"}, result.Results)
	assert.Equal(t, fixed, result.AggregatedAt)
}

func TestInputSchemaConstraint(t *testing.T) {
	schema := map[string]interface{}{
		"type":     "object",
		"required": []interface{}{"query"},
		"properties": map[string]interface{}{
			"query": map[string]interface{}{"type": "string"},
		},
	}

	t.Run("valid input runs", func(t *testing.T) {
		o := newTestOrchestrator(t)
		mustRegister(t, o, constAgent("a", "ok"))

		resp, err := o.ExecuteTask(context.Background(), TaskRequest{
			Input:       map[string]interface{}{"query": "weather"},
			Constraints: &TaskConstraints{InputSchema: schema},
		}, PatternSequential)
		require.NoError(t, err)
		assert.Equal(t, StatusSuccess, resp.Status)
	})

	t.Run("invalid input fails without invoking agents", func(t *testing.T) {
		o := newTestOrchestrator(t)
		agent := newMockAgent("a")
		mustRegister(t, o, agent)

		resp, err := o.ExecuteTask(context.Background(), TaskRequest{
			Input:       map[string]interface{}{"query": 7},
			Constraints: &TaskConstraints{InputSchema: schema},
		}, PatternSequential)
		require.NoError(t, err)

		assert.Equal(t, StatusFailure, resp.Status)
		assert.Contains(t, resp.Error, "validation")
		agent.AssertNotCalled(t, "HandleTaskRequest", mock.Anything, mock.Anything)
	})
}

func TestCancelTask(t *testing.T) {
	o := newTestOrchestrator(t)

	started := make(chan struct{})
	calledSecond := false
	mustRegister(t, o,
		funcAgent("slow", AgentTypeWorker, func(ctx context.Context, _ TaskRequest) (interface{}, error) {
			close(started)
			<-ctx.Done()
			return "late", nil
		}),
		funcAgent("next", AgentTypeWorker, func(context.Context, TaskRequest) (interface{}, error) {
			calledSecond = true
			return "never", nil
		}),
	)

	done := make(chan TaskResponse, 1)
	go func() {
		resp, _ := o.ExecuteTask(context.Background(), TaskRequest{ID: "long"}, PatternSequential)
		done <- resp
	}()

	<-started
	record, err := o.GetTaskStatus("long")
	require.NoError(t, err)
	assert.Equal(t, TaskStatusRunning, record.Status)

	require.NoError(t, o.CancelTask("long"))

	resp := <-done
	assert.Equal(t, StatusFailure, resp.Status)
	assert.False(t, calledSecond)

	record, err = o.GetTaskStatus("long")
	require.NoError(t, err)
	assert.Equal(t, TaskStatusCancelled, record.Status)

	assert.ErrorIs(t, o.CancelTask("long"), ErrTaskNotRunning)
	assert.ErrorIs(t, o.CancelTask("unknown"), ErrTaskNotFound)
}

func TestGetTaskStatusUnknown(t *testing.T) {
	o := newTestOrchestrator(t)

	_, err := o.GetTaskStatus("nope")
	assert.ErrorIs(t, err, ErrTaskNotFound)
}

func TestTaskEvents(t *testing.T) {
	o := newTestOrchestrator(t)
	rec := &eventRecorder{}
	o.On(rec.handle)
	mustRegister(t, o,
		constAgent("ok", 1),
		funcAgent("bad", AgentTypeWorker, func(context.Context, TaskRequest) (interface{}, error) {
			return nil, errors.New("no")
		}),
	)

	_, err := o.ExecuteTask(context.Background(), TaskRequest{}, PatternParallel)
	require.NoError(t, err)

	assert.Equal(t, 2, rec.count(EventTaskStarted))
	assert.Equal(t, 1, rec.count(EventTaskCompleted))
	assert.Equal(t, 1, rec.count(EventTaskFailed))
}

func TestDispatcherMetrics(t *testing.T) {
	m := metrics.NewMetrics()
	o := newTestOrchestrator(t, WithMetrics(m))
	mustRegister(t, o, constAgent("a", 1), constAgent("b", 2))

	_, err := o.ExecuteTask(context.Background(), TaskRequest{}, PatternParallel)
	require.NoError(t, err)

	assert.Equal(t, float64(1), testutil.ToFloat64(m.TasksTotal.WithLabelValues("parallel", "success")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.AgentInvocationsTotal.WithLabelValues("a", "success")))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.AgentsRegistered))
}

func TestOverlappingInvocationsKeepAgentBusy(t *testing.T) {
	o := newTestOrchestrator(t)

	started := make(chan string, 2)
	release := map[string]chan struct{}{
		"t1": make(chan struct{}),
		"t2": make(chan struct{}),
	}
	mustRegister(t, o, funcAgent("a", AgentTypeWorker, func(ctx context.Context, req TaskRequest) (interface{}, error) {
		started <- req.ID
		<-release[req.ID]
		return req.ID, nil
	}))

	identity, err := o.GetAgent("a")
	require.NoError(t, err)

	done := map[string]chan struct{}{
		"t1": make(chan struct{}),
		"t2": make(chan struct{}),
	}
	for _, id := range []string{"t1", "t2"} {
		id := id
		go func() {
			defer close(done[id])
			_, _ = o.dispatcher.invoke(context.Background(), identity, TaskRequest{ID: id})
		}()
	}
	<-started
	<-started

	close(release["t1"])
	<-done["t1"]

	current, _ := o.GetAgent("a")
	assert.Equal(t, AgentStatusBusy, current.Status, "t2 is still running")

	close(release["t2"])
	<-done["t2"]

	current, _ = o.GetAgent("a")
	assert.Equal(t, AgentStatusIdle, current.Status)
}
