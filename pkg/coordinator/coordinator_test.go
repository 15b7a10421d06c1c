package coordinator

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/oursky/agent-fleet/pkg/lifecycle"
	"github.com/oursky/agent-fleet/pkg/protocol"
	"github.com/oursky/agent-fleet/pkg/store"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	. "github.com/smartystreets/goconvey/convey"
	"go.uber.org/zap"
)

type fakeClock struct {
	lock *sync.Mutex
	now  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{lock: new(sync.Mutex), now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.now
}

// After never fires; tests drive the sweep directly.
func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	return make(chan time.Time)
}

func (c *fakeClock) Advance(d time.Duration) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.now = c.now.Add(d)
}

type fakeLifecycle struct {
	lock     *sync.Mutex
	stopped  [][]string
	cleanups []string

	startErr       error
	stopInProgress bool

	prepareStarted chan struct{}
	prepareGate    chan struct{}
}

func newFakeLifecycle() *fakeLifecycle {
	return &fakeLifecycle{lock: new(sync.Mutex)}
}

func (l *fakeLifecycle) PrepareConfiguration(ctx context.Context, execution lifecycle.Execution) (*lifecycle.RunConfiguration, error) {
	if l.prepareGate != nil {
		close(l.prepareStarted)
		<-l.prepareGate
	}
	return &lifecycle.RunConfiguration{ImageID: "image"}, nil
}

func (l *fakeLifecycle) CreateContainers(ctx context.Context, executionID string, config *lifecycle.RunConfiguration, replicas int) ([]string, error) {
	var ids []string
	for i := 0; i < replicas; i++ {
		ids = append(ids, executionID+"-agent-"+string(rune('a'+i)))
	}
	return ids, nil
}

func (l *fakeLifecycle) Start(ctx context.Context, executionID string) error {
	return l.startErr
}

func (l *fakeLifecycle) StopAgents(ctx context.Context, agentIDs []string) error {
	l.lock.Lock()
	defer l.lock.Unlock()
	ids := append([]string(nil), agentIDs...)
	sort.Strings(ids)
	l.stopped = append(l.stopped, ids)
	return nil
}

func (l *fakeLifecycle) Stop(ctx context.Context, executionID string) (bool, error) {
	return l.stopInProgress, nil
}

func (l *fakeLifecycle) Cleanup(ctx context.Context, executionID string) error {
	l.lock.Lock()
	defer l.lock.Unlock()
	l.cleanups = append(l.cleanups, executionID)
	return nil
}

func (l *fakeLifecycle) Stopped() [][]string {
	l.lock.Lock()
	defer l.lock.Unlock()
	return append([][]string(nil), l.stopped...)
}

func (l *fakeLifecycle) Cleanups() []string {
	l.lock.Lock()
	defer l.lock.Unlock()
	return append([]string(nil), l.cleanups...)
}

type fixture struct {
	coordinator *Coordinator
	store       *store.InMemoryStore
	lifecycle   *fakeLifecycle
	clock       *fakeClock
}

func newFixture(config *Config, registry *prometheus.Registry) *fixture {
	f := &fixture{
		store:     store.NewInMemoryStore(),
		lifecycle: newFakeLifecycle(),
		clock:     newFakeClock(),
	}
	f.coordinator = NewCoordinator(zap.NewNop(), config, f.store, f.lifecycle, f.clock, registry)
	return f
}

func (f *fixture) heartbeat(agentID string, state protocol.AgentState) protocol.HeartbeatResponse {
	return f.coordinator.OnHeartbeat(context.Background(), protocol.Heartbeat{
		AgentID: agentID,
		State:   state,
	})
}

func (f *fixture) tests(executionID string) map[string]store.TestState {
	e, _ := f.store.Execution(executionID)
	tests := make(map[string]store.TestState)
	for _, t := range e.Tests {
		tests[t.Descriptor.FilePath] = t
	}
	return tests
}

func descriptors(paths ...string) []protocol.TestDescriptor {
	var tests []protocol.TestDescriptor
	for i, p := range paths {
		tests = append(tests, protocol.TestDescriptor{ID: int64(i + 1), FilePath: p})
	}
	return tests
}

func TestBatchAssignment(t *testing.T) {
	Convey("Given an execution with three tests and one agent", t, func() {
		ctx := context.Background()
		f := newFixture(&Config{}, nil)
		f.store.AddExecution("e1", descriptors("a.kt", "b.kt", "c.kt"))
		So(f.coordinator.Register(ctx, "e1", []string{"a1"}), ShouldBeNil)

		Convey("A starting agent receives the whole batch in order", func() {
			resp := f.heartbeat("a1", protocol.AgentStateStarting)
			So(resp, ShouldResemble, protocol.NewJobResponse{CLIArgs: "a.kt b.kt c.kt"})

			for _, test := range f.tests("e1") {
				So(test.AgentID, ShouldEqual, "a1")
			}

			Convey("A busy agent is told to continue", func() {
				So(f.heartbeat("a1", protocol.AgentStateBusy), ShouldResemble, protocol.ContinueResponse{})
			})

			Convey("The fleet is terminated once the cursor is exhausted", func() {
				err := f.store.RecordResults("e1", []protocol.TestExecutionResult{
					{FilePath: "a.kt", AgentID: "a1", Status: protocol.TestStatusPassed},
					{FilePath: "b.kt", AgentID: "a1", Status: protocol.TestStatusPassed},
					{FilePath: "c.kt", AgentID: "a1", Status: protocol.TestStatusFailed},
				})
				So(err, ShouldBeNil)

				So(f.heartbeat("a1", protocol.AgentStateFinished), ShouldResemble, protocol.WaitResponse{})
				So(f.heartbeat("a1", protocol.AgentStateIdle), ShouldResemble, protocol.TerminateResponse{})

				e, _ := f.store.Execution("e1")
				So(e.Status, ShouldEqual, protocol.ExecutionStatusFinished)
				So(f.tests("e1")["a.kt"].Status, ShouldEqual, protocol.TestStatusPassed)
				So(f.lifecycle.Cleanups(), ShouldResemble, []string{"e1"})
				So(f.lifecycle.Stopped(), ShouldBeEmpty)

				snapshot, ok := f.coordinator.Execution("e1")
				So(ok, ShouldBeTrue)
				So(snapshot.Status, ShouldEqual, protocol.ExecutionStatusFinished)
				So(snapshot.FinishedAt, ShouldNotBeNil)
			})
		})

		Convey("The agent state is recorded in the store", func() {
			f.heartbeat("a1", protocol.AgentStateBusy)
			e, _ := f.store.Execution("e1")
			So(e.Agents["a1"].State, ShouldEqual, protocol.AgentStateBusy)
		})
	})

	Convey("Given a small batch size", t, func() {
		ctx := context.Background()
		batchSize := 2
		f := newFixture(&Config{BatchSize: &batchSize}, nil)
		f.store.AddExecution("e1", descriptors("a.kt", "b.kt", "c.kt"))
		So(f.coordinator.Register(ctx, "e1", []string{"a1", "a2"}), ShouldBeNil)

		Convey("Batches are never handed out twice", func() {
			So(f.heartbeat("a1", protocol.AgentStateStarting), ShouldResemble, protocol.NewJobResponse{CLIArgs: "a.kt b.kt"})
			So(f.heartbeat("a2", protocol.AgentStateStarting), ShouldResemble, protocol.NewJobResponse{CLIArgs: "c.kt"})

			tests := f.tests("e1")
			So(tests["a.kt"].AgentID, ShouldEqual, "a1")
			So(tests["b.kt"].AgentID, ShouldEqual, "a1")
			So(tests["c.kt"].AgentID, ShouldEqual, "a2")
		})

		Convey("An idle agent waits while the others are still busy", func() {
			f.heartbeat("a1", protocol.AgentStateStarting)
			f.heartbeat("a2", protocol.AgentStateStarting)

			So(f.heartbeat("a2", protocol.AgentStateIdle), ShouldResemble, protocol.WaitResponse{})
			So(f.heartbeat("a1", protocol.AgentStateBusy), ShouldResemble, protocol.ContinueResponse{})
			So(f.heartbeat("a1", protocol.AgentStateIdle), ShouldResemble, protocol.TerminateResponse{})
			So(f.heartbeat("a2", protocol.AgentStateIdle), ShouldResemble, protocol.TerminateResponse{})
		})
	})
}

func TestIdleTermination(t *testing.T) {
	Convey("Given an execution without remaining tests", t, func() {
		ctx := context.Background()
		f := newFixture(&Config{}, nil)
		f.store.AddExecution("e1", nil)
		So(f.coordinator.Register(ctx, "e1", []string{"a1", "a2"}), ShouldBeNil)

		Convey("Idle agents are terminated once the whole fleet is idle", func() {
			So(f.heartbeat("a1", protocol.AgentStateIdle), ShouldResemble, protocol.WaitResponse{})
			So(f.heartbeat("a2", protocol.AgentStateIdle), ShouldResemble, protocol.TerminateResponse{})
			So(f.heartbeat("a1", protocol.AgentStateIdle), ShouldResemble, protocol.TerminateResponse{})

			So(f.lifecycle.Stopped(), ShouldBeEmpty)
			So(f.lifecycle.Cleanups(), ShouldResemble, []string{"e1"})

			e, _ := f.store.Execution("e1")
			So(e.Status, ShouldEqual, protocol.ExecutionStatusFinished)

			Convey("Terminated agents never receive another job", func() {
				f.store.AddExecution("e1", descriptors("late.kt"))
				So(f.heartbeat("a1", protocol.AgentStateStarting), ShouldResemble, protocol.TerminateResponse{})
				So(f.heartbeat("a2", protocol.AgentStateIdle), ShouldResemble, protocol.TerminateResponse{})
				So(f.lifecycle.Cleanups(), ShouldHaveLength, 1)
			})
		})

		Convey("A finished agent waits until the fleet is settled", func() {
			So(f.heartbeat("a1", protocol.AgentStateFinished), ShouldResemble, protocol.WaitResponse{})
			So(f.heartbeat("a2", protocol.AgentStateIdle), ShouldResemble, protocol.TerminateResponse{})
			So(f.heartbeat("a1", protocol.AgentStateFinished), ShouldResemble, protocol.TerminateResponse{})
		})
	})
}

func TestCrashDetection(t *testing.T) {
	Convey("Given two agents working on an execution", t, func() {
		ctx := context.Background()
		batchSize := 1
		f := newFixture(&Config{BatchSize: &batchSize}, nil)
		f.store.AddExecution("e1", descriptors("a.kt", "b.kt", "c.kt"))
		So(f.coordinator.Register(ctx, "e1", []string{"a1", "a2"}), ShouldBeNil)

		So(f.heartbeat("a1", protocol.AgentStateStarting), ShouldResemble, protocol.NewJobResponse{CLIArgs: "a.kt"})
		So(f.heartbeat("a2", protocol.AgentStateStarting), ShouldResemble, protocol.NewJobResponse{CLIArgs: "b.kt"})

		Convey("An agent that stopped heartbeating is declared crashed", func() {
			f.clock.Advance(15 * time.Second)
			So(f.heartbeat("a1", protocol.AgentStateBusy), ShouldResemble, protocol.ContinueResponse{})
			f.clock.Advance(10 * time.Second)
			f.coordinator.sweep(ctx)

			So(f.lifecycle.Stopped(), ShouldResemble, [][]string{{"a2"}})
			So(testutil.ToFloat64(f.coordinator.metrics.crashes), ShouldEqual, 1)

			tests := f.tests("e1")
			So(tests["b.kt"].Status, ShouldEqual, protocol.TestStatusFailed)
			So(tests["b.kt"].Reason, ShouldEqual, "agent stopped heartbeating")
			So(tests["a.kt"].Status, ShouldEqual, protocol.TestStatusReadyForTesting)

			e, _ := f.store.Execution("e1")
			So(e.Agents["a2"].State, ShouldEqual, protocol.AgentStateCrashed)
			So(e.Status, ShouldEqual, protocol.ExecutionStatusRunning)

			snapshot, _ := f.coordinator.Execution("e1")
			So(snapshot.Agents[1].ID, ShouldEqual, "a2")
			So(snapshot.Agents[1].Crashed, ShouldBeTrue)
			So(snapshot.Agents[0].Crashed, ShouldBeFalse)

			Convey("A crash is declared only once", func() {
				f.clock.Advance(5 * time.Second)
				So(f.heartbeat("a1", protocol.AgentStateBusy), ShouldResemble, protocol.ContinueResponse{})
				f.coordinator.sweep(ctx)

				So(f.lifecycle.Stopped(), ShouldHaveLength, 1)
				So(testutil.ToFloat64(f.coordinator.metrics.crashes), ShouldEqual, 1)
			})

			Convey("A crashed agent that comes back is terminated", func() {
				So(f.heartbeat("a2", protocol.AgentStateBusy), ShouldResemble, protocol.TerminateResponse{})
				So(testutil.ToFloat64(f.coordinator.metrics.crashes), ShouldEqual, 1)
			})
		})

		Convey("The execution fails once every agent crashed", func() {
			f.clock.Advance(21 * time.Second)
			f.coordinator.sweep(ctx)

			So(f.lifecycle.Stopped(), ShouldResemble, [][]string{{"a1", "a2"}})
			So(f.lifecycle.Cleanups(), ShouldResemble, []string{"e1"})

			e, _ := f.store.Execution("e1")
			So(e.Status, ShouldEqual, protocol.ExecutionStatusError)
			So(e.Reason, ShouldEqual, "all agents crashed or never reported")
		})

		Convey("Agents within the timeout are left alone", func() {
			f.clock.Advance(20 * time.Second)
			f.coordinator.sweep(ctx)

			So(f.lifecycle.Stopped(), ShouldBeEmpty)
		})
	})

	Convey("Given agents that never reported", t, func() {
		ctx := context.Background()
		f := newFixture(&Config{}, nil)
		f.store.AddExecution("e1", descriptors("a.kt"))
		So(f.coordinator.Register(ctx, "e1", []string{"a1", "a2"}), ShouldBeNil)

		f.clock.Advance(time.Minute)
		f.coordinator.sweep(ctx)

		e, _ := f.store.Execution("e1")
		So(e.Status, ShouldEqual, protocol.ExecutionStatusError)
		So(f.tests("e1")["a.kt"].Status, ShouldEqual, protocol.TestStatusReadyForTesting)
	})
}

func TestConcurrentHeartbeats(t *testing.T) {
	Convey("Given thirty agents sharing ten single-test batches", t, func() {
		ctx := context.Background()
		batchSize := 1
		f := newFixture(&Config{BatchSize: &batchSize}, nil)

		var paths []string
		for i := 0; i < 10; i++ {
			paths = append(paths, fmt.Sprintf("t%d.kt", i))
		}
		f.store.AddExecution("e1", descriptors(paths...))

		var agentIDs []string
		for i := 0; i < 30; i++ {
			agentIDs = append(agentIDs, fmt.Sprintf("a%d", i))
		}
		So(f.coordinator.Register(ctx, "e1", agentIDs), ShouldBeNil)

		round := func(state protocol.AgentState) []protocol.HeartbeatResponse {
			responses := make([]protocol.HeartbeatResponse, len(agentIDs))
			var wg sync.WaitGroup
			for i, id := range agentIDs {
				wg.Add(1)
				go func(i int, id string) {
					defer wg.Done()
					responses[i] = f.heartbeat(id, state)
				}(i, id)
			}
			wg.Wait()
			return responses
		}

		Convey("Each batch is handed out exactly once", func() {
			jobs := make(map[string]int)
			for _, resp := range round(protocol.AgentStateStarting) {
				if job, ok := resp.(protocol.NewJobResponse); ok {
					jobs[job.CLIArgs]++
				}
			}
			So(jobs, ShouldHaveLength, 10)
			for _, n := range jobs {
				So(n, ShouldEqual, 1)
			}

			Convey("Concurrent idle rounds release the fleet once without stopping anyone", func() {
				var results []protocol.TestExecutionResult
				for path, test := range f.tests("e1") {
					results = append(results, protocol.TestExecutionResult{
						FilePath: path,
						AgentID:  test.AgentID,
						Status:   protocol.TestStatusPassed,
					})
				}
				So(f.store.RecordResults("e1", results), ShouldBeNil)

				for i := 0; i < 3; i++ {
					round(protocol.AgentStateIdle)
				}
				for _, resp := range round(protocol.AgentStateIdle) {
					So(resp, ShouldResemble, protocol.TerminateResponse{})
				}

				So(f.lifecycle.Cleanups(), ShouldResemble, []string{"e1"})
				So(f.lifecycle.Stopped(), ShouldBeEmpty)

				e, _ := f.store.Execution("e1")
				So(e.Status, ShouldEqual, protocol.ExecutionStatusFinished)
				for _, test := range e.Tests {
					So(test.Status, ShouldEqual, protocol.TestStatusPassed)
				}
			})
		})
	})
}

func TestReportedFailures(t *testing.T) {
	Convey("Given an agent holding a batch", t, func() {
		ctx := context.Background()
		f := newFixture(&Config{}, nil)
		f.store.AddExecution("e1", descriptors("a.kt", "b.kt"))
		So(f.coordinator.Register(ctx, "e1", []string{"a1", "a2"}), ShouldBeNil)
		So(f.heartbeat("a1", protocol.AgentStateStarting), ShouldResemble, protocol.NewJobResponse{CLIArgs: "a.kt b.kt"})

		Convey("Tests missing from a finished run are failed", func() {
			err := f.store.RecordResults("e1", []protocol.TestExecutionResult{
				{FilePath: "a.kt", AgentID: "a1", Status: protocol.TestStatusPassed},
			})
			So(err, ShouldBeNil)

			So(f.heartbeat("a1", protocol.AgentStateFinished), ShouldResemble, protocol.WaitResponse{})

			tests := f.tests("e1")
			So(tests["a.kt"].Status, ShouldEqual, protocol.TestStatusPassed)
			So(tests["b.kt"].Status, ShouldEqual, protocol.TestStatusFailed)
			So(tests["b.kt"].Reason, ShouldEqual, "agent finished without reporting a result")
		})

		Convey("A failed runner fails the batch and the agent waits", func() {
			So(f.heartbeat("a1", protocol.AgentStateCLIFailed), ShouldResemble, protocol.WaitResponse{})

			tests := f.tests("e1")
			So(tests["a.kt"].Status, ShouldEqual, protocol.TestStatusFailed)
			So(tests["a.kt"].Reason, ShouldEqual, "test runner failed")
		})

		Convey("A self-reported crash terminates the agent", func() {
			So(f.heartbeat("a1", protocol.AgentStateCrashed), ShouldResemble, protocol.TerminateResponse{})

			So(f.lifecycle.Stopped(), ShouldBeEmpty)
			So(testutil.ToFloat64(f.coordinator.metrics.crashes), ShouldEqual, 1)
			So(f.tests("e1")["b.kt"].Reason, ShouldEqual, "agent crashed")

			snapshot, _ := f.coordinator.Execution("e1")
			So(snapshot.Agents[0].Crashed, ShouldBeTrue)
			So(snapshot.Status, ShouldEqual, protocol.ExecutionStatusRunning)

			Convey("The execution fails once the other agent crashes too", func() {
				So(f.heartbeat("a2", protocol.AgentStateCrashed), ShouldResemble, protocol.TerminateResponse{})

				e, _ := f.store.Execution("e1")
				So(e.Status, ShouldEqual, protocol.ExecutionStatusError)
			})
		})
	})
}

func TestRegistry(t *testing.T) {
	Convey("Given a coordinator", t, func() {
		ctx := context.Background()
		f := newFixture(&Config{}, nil)
		f.store.AddExecution("e1", descriptors("a.kt"))
		So(f.coordinator.Register(ctx, "e1", []string{"a1", "a2"}), ShouldBeNil)

		Convey("Unknown agents are terminated", func() {
			So(f.heartbeat("stranger", protocol.AgentStateStarting), ShouldResemble, protocol.TerminateResponse{})
		})

		Convey("An execution cannot be registered twice while running", func() {
			So(f.coordinator.Register(ctx, "e1", []string{"a3"}), ShouldNotBeNil)
			So(f.coordinator.Register(ctx, "e2", []string{"a1"}), ShouldNotBeNil)
		})

		Convey("The snapshot lists every agent", func() {
			state := f.coordinator.State().Value()
			So(state.Executions, ShouldHaveLength, 1)
			So(state.Executions[0].Status, ShouldEqual, protocol.ExecutionStatusRunning)
			So(state.Executions[0].Agents, ShouldHaveLength, 2)
			So(state.Executions[0].Agents[0].ID, ShouldEqual, "a1")
			So(state.Executions[0].Agents[0].LastHeartbeat, ShouldBeNil)

			f.heartbeat("a1", protocol.AgentStateBusy)
			state = f.coordinator.State().Value()
			So(state.Executions[0].Agents[0].State, ShouldEqual, protocol.AgentStateBusy)
			So(state.Executions[0].Agents[0].LastHeartbeat, ShouldNotBeNil)
		})

		Convey("Aborting terminates the fleet", func() {
			f.heartbeat("a1", protocol.AgentStateStarting)
			So(f.coordinator.Abort(ctx, "e1", "stopped by request"), ShouldBeNil)

			e, _ := f.store.Execution("e1")
			So(e.Status, ShouldEqual, protocol.ExecutionStatusError)
			So(e.Reason, ShouldEqual, "stopped by request")
			So(f.tests("e1")["a.kt"].Status, ShouldEqual, protocol.TestStatusFailed)
			So(f.lifecycle.Cleanups(), ShouldResemble, []string{"e1"})
			So(f.heartbeat("a2", protocol.AgentStateIdle), ShouldResemble, protocol.TerminateResponse{})

			Convey("A released execution can be registered again", func() {
				So(f.coordinator.Register(ctx, "e1", []string{"a3"}), ShouldBeNil)
				So(f.heartbeat("a1", protocol.AgentStateIdle), ShouldResemble, protocol.TerminateResponse{})
			})

			Convey("A released execution is pruned after the retention period", func() {
				f.clock.Advance(30 * time.Minute)
				f.coordinator.sweep(ctx)
				_, ok := f.coordinator.Execution("e1")
				So(ok, ShouldBeTrue)

				f.clock.Advance(time.Hour)
				f.coordinator.sweep(ctx)
				_, ok = f.coordinator.Execution("e1")
				So(ok, ShouldBeFalse)
			})
		})

		Convey("Aborting an unknown execution fails", func() {
			So(f.coordinator.Abort(ctx, "e9", "stopped by request"), ShouldNotBeNil)
		})

		Convey("Forgetting drops the execution", func() {
			f.coordinator.Forget("e1")
			_, ok := f.coordinator.Execution("e1")
			So(ok, ShouldBeFalse)
			So(f.heartbeat("a1", protocol.AgentStateIdle), ShouldResemble, protocol.TerminateResponse{})
		})
	})
}

func TestMetrics(t *testing.T) {
	Convey("Given a coordinator with a registry", t, func() {
		ctx := context.Background()
		registry := prometheus.NewRegistry()
		f := newFixture(&Config{}, registry)
		f.store.AddExecution("e1", descriptors("a.kt"))
		So(f.coordinator.Register(ctx, "e1", []string{"a1"}), ShouldBeNil)
		f.heartbeat("a1", protocol.AgentStateBusy)

		families, err := registry.Gather()
		So(err, ShouldBeNil)

		names := make(map[string]int)
		for _, family := range families {
			names[family.GetName()] = len(family.GetMetric())
		}
		So(names["fleet_agent_state"], ShouldEqual, 6)
		So(names["fleet_agent_crashed"], ShouldEqual, 1)
		So(names["fleet_agent_last_heartbeat_time"], ShouldEqual, 1)
		So(names["fleet_execution_status"], ShouldEqual, 4)
		So(names["fleet_heartbeats_total"], ShouldEqual, 1)

		So(testutil.ToFloat64(f.coordinator.metrics.heartbeats.WithLabelValues("BUSY")), ShouldEqual, 1)
	})
}
