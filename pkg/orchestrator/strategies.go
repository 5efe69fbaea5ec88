package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
)

// ConsensusResult is the output of the consensus pattern
type ConsensusResult struct {
	Decision         interface{}    `json:"decision" yaml:"decision"`
	Votes            map[string]int `json:"votes" yaml:"votes"`
	Quorum           int            `json:"quorum" yaml:"quorum"`
	ConsensusReached bool           `json:"consensus_reached" yaml:"consensus_reached"`
	Responses        int            `json:"responses" yaml:"responses"`
}

// SubtaskResult is the outcome of one sub-task of the hierarchical pattern
type SubtaskResult struct {
	TaskID  string         `json:"task_id" yaml:"task_id"`
	AgentID string         `json:"agent_id" yaml:"agent_id"`
	Status  ResponseStatus `json:"status" yaml:"status"`
	Output  interface{}    `json:"output,omitempty" yaml:"output,omitempty"`
	Error   string         `json:"error,omitempty" yaml:"error,omitempty"`
}

// HierarchicalResult is the output of the hierarchical pattern
type HierarchicalResult struct {
	Coordinator string          `json:"coordinator" yaml:"coordinator"`
	Subtasks    []SubtaskResult `json:"subtasks" yaml:"subtasks"`
}

// ScatterGatherResult is the output of the scatter-gather pattern
type ScatterGatherResult struct {
	Count        int           `json:"count" yaml:"count"`
	Results      []interface{} `json:"results" yaml:"results"`
	AggregatedAt time.Time     `json:"aggregated_at" yaml:"aggregated_at"`
}

// outcome is the result of one agent invocation inside a fan-out
type outcome struct {
	resp TaskResponse
	err  error
}

// executeSequential chains agents in registration order, feeding each output
// into the next agent. The first failure aborts the chain.
func (d *Dispatcher) executeSequential(ctx context.Context, req TaskRequest) (TaskResponse, error) {
	agents, err := d.eligible(req)
	if err != nil {
		return TaskResponse{}, err
	}

	current := req.Input
	var last string
	for _, agent := range agents {
		if ctx.Err() != nil {
			return failedResponse(req.ID, errTaskCancelled), nil
		}

		resp, err := d.invoke(ctx, agent, req.withInput(current))
		if err != nil {
			return failedResponse(req.ID, err), nil
		}
		current = resp.Output
		last = agent.ID
	}

	return TaskResponse{
		TaskID:  req.ID,
		AgentID: last,
		Status:  StatusSuccess,
		Output:  current,
	}, nil
}

// executeParallel runs every eligible agent on the same input. Failures are
// isolated; successful outputs are collected in registration order.
func (d *Dispatcher) executeParallel(ctx context.Context, req TaskRequest) (TaskResponse, error) {
	agents, err := d.eligible(req)
	if err != nil {
		return TaskResponse{}, err
	}

	outcomes := d.fanOut(ctx, agents, func(int) TaskRequest { return req })
	return parallelResponse(req.ID, outcomes), nil
}

func parallelResponse(taskID string, outcomes []outcome) TaskResponse {
	outputs := make([]interface{}, 0, len(outcomes))
	var errs []error
	for _, o := range outcomes {
		if o.err != nil {
			errs = append(errs, o.err)
			continue
		}
		outputs = append(outputs, o.resp.Output)
	}

	if len(outputs) == 0 {
		return failedResponse(taskID, errors.Join(errs...))
	}
	return TaskResponse{
		TaskID: taskID,
		Status: StatusSuccess,
		Output: outputs,
	}
}

// executeHierarchical lets the first eligible coordinator own the task while
// worker agents process sub-tasks in parallel. Without a coordinator it
// degrades to the sequential pattern.
func (d *Dispatcher) executeHierarchical(ctx context.Context, req TaskRequest) (TaskResponse, error) {
	agents, err := d.eligible(req)
	if err != nil {
		return TaskResponse{}, err
	}

	var coordinator *AgentIdentity
	var workers []AgentIdentity
	for i := range agents {
		switch {
		case coordinator == nil && agents[i].Type == AgentTypeCoordinator:
			coordinator = &agents[i]
		case agents[i].Type == AgentTypeWorker:
			workers = append(workers, agents[i])
		}
	}

	if coordinator == nil {
		d.logger.Debug().Str("task_id", req.ID).Msg("No coordinator available, falling back to sequential")
		return d.executeSequential(ctx, req)
	}
	if len(workers) == 0 {
		return TaskResponse{}, fmt.Errorf("%w: hierarchical pattern needs at least one worker", ErrInsufficientAgents)
	}

	if err := d.registry.Acquire(coordinator.ID); err != nil {
		return TaskResponse{}, err
	}
	defer d.registry.Release(coordinator.ID)

	subtasks := splitInput(req, coordinator.ID, workers)
	assigned := make([]AgentIdentity, len(subtasks))
	for i := range subtasks {
		assigned[i] = workers[i%len(workers)]
	}

	outcomes := d.fanOut(ctx, assigned, func(i int) TaskRequest { return subtasks[i] })

	result := HierarchicalResult{
		Coordinator: coordinator.ID,
		Subtasks:    make([]SubtaskResult, len(outcomes)),
	}
	succeeded := 0
	for i, o := range outcomes {
		sub := SubtaskResult{
			TaskID:  subtasks[i].ID,
			AgentID: assigned[i].ID,
			Status:  o.resp.Status,
			Output:  o.resp.Output,
		}
		if o.err != nil {
			sub.Status = StatusFailure
			sub.Error = o.err.Error()
		} else {
			succeeded++
		}
		result.Subtasks[i] = sub
	}

	resp := TaskResponse{
		TaskID:  req.ID,
		AgentID: coordinator.ID,
		Output:  result,
	}
	switch {
	case succeeded == len(outcomes):
		resp.Status = StatusSuccess
	case succeeded > 0:
		resp.Status = StatusPartial
	default:
		resp.Status = StatusFailure
		resp.Error = "all sub-tasks failed"
	}
	return resp, nil
}

// splitInput builds one sub-task per worker. Slice inputs are dealt out
// item by item, round-robin; any other input is given to every worker.
func splitInput(req TaskRequest, coordinatorID string, workers []AgentIdentity) []TaskRequest {
	parent := &TaskContext{ParentTaskID: req.ID}
	if req.Context != nil {
		parent.ConversationID = req.Context.ConversationID
	}

	inputs := make([]interface{}, len(workers))
	v := reflect.ValueOf(req.Input)
	if req.Input != nil && v.Kind() == reflect.Slice && v.Len() > 0 {
		buckets := make([][]interface{}, len(workers))
		for i := 0; i < v.Len(); i++ {
			buckets[i%len(workers)] = append(buckets[i%len(workers)], v.Index(i).Interface())
		}
		inputs = inputs[:0]
		for _, bucket := range buckets {
			if len(bucket) > 0 {
				inputs = append(inputs, bucket)
			}
		}
	} else {
		for i := range inputs {
			inputs[i] = req.Input
		}
	}

	subtasks := make([]TaskRequest, len(inputs))
	for i, input := range inputs {
		sub := req.withInput(input)
		sub.ID = fmt.Sprintf("%s.%d", req.ID, i+1)
		sub.Context = parent
		if sub.Description == "" {
			sub.Description = fmt.Sprintf("sub-task %d of %s assigned by %s", i+1, req.ID, coordinatorID)
		}
		subtasks[i] = sub
	}
	return subtasks
}

// executeConsensus polls at least two agents with the same input and tallies
// their answers. Quorum is a majority (ceil(n/2)) of the agents that answered.
func (d *Dispatcher) executeConsensus(ctx context.Context, req TaskRequest) (TaskResponse, error) {
	agents, err := d.eligible(req)
	if err != nil {
		return TaskResponse{}, err
	}
	if len(agents) < 2 {
		return TaskResponse{}, fmt.Errorf("%w: consensus needs at least 2, have %d", ErrInsufficientAgents, len(agents))
	}

	outcomes := d.fanOut(ctx, agents, func(int) TaskRequest { return req })

	result := ConsensusResult{Votes: make(map[string]int)}
	decisions := make(map[string]interface{})
	var order []string
	var errs []error
	for _, o := range outcomes {
		if o.err != nil {
			errs = append(errs, o.err)
			continue
		}
		key, err := voteKey(o.resp.Output)
		if err != nil {
			errs = append(errs, fmt.Errorf("agent %s: %w", o.resp.AgentID, err))
			continue
		}
		if _, seen := result.Votes[key]; !seen {
			order = append(order, key)
			decisions[key] = o.resp.Output
		}
		result.Votes[key]++
		result.Responses++
	}

	if result.Responses == 0 {
		return failedResponse(req.ID, errors.Join(errs...)), nil
	}

	result.Quorum = (result.Responses + 1) / 2
	winner := order[0]
	for _, key := range order[1:] {
		// strict comparison keeps the first-seen answer on ties
		if result.Votes[key] > result.Votes[winner] {
			winner = key
		}
	}
	result.Decision = decisions[winner]
	result.ConsensusReached = result.Votes[winner] >= result.Quorum

	resp := TaskResponse{
		TaskID: req.ID,
		Status: StatusSuccess,
		Output: result,
	}
	if !result.ConsensusReached {
		resp.Status = StatusPartial
		resp.Error = "consensus not reached"
	}
	return resp, nil
}

// voteKey returns the ballot an output represents: its "vote" field when it
// has one (any map with string keys, or a struct, matched case-insensitively),
// a plain string as is, and otherwise its canonical JSON encoding.
func voteKey(output interface{}) (string, error) {
	switch v := output.(type) {
	case string:
		return v, nil
	case map[string]interface{}:
		if vote, ok := voteField(v); ok {
			return vote, nil
		}
	}

	data, err := json.Marshal(output)
	if err != nil {
		return "", fmt.Errorf("failed to encode vote: %w", err)
	}

	// other map and struct shapes are read back through their JSON form
	var fields map[string]interface{}
	if json.Unmarshal(data, &fields) == nil {
		if vote, ok := voteField(fields); ok {
			return vote, nil
		}
	}
	return string(data), nil
}

func voteField(fields map[string]interface{}) (string, bool) {
	if vote, ok := fields["vote"].(string); ok {
		return vote, true
	}
	for k, value := range fields {
		if strings.EqualFold(k, "vote") {
			if vote, ok := value.(string); ok {
				return vote, true
			}
		}
	}
	return "", false
}

// executeScatterGather runs the parallel pattern and wraps the gathered results
func (d *Dispatcher) executeScatterGather(ctx context.Context, req TaskRequest) (TaskResponse, error) {
	resp, err := d.executeParallel(ctx, req)
	if err != nil || resp.Status == StatusFailure {
		return resp, err
	}

	results, _ := resp.Output.([]interface{})
	resp.Output = ScatterGatherResult{
		Count:        len(results),
		Results:      results,
		AggregatedAt: d.now(),
	}
	return resp, nil
}

// fanOut invokes agents[i] with build(i) concurrently, at most maxConcurrent
// at a time, and returns outcomes in the same order as agents.
func (d *Dispatcher) fanOut(ctx context.Context, agents []AgentIdentity, build func(i int) TaskRequest) []outcome {
	outcomes := make([]outcome, len(agents))

	var g errgroup.Group
	g.SetLimit(d.maxConcurrent)
	for i, agent := range agents {
		i, agent := i, agent
		g.Go(func() error {
			resp, err := d.invoke(ctx, agent, build(i))
			outcomes[i] = outcome{resp: resp, err: err}
			return nil
		})
	}
	_ = g.Wait()

	return outcomes
}
