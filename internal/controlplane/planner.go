package controlplane

import (
	"fmt"

	"github.com/taskmesh/taskmesh/pkg/types"
)

// nextMessages is the routing step: given a session and one of its tasks it
// decides which queue messages to publish next and what to merge into the
// session state. Routing is single hop: a task that already has a result in
// the session state produces no messages, otherwise it is forwarded to its
// target service as a NEW_TASK.
func nextMessages(session *types.SessionDefinition, task *types.TaskDefinition) ([]*types.QueueMessage, map[string]interface{}, error) {
	if _, done := session.State[resultKey(task.TaskID)]; done {
		return nil, nil, nil
	}

	destination := task.Target()
	if destination == "" {
		return nil, nil, fmt.Errorf("task %q: %w", task.TaskID, ErrUnroutable)
	}

	data, err := types.ToMap(task)
	if err != nil {
		return nil, nil, err
	}
	msg := types.NewQueueMessage(destination, types.ActionNewTask, data)

	delta := map[string]interface{}{}
	if _, ok := session.State[task.TaskID]; !ok {
		// Scratch slot for per-task state accumulated across hops.
		delta[task.TaskID] = map[string]interface{}{}
	}
	return []*types.QueueMessage{msg}, delta, nil
}

// addResultToState records a task result in the session state and bumps the
// completion counter. The counter starts at 0 on the first completion.
func addResultToState(session *types.SessionDefinition, result *types.TaskResult) {
	count := -1
	if raw, ok := session.State[retriesKey]; ok {
		switch v := raw.(type) {
		case int:
			count = v
		case float64:
			// JSON round-trips numbers as float64.
			count = int(v)
		}
	}
	session.State[retriesKey] = count + 1

	doc, err := types.ToMap(result)
	if err != nil {
		// ToMap on a TaskResult cannot fail in practice; keep the raw
		// result rather than dropping it.
		session.State[resultKey(result.TaskID)] = result.Result
		return
	}
	session.State[resultKey(result.TaskID)] = doc
}
