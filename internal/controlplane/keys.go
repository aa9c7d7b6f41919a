package controlplane

// Well-known session state keys. All task bookkeeping lives in the session
// state mapping under these keys.

// resultKey names the slot holding a task's final TaskResult.
func resultKey(taskID string) string { return "result_" + taskID }

// streamKey names the slot holding a task's ordered stream records.
func streamKey(taskID string) string { return "stream_" + taskID }

// retriesKey counts COMPLETED_TASK ingestions for the session. The name is
// historical; it is a completion counter, not a failure counter.
const retriesKey = "retries"
