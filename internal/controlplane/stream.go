package controlplane

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/taskmesh/taskmesh/pkg/types"
)

// httpTaskResultStream serves the task's stream records as NDJSON. It polls
// the session state every step_interval, emits newly arrived records sorted
// by index and terminates once the final result is present. On failure a
// single {"error": ...} line is written and the stream ends. A session
// without a stream slot for the task is a 404, decided before the response
// starts.
func (h *Handlers) httpTaskResultStream(c *gin.Context) {
	ctx := c.Request.Context()
	sessionID := c.Param("sid")
	taskID := c.Param("tid")

	session, err := h.server.GetSession(ctx, sessionID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	if _, ok := session.State[streamKey(taskID)]; !ok {
		h.respondError(c, fmt.Errorf("stream for task %q: %w", taskID, ErrNotFound))
		return
	}

	c.Header("Content-Type", "application/x-ndjson")
	c.Writer.WriteHeader(http.StatusOK)
	c.Writer.Flush()

	enc := json.NewEncoder(c.Writer)
	interval := h.server.Config().StepIntervalDuration()
	drained := 0

	for {
		session, err := h.server.GetSession(ctx, sessionID)
		if err != nil {
			h.writeStreamError(c, enc, err)
			return
		}

		records, err := decodeStreamRecords(session, taskID)
		if err != nil {
			h.writeStreamError(c, enc, err)
			return
		}
		if len(records) > drained {
			batch := records[drained:]
			// Records land in arrival order; readers get index order.
			// Equal indices keep arrival order.
			sort.SliceStable(batch, func(i, j int) bool {
				return batch[i].Index < batch[j].Index
			})
			for _, rec := range batch {
				if err := enc.Encode(rec.Data); err != nil {
					return
				}
			}
			drained = len(records)
			c.Writer.Flush()
		}

		result, err := h.server.GetTaskResult(ctx, sessionID, taskID)
		if err != nil {
			h.writeStreamError(c, enc, err)
			return
		}
		if result != nil {
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}
	}
}

// writeStreamError emits the terminal error line. Writes after client
// disconnect are silently dropped by the response writer.
func (h *Handlers) writeStreamError(c *gin.Context, enc *json.Encoder, err error) {
	h.logger.Error("result stream failed",
		zap.String("path", c.Request.URL.Path),
		zap.Error(err))
	_ = enc.Encode(map[string]string{"error": err.Error()})
	c.Writer.Flush()
}

// decodeStreamRecords reads the session's stream slot for the task. The
// slot holds generic maps after a store round-trip.
func decodeStreamRecords(session *types.SessionDefinition, taskID string) ([]types.TaskStream, error) {
	raw, ok := session.State[streamKey(taskID)]
	if !ok || raw == nil {
		return nil, nil
	}
	items, ok := raw.([]interface{})
	if !ok {
		return nil, ErrProtocol
	}
	records := make([]types.TaskStream, 0, len(items))
	for _, item := range items {
		doc, ok := item.(map[string]interface{})
		if !ok {
			return nil, ErrProtocol
		}
		var rec types.TaskStream
		if err := types.FromMap(doc, &rec); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}
