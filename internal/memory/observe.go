package memory

import (
	"time"

	"github.com/aiox-platform/agentmem/internal/metrics"
)

func observe(backend, op string, start time.Time, errp *error) {
	var err error
	if errp != nil {
		err = *errp
	}
	status := "ok"
	if err != nil {
		status = "error"
		if IsValidation(err) {
			status = "invalid"
		}
	}
	metrics.MemoryOperationsTotal.WithLabelValues(backend, op, status).Inc()
	metrics.MemoryOperationDuration.WithLabelValues(backend, op).Observe(time.Since(start).Seconds())
}
