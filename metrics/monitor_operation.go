package metrics

import "time"

// MonitorObjectStoreOp records the outcome of one object store operation.
// Call it with the operation start time once the call has returned.
func MonitorObjectStoreOp(host, operation string, start time.Time, retries int, err error) {
	if err != nil {
		Metrics.ObjectStoreFailureCount.WithLabelValues(host, operation).Inc()
		return
	}
	Metrics.ObjectStoreRequestDuration.WithLabelValues(host, operation).Observe(time.Since(start).Seconds())
	Metrics.ObjectStoreRetryCount.WithLabelValues(host, operation).Set(float64(retries))
}
