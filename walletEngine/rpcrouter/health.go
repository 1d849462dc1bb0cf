package rpcrouter

import "time"

func (h *Health) recordSuccess(now time.Time, latency time.Duration) {
	h.SuccessCount++
	h.ConsecutiveFailures = 0
	h.CooldownUntil = time.Time{}
	h.LastSuccessAt = now

	// Exponential moving average with alpha = 0.1
	if h.AverageLatency == 0 {
		h.AverageLatency = latency
	} else {
		h.AverageLatency = time.Duration(float64(h.AverageLatency)*0.9 + float64(latency)*0.1)
	}
	h.calculateHealthScore()
}

func (h *Health) recordFailure(now time.Time, err error, latency, cooldown time.Duration) {
	h.FailureCount++
	h.ConsecutiveFailures++
	h.LastFailureAt = now
	h.CooldownUntil = now.Add(cooldown)
	if err != nil {
		h.LastError = err.Error()
	}

	if latency > 0 && h.AverageLatency > 0 {
		h.AverageLatency = time.Duration(float64(h.AverageLatency)*0.9 + float64(latency)*0.1)
	}
	h.calculateHealthScore()
}

// calculateHealthScore computes health score based on success rate and latency
func (h *Health) calculateHealthScore() {
	total := h.SuccessCount + h.FailureCount
	if total == 0 {
		h.HealthScore = 100.0
		return
	}

	baseScore := float64(h.SuccessCount) / float64(total) * 100.0

	// 1 second is baseline, 5 points per extra second up to 20
	latencyPenalty := 0.0
	if h.AverageLatency > time.Second {
		latencyPenalty = (h.AverageLatency.Seconds() - 1.0) * 5.0
		if latencyPenalty > 20.0 {
			latencyPenalty = 20.0
		}
	}

	// 10 points per consecutive failure up to 50
	failurePenalty := float64(h.ConsecutiveFailures) * 10.0
	if failurePenalty > 50.0 {
		failurePenalty = 50.0
	}

	h.HealthScore = baseScore - latencyPenalty - failurePenalty
	if h.HealthScore < 0 {
		h.HealthScore = 0
	}
}

func newHealth() Health {
	return Health{HealthScore: 100.0}
}
