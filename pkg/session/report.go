package session

import (
	"math"
	"time"
)

// HealthSummary aggregates pool membership.
type HealthSummary struct {
	Total          int     `json:"total_sessions"`
	Active         int     `json:"active_sessions"`
	Busy           int     `json:"busy_sessions"`
	Authenticating int     `json:"authenticating_sessions"`
	Inactive       int     `json:"inactive_sessions"`
	Expired        int     `json:"expired_sessions"`
	Errored        int     `json:"error_sessions"`
	MaxSessions    int     `json:"max_sessions"`
	HealthScore    float64 `json:"health_score"`
	Utilization    float64 `json:"pool_utilization"`
	Strategy       string  `json:"strategy"`
}

// HealthReport is the operator view of the pool.
type HealthReport struct {
	Summary   HealthSummary `json:"summary"`
	Sessions  []Info        `json:"sessions"`
	Timestamp time.Time     `json:"timestamp"`
}

// HealthReport snapshots every member. Active counts usable sessions;
// HealthScore is Active/Total and Utilization is Total/MaxSessions.
func (p *Pool) HealthReport() HealthReport {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	report := HealthReport{
		Sessions:  make([]Info, 0, len(p.sessions)),
		Timestamp: now,
	}
	sum := &report.Summary
	sum.Total = len(p.sessions)
	sum.MaxSessions = p.maxSessions
	sum.Strategy = string(p.strategy)

	for _, s := range p.sessions {
		info := s.Snapshot()
		info.Busy = p.busy[s.id]
		report.Sessions = append(report.Sessions, info)

		if s.IsUsable(now, p.errorCeiling) {
			sum.Active++
		}
		if info.Busy {
			sum.Busy++
		}
		switch {
		case s.IsExpired(now):
			sum.Expired++
		case info.Status == StatusError:
			sum.Errored++
		case info.Status == StatusAuthenticating:
			sum.Authenticating++
		case info.Status == StatusInactive:
			sum.Inactive++
		}
	}

	if sum.Total > 0 {
		sum.HealthScore = float64(sum.Active) / float64(sum.Total)
	}
	sum.Utilization = float64(sum.Total) / float64(p.maxSessions)

	return report
}

// PoolStats summarises usage across members.
type PoolStats struct {
	Total         int           `json:"total_sessions"`
	Active        int           `json:"active_sessions"`
	MaxSessions   int           `json:"max_sessions"`
	TotalMessages int           `json:"total_messages"`
	AvgMessages   float64       `json:"avg_messages_per_session"`
	MaxMessages   int           `json:"max_messages"`
	MinMessages   int           `json:"min_messages"`
	TotalErrors   int           `json:"total_errors"`
	OldestAge     time.Duration `json:"oldest_session_age"`
	NewestAge     time.Duration `json:"newest_session_age"`
}

// Stats computes usage figures over all members.
func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	stats := PoolStats{Total: len(p.sessions), MaxSessions: p.maxSessions}
	if len(p.sessions) == 0 {
		return stats
	}

	stats.MinMessages = math.MaxInt
	for i, s := range p.sessions {
		if s.IsUsable(now, p.errorCeiling) {
			stats.Active++
		}
		mc := s.MessageCount()
		stats.TotalMessages += mc
		stats.TotalErrors += s.ErrorCount()
		if mc > stats.MaxMessages {
			stats.MaxMessages = mc
		}
		if mc < stats.MinMessages {
			stats.MinMessages = mc
		}

		age := now.Sub(s.createdAt)
		if age > stats.OldestAge {
			stats.OldestAge = age
		}
		if i == 0 || age < stats.NewestAge {
			stats.NewestAge = age
		}
	}
	stats.AvgMessages = float64(stats.TotalMessages) / float64(len(p.sessions))

	return stats
}

// Distribution labels.
const (
	DistributionEmpty      = "empty"
	DistributionSingle     = "single"
	DistributionBalanced   = "balanced"
	DistributionModerate   = "moderate"
	DistributionUnbalanced = "unbalanced"
)

// SessionLoad is one member's share of completed jobs.
type SessionLoad struct {
	SessionID      string  `json:"session_id"`
	AccountID      string  `json:"account_id"`
	Status         Status  `json:"status"`
	MessageCount   int     `json:"message_count"`
	ErrorCount     int     `json:"error_count"`
	LoadPercentage float64 `json:"load_percentage"`
}

// Distribution describes how evenly jobs are spread over members.
type Distribution struct {
	Sessions      []SessionLoad `json:"sessions"`
	Distribution  string        `json:"distribution"`
	StdDev        float64       `json:"std_dev"`
	TotalMessages int           `json:"total_messages"`
}

// Distribution computes per-session load percentages and classifies the
// spread by the standard deviation from an even split: under 10 points is
// balanced, under 25 moderate, anything else unbalanced.
func (p *Pool) Distribution() Distribution {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.sessions) == 0 {
		return Distribution{Sessions: []SessionLoad{}, Distribution: DistributionEmpty}
	}

	loads := make([]SessionLoad, 0, len(p.sessions))
	total := 0
	for _, s := range p.sessions {
		info := s.Snapshot()
		loads = append(loads, SessionLoad{
			SessionID:    info.ID,
			AccountID:    info.AccountID,
			Status:       info.Status,
			MessageCount: info.MessageCount,
			ErrorCount:   info.ErrorCount,
		})
		total += info.MessageCount
	}
	if total > 0 {
		for i := range loads {
			loads[i].LoadPercentage = float64(loads[i].MessageCount) / float64(total) * 100
		}
	}

	d := Distribution{Sessions: loads, TotalMessages: total}
	if len(loads) == 1 {
		d.Distribution = DistributionSingle
		return d
	}

	even := 100 / float64(len(loads))
	var sq float64
	for _, l := range loads {
		diff := l.LoadPercentage - even
		sq += diff * diff
	}
	d.StdDev = math.Sqrt(sq / float64(len(loads)))

	switch {
	case d.StdDev < 10:
		d.Distribution = DistributionBalanced
	case d.StdDev < 25:
		d.Distribution = DistributionModerate
	default:
		d.Distribution = DistributionUnbalanced
	}
	return d
}

// HealthCheckResult splits members into healthy and unhealthy.
type HealthCheckResult struct {
	Healthy        []Info `json:"healthy_sessions"`
	Unhealthy      []Info `json:"unhealthy_sessions"`
	TotalChecked   int    `json:"total_checked"`
	HealthyCount   int    `json:"healthy_count"`
	UnhealthyCount int    `json:"unhealthy_count"`
}

// HealthCheckAll classifies every member as healthy iff it is usable.
func (p *Pool) HealthCheckAll() HealthCheckResult {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	res := HealthCheckResult{Healthy: []Info{}, Unhealthy: []Info{}}
	for _, s := range p.sessions {
		info := s.Snapshot()
		info.Busy = p.busy[s.id]
		res.TotalChecked++
		if s.IsUsable(now, p.errorCeiling) {
			res.Healthy = append(res.Healthy, info)
		} else {
			res.Unhealthy = append(res.Unhealthy, info)
		}
	}
	res.HealthyCount = len(res.Healthy)
	res.UnhealthyCount = len(res.Unhealthy)
	return res
}
