package telemetry

import (
	"sort"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/aristath/productteam/internal/events"
)

// LatencyStats summarizes the successful attempt durations of one role.
type LatencyStats struct {
	RoleID string        `json:"role_id"`
	Count  int           `json:"count"`
	Mean   time.Duration `json:"mean"`
	StdDev time.Duration `json:"std_dev"`
	P50    time.Duration `json:"p50"`
	P95    time.Duration `json:"p95"`
	Max    time.Duration `json:"max"`
}

// Evaluation scores one or more runs.
type Evaluation struct {
	Latency    []LatencyStats `json:"latency"`
	Precision  float64        `json:"precision"`
	Recall     float64        `json:"recall"`
	F1         float64        `json:"f1"`
	Missing    []string       `json:"missing,omitempty"`    // Expected but not assigned
	Unexpected []string       `json:"unexpected,omitempty"` // Assigned but not expected
}

// Evaluate computes per-role latency statistics from event logs and scores
// the assigned roles against the roles a reviewer expected.
func Evaluate(log []events.Event, assigned, expected []string) Evaluation {
	ev := Evaluation{Latency: Latencies(log)}
	ev.Precision, ev.Recall, ev.Missing, ev.Unexpected = assignmentScore(assigned, expected)
	if ev.Precision+ev.Recall > 0 {
		ev.F1 = 2 * ev.Precision * ev.Recall / (ev.Precision + ev.Recall)
	}
	return ev
}

// Latencies groups node result durations by role, sorted by role ID.
func Latencies(log []events.Event) []LatencyStats {
	samples := make(map[string][]float64)
	for _, e := range log {
		if r, ok := e.(events.NodeResultEvent); ok {
			samples[r.Role] = append(samples[r.Role], r.Duration.Seconds())
		}
	}

	roles := make([]string, 0, len(samples))
	for role := range samples {
		roles = append(roles, role)
	}
	sort.Strings(roles)

	out := make([]LatencyStats, 0, len(roles))
	for _, role := range roles {
		x := samples[role]
		sort.Float64s(x)
		ls := LatencyStats{
			RoleID: role,
			Count:  len(x),
			Mean:   seconds(stat.Mean(x, nil)),
			P50:    seconds(stat.Quantile(0.5, stat.Empirical, x, nil)),
			P95:    seconds(stat.Quantile(0.95, stat.Empirical, x, nil)),
			Max:    seconds(x[len(x)-1]),
		}
		// sample deviation is undefined for one observation
		if len(x) > 1 {
			ls.StdDev = seconds(stat.StdDev(x, nil))
		}
		out = append(out, ls)
	}
	return out
}

func assignmentScore(assigned, expected []string) (precision, recall float64, missing, unexpected []string) {
	a := toSet(assigned)
	e := toSet(expected)

	hits := 0
	for id := range a {
		if e[id] {
			hits++
		} else {
			unexpected = append(unexpected, id)
		}
	}
	for id := range e {
		if !a[id] {
			missing = append(missing, id)
		}
	}
	sort.Strings(missing)
	sort.Strings(unexpected)

	switch {
	case len(a) > 0:
		precision = float64(hits) / float64(len(a))
	case len(e) == 0:
		precision = 1
	}
	if len(e) > 0 {
		recall = float64(hits) / float64(len(e))
	} else {
		recall = 1
	}
	return precision, recall, missing, unexpected
}

func toSet(ids []string) map[string]bool {
	s := make(map[string]bool, len(ids))
	for _, id := range ids {
		s[id] = true
	}
	return s
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
