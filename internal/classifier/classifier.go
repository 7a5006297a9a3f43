// Package classifier maps a query to the roles that should work on it.
package classifier

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"regexp"
	"sort"
	"sync"

	"github.com/aristath/productteam/internal/query"
	"github.com/aristath/productteam/internal/registry"
)

// Classification methods.
const (
	MethodLexical   = "lexical"
	MethodReasoning = "reasoning"
	MethodFallback  = "fallback"
)

// DefaultThreshold is the minimum confidence for a role to be assigned.
const DefaultThreshold = 0.5

// Assignment is a role selected for the query.
type Assignment struct {
	RoleID     string  `json:"role_id"`
	Priority   int     `json:"priority"`
	Confidence float64 `json:"confidence"`
}

// Hint suggests that To consumes the output of From.
type Hint struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// Classification is the classifier's answer for one query.
// Ambiguous is set when no role cleared the threshold and the fallback set was used.
type Classification struct {
	Assignments     []Assignment `json:"assignments"`
	Hints           []Hint       `json:"hints,omitempty"`
	Ambiguous       bool         `json:"ambiguous"`
	Method          string       `json:"method"`
	SnapshotVersion uint64       `json:"snapshot_version"`
}

// RoleIDs returns the assigned role IDs in assignment order.
func (c *Classification) RoleIDs() []string {
	ids := make([]string, len(c.Assignments))
	for i, a := range c.Assignments {
		ids[i] = a.RoleID
	}
	return ids
}

// Clone returns a deep copy.
func (c *Classification) Clone() *Classification {
	cp := *c
	cp.Assignments = append([]Assignment(nil), c.Assignments...)
	cp.Hints = append([]Hint(nil), c.Hints...)
	return &cp
}

// Suggester proposes role IDs when keyword matching is not confident.
type Suggester interface {
	Suggest(ctx context.Context, roles []registry.Role, q query.Query) ([]string, error)
}

// Classifier is safe for concurrent use.
type Classifier struct {
	threshold float64
	suggester Suggester
	cache     *Cache
	logger    *slog.Logger

	mu       sync.Mutex
	patterns map[string]*regexp.Regexp
}

// Option configures a Classifier.
type Option func(*Classifier)

// WithThreshold sets the confidence threshold.
func WithThreshold(t float64) Option {
	return func(c *Classifier) {
		if t > 0 {
			c.threshold = t
		}
	}
}

// WithSuggester enables the reasoning stage.
func WithSuggester(s Suggester) Option {
	return func(c *Classifier) { c.suggester = s }
}

// WithCache enables result caching.
func WithCache(cache *Cache) Option {
	return func(c *Classifier) { c.cache = cache }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Classifier) {
		if l != nil {
			c.logger = l
		}
	}
}

// New creates a classifier.
func New(opts ...Option) *Classifier {
	c := &Classifier{
		threshold: DefaultThreshold,
		logger:    slog.Default(),
		patterns:  make(map[string]*regexp.Regexp),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Classify assigns roles from snap to q. It always returns at least one
// assignment: when nothing is confident the snapshot's fallback roles are used.
// Identical (snapshot version, query) pairs yield identical results.
func (c *Classifier) Classify(ctx context.Context, snap *registry.Snapshot, q query.Query) *Classification {
	key := fmt.Sprintf("%d|%s", snap.Version(), q.Key())
	if c.cache != nil {
		if cached, ok := c.cache.Get(key); ok {
			return cached
		}
	}

	result := c.classify(ctx, snap, q)

	if c.cache != nil {
		c.cache.Set(key, result)
	}
	return result
}

func (c *Classifier) classify(ctx context.Context, snap *registry.Snapshot, q query.Query) *Classification {
	candidates := c.candidates(snap, q)
	text := q.Normalized()

	scores := make(map[string]float64)
	var hints []Hint

	for _, intent := range snap.Intents() {
		conf := confidence(c.matches(text, intent.Keywords))
		if conf < c.threshold {
			continue
		}
		for _, id := range intent.Roles {
			if candidates[id] {
				scores[id] = math.Max(scores[id], conf)
			}
		}
		for _, h := range intent.Hints {
			hints = append(hints, Hint{From: h[0], To: h[1]})
		}
	}

	for _, role := range snap.ListRoles() {
		if !candidates[role.ID] {
			continue
		}
		if conf := confidence(c.matches(text, role.Keywords)); conf >= c.threshold {
			scores[role.ID] = math.Max(scores[role.ID], conf)
		}
	}

	method := MethodLexical
	if len(scores) == 0 && c.suggester != nil {
		method = MethodReasoning
		c.suggest(ctx, snap, q, candidates, scores)
	}

	ambiguous := false
	if len(scores) == 0 {
		method = MethodFallback
		ambiguous = true
		for _, id := range snap.FallbackRoles() {
			scores[id] = 0
		}
		c.logger.Debug("classification below threshold, using fallback roles",
			"threshold", c.threshold, "roles", snap.FallbackRoles())
	}

	return &Classification{
		Assignments:     rank(snap, scores),
		Hints:           filterHints(hints, scores),
		Ambiguous:       ambiguous,
		Method:          method,
		SnapshotVersion: snap.Version(),
	}
}

// candidates restricts roles to those allowed in the query's product phase.
// An unknown or empty phase allows every role.
func (c *Classifier) candidates(snap *registry.Snapshot, q query.Query) map[string]bool {
	out := make(map[string]bool)
	if q.Stage != "" {
		if allowed, ok := snap.AllowedRoles(q.Stage); ok {
			for _, id := range allowed {
				out[id] = true
			}
			return out
		}
		c.logger.Debug("ignoring unknown product phase", "stage", q.Stage)
	}
	for _, r := range snap.ListRoles() {
		out[r.ID] = true
	}
	return out
}

func (c *Classifier) suggest(ctx context.Context, snap *registry.Snapshot, q query.Query, candidates map[string]bool, scores map[string]float64) {
	var roles []registry.Role
	for _, r := range snap.ListRoles() {
		if candidates[r.ID] {
			roles = append(roles, r)
		}
	}

	ids, err := c.suggester.Suggest(ctx, roles, q)
	if err != nil {
		c.logger.Warn("role suggestion failed", "err", err)
		return
	}
	for _, id := range ids {
		if candidates[id] {
			scores[id] = c.threshold
		} else {
			c.logger.Debug("dropping suggested role", "role", id)
		}
	}
}

// matches counts keywords occurring in text as whole words or phrases.
func (c *Classifier) matches(text string, keywords []string) int {
	n := 0
	for _, kw := range keywords {
		if c.pattern(kw).MatchString(text) {
			n++
		}
	}
	return n
}

func (c *Classifier) pattern(keyword string) *regexp.Regexp {
	c.mu.Lock()
	defer c.mu.Unlock()
	if re, ok := c.patterns[keyword]; ok {
		return re
	}
	re := regexp.MustCompile(`(?i)\b` + regexp.QuoteMeta(keyword) + `\b`)
	c.patterns[keyword] = re
	return re
}

// confidence is 1 - 0.5^matches: one match gives 0.5, two give 0.75.
func confidence(matches int) float64 {
	if matches <= 0 {
		return 0
	}
	return 1 - math.Pow(0.5, float64(matches))
}

// rank orders assignments by priority, then lifecycle stage, then ID.
func rank(snap *registry.Snapshot, scores map[string]float64) []Assignment {
	out := make([]Assignment, 0, len(scores))
	stage := make(map[string]int, len(scores))
	for id, conf := range scores {
		out = append(out, Assignment{RoleID: id, Priority: int(math.Round(conf * 100)), Confidence: conf})
		if role, err := snap.GetRole(id); err == nil {
			stage[id] = snap.StageRank(role.Stage)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if stage[a.RoleID] != stage[b.RoleID] {
			return stage[a.RoleID] < stage[b.RoleID]
		}
		return a.RoleID < b.RoleID
	})
	return out
}

// filterHints keeps hints whose endpoints are both assigned, deduplicated and sorted.
func filterHints(hints []Hint, assigned map[string]float64) []Hint {
	seen := make(map[Hint]bool)
	var out []Hint
	for _, h := range hints {
		_, from := assigned[h.From]
		_, to := assigned[h.To]
		if !from || !to || seen[h] {
			continue
		}
		seen[h] = true
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].From != out[j].From {
			return out[i].From < out[j].From
		}
		return out[i].To < out[j].To
	})
	return out
}
