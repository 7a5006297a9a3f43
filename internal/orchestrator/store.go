package orchestrator

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aristath/productteam/internal/agent"
)

// ErrAlreadyWritten is returned when a node's result is stored twice.
var ErrAlreadyWritten = errors.New("result already written")

// ResultStore is the append-only result store of one run. Each node's slot
// is written at most once.
type ResultStore struct {
	m     sync.Map // node ID -> *agent.Result
	count atomic.Int64
}

// Put stores res under its node ID.
func (s *ResultStore) Put(res *agent.Result) error {
	if _, loaded := s.m.LoadOrStore(res.NodeID, res); loaded {
		return ErrAlreadyWritten
	}
	s.count.Add(1)
	return nil
}

// Get returns the result of a node.
func (s *ResultStore) Get(nodeID string) (*agent.Result, bool) {
	v, ok := s.m.Load(nodeID)
	if !ok {
		return nil, false
	}
	return v.(*agent.Result), true
}

// All returns every stored result keyed by node ID.
func (s *ResultStore) All() map[string]*agent.Result {
	out := make(map[string]*agent.Result)
	s.m.Range(func(k, v any) bool {
		out[k.(string)] = v.(*agent.Result)
		return true
	})
	return out
}

// Len is the number of stored results.
func (s *ResultStore) Len() int { return int(s.count.Load()) }

// Attempt is one reasoning exchange of a node, successful or not.
type Attempt struct {
	NodeID  string
	RoleID  string
	Attempt int
	Prompt  string
	Output  string
	Err     string // Empty when the attempt succeeded
	At      time.Time
}

// Transcript collects every exchange of a run in completion order.
type Transcript struct {
	mu      sync.Mutex
	entries []Attempt
}

func (t *Transcript) Append(a Attempt) {
	t.mu.Lock()
	t.entries = append(t.entries, a)
	t.mu.Unlock()
}

// Entries returns a copy of the recorded attempts.
func (t *Transcript) Entries() []Attempt {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Attempt(nil), t.entries...)
}
