// Package knowledge provides the in-memory retrieval index agents are grounded on.
package knowledge

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/blevesearch/bleve/v2"
	blevesearch "github.com/blevesearch/bleve/v2/search"

	"github.com/aristath/productteam/internal/query"
	"github.com/aristath/productteam/internal/registry"
)

// Passage is one retrieved snippet.
type Passage struct {
	ID      string  `json:"id"`
	Content string  `json:"content"`
	Source  string  `json:"source"`
	Role    string  `json:"role,omitempty"`
	Score   float64 `json:"score"`
}

type document struct {
	Content string `json:"content"`
	Source  string `json:"source"`
	Role    string `json:"role"`
	Stage   string `json:"stage"`
}

// Index is a full-text index over seeded documents and remembered agent outputs.
// It is safe for concurrent use.
type Index struct {
	idx   bleve.Index
	topK  int
	count atomic.Int64
}

// NewIndex creates an empty in-memory index returning at most topK passages.
func NewIndex(topK int) (*Index, error) {
	if topK <= 0 {
		topK = 3
	}
	idx, err := bleve.NewMemOnly(bleve.NewIndexMapping())
	if err != nil {
		return nil, fmt.Errorf("creating knowledge index: %w", err)
	}
	return &Index{idx: idx, topK: topK}, nil
}

// Add indexes a passage under id. Re-adding an id replaces it.
func (i *Index) Add(id, content, source, role, stage string) error {
	if strings.TrimSpace(content) == "" {
		return nil
	}
	if err := i.idx.Index(id, document{Content: content, Source: source, Role: role, Stage: stage}); err != nil {
		return fmt.Errorf("indexing %s: %w", id, err)
	}
	i.count.Add(1)
	return nil
}

// Remember stores an agent output so later runs can retrieve it.
func (i *Index) Remember(runID string, role registry.Role, field, text string) error {
	id := fmt.Sprintf("run:%s:%s:%s", runID, role.ID, field)
	source := fmt.Sprintf("run %s (%s.%s, %s)", runID, role.ID, field, time.Now().UTC().Format(time.RFC3339))
	return i.Add(id, text, source, role.ID, role.Stage)
}

// LoadDir indexes every .md and .txt file under dir, one passage per paragraph.
// It returns the number of passages added.
func (i *Index) LoadDir(dir string) (int, error) {
	added := 0
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		ext := strings.ToLower(filepath.Ext(path))
		if ext != ".md" && ext != ".txt" {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		rel, _ := filepath.Rel(dir, path)
		for n, para := range strings.Split(string(data), "\n\n") {
			para = strings.TrimSpace(para)
			if len(para) < 20 {
				continue
			}
			if err := i.Add(fmt.Sprintf("seed:%s#%d", rel, n), para, rel, "", ""); err != nil {
				return err
			}
			added++
		}
		return nil
	})
	if err != nil {
		return added, fmt.Errorf("loading knowledge from %s: %w", dir, err)
	}
	return added, nil
}

// Retrieve returns the passages most relevant to the query, preferring those
// produced in the role's lifecycle stage.
func (i *Index) Retrieve(ctx context.Context, q query.Query, role registry.Role) ([]Passage, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	match := bleve.NewMatchQuery(q.Text)
	match.SetField("content")

	req := bleve.NewSearchRequestOptions(match, i.topK*2, 0, false)
	req.Fields = []string{"content", "source", "role", "stage"}

	res, err := i.idx.SearchInContext(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("searching knowledge index: %w", err)
	}

	out := make([]Passage, 0, len(res.Hits))
	stages := make(map[string]string, len(res.Hits))
	for _, hit := range res.Hits {
		out = append(out, toPassage(hit))
		if v, ok := hit.Fields["stage"].(string); ok {
			stages[hit.ID] = v
		}
	}
	if role.Stage != "" {
		sort.SliceStable(out, func(a, b int) bool {
			return stages[out[a].ID] == role.Stage && stages[out[b].ID] != role.Stage
		})
	}
	if len(out) > i.topK {
		out = out[:i.topK]
	}
	return out, nil
}

func toPassage(hit *blevesearch.DocumentMatch) Passage {
	p := Passage{ID: hit.ID, Score: hit.Score}
	if v, ok := hit.Fields["content"].(string); ok {
		p.Content = v
	}
	if v, ok := hit.Fields["source"].(string); ok {
		p.Source = v
	}
	if v, ok := hit.Fields["role"].(string); ok {
		p.Role = v
	}
	return p
}

// Len is the number of passages indexed since creation.
func (i *Index) Len() int { return int(i.count.Load()) }

// Close releases the index.
func (i *Index) Close() error { return i.idx.Close() }
