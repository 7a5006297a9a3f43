package registry

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/productteam/internal/config"
)

func mustSnapshot(t *testing.T, cfg *config.Config) *Snapshot {
	t.Helper()
	s, err := NewSnapshot(cfg)
	require.NoError(t, err)
	return s
}

func TestSnapshot_ListAndGet(t *testing.T) {
	reg := New(mustSnapshot(t, config.DefaultConfig()))

	roles := reg.ListRoles()
	require.NotEmpty(t, roles)
	for i := 1; i < len(roles); i++ {
		assert.Less(t, roles[i-1].ID, roles[i].ID)
	}

	qa, err := reg.GetRole("qa")
	require.NoError(t, err)
	assert.Equal(t, Exclusive, qa.Concurrency)
	assert.Equal(t, 2, qa.MaxRetries)
	assert.True(t, qa.Produces("validation_report"))

	_, err = reg.GetRole("astrologer")
	assert.ErrorIs(t, err, ErrRoleNotFound)
}

func TestSnapshot_ReturnsCopies(t *testing.T) {
	snap := mustSnapshot(t, config.DefaultConfig())

	role, err := snap.GetRole("design")
	require.NoError(t, err)
	role.Outputs[0] = "mutated"
	role.Sections["features"] = "mutated"

	again, err := snap.GetRole("design")
	require.NoError(t, err)
	assert.Equal(t, "user_flows", again.Outputs[0])
	assert.Equal(t, "user_flows", again.Sections["features"])
}

func TestSnapshot_StageRankAndPhases(t *testing.T) {
	snap := mustSnapshot(t, config.DefaultConfig())

	assert.Less(t, snap.StageRank("ideation"), snap.StageRank("design"))
	assert.Less(t, snap.StageRank("testing"), snap.StageRank("launch"))
	assert.Equal(t, -1, snap.StageRank("retirement"))

	allowed, ok := snap.AllowedRoles("testing")
	require.True(t, ok)
	assert.Contains(t, allowed, "qa")
	_, ok = snap.AllowedRoles("retirement")
	assert.False(t, ok)

	assert.Equal(t, []string{"ideation"}, snap.FallbackRoles())
}

func TestNewSnapshot_Validation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(cfg *config.Config)
	}{
		{"no outputs", func(cfg *config.Config) {
			r := cfg.Roles["qa"]
			r.Outputs = nil
			r.Sections = nil
			cfg.Roles["qa"] = r
		}},
		{"unknown stage", func(cfg *config.Config) {
			r := cfg.Roles["qa"]
			r.Stage = "retirement"
			cfg.Roles["qa"] = r
		}},
		{"section maps to undeclared output", func(cfg *config.Config) {
			r := cfg.Roles["qa"]
			r.Sections = map[string]string{"risks": "nope"}
			cfg.Roles["qa"] = r
		}},
		{"unknown concurrency class", func(cfg *config.Config) {
			r := cfg.Roles["qa"]
			r.Concurrency = "greedy"
			cfg.Roles["qa"] = r
		}},
		{"phase references unknown role", func(cfg *config.Config) {
			cfg.Phases["testing"] = []string{"ghost"}
		}},
		{"intent references unknown role", func(cfg *config.Config) {
			cfg.Intents["x"] = config.IntentConfig{Keywords: []string{"x"}, Roles: []string{"ghost"}}
		}},
		{"unknown fallback role", func(cfg *config.Config) {
			cfg.Classifier.FallbackRoles = []string{"ghost"}
		}},
		{"duplicate lifecycle stage", func(cfg *config.Config) {
			cfg.Lifecycle = append(cfg.Lifecycle, "design")
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.DefaultConfig()
			tt.mutate(cfg)
			_, err := NewSnapshot(cfg)
			assert.Error(t, err)
		})
	}
}

func TestNewSnapshot_DefaultSectionsPerOutput(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Roles["legal"] = config.RoleConfig{Stage: "launch", Provider: "stub", Outputs: []string{"compliance"}}

	snap := mustSnapshot(t, cfg)
	legal, err := snap.GetRole("legal")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"compliance": "compliance"}, legal.Sections)
}

func TestRegistry_ReplaceIsAtomicForPinnedReaders(t *testing.T) {
	reg := New(mustSnapshot(t, config.DefaultConfig()))
	pinned := reg.Snapshot()
	assert.Equal(t, uint64(1), pinned.Version())

	cfg := config.DefaultConfig()
	delete(cfg.Roles, "marketing")
	for phase, ids := range cfg.Phases {
		kept := ids[:0:0]
		for _, id := range ids {
			if id != "marketing" {
				kept = append(kept, id)
			}
		}
		cfg.Phases[phase] = kept
	}
	cfg.Intents["validate-and-launch"] = config.IntentConfig{Keywords: []string{"launch plan"}, Roles: []string{"qa"}}

	v := reg.Replace(mustSnapshot(t, cfg))
	assert.Equal(t, uint64(2), v)

	_, err := reg.GetRole("marketing")
	assert.ErrorIs(t, err, ErrRoleNotFound)

	_, err = pinned.GetRole("marketing")
	assert.NoError(t, err, "pinned snapshot must keep its roles")
}

func TestRegistry_ConcurrentReadsDuringReplace(t *testing.T) {
	reg := New(mustSnapshot(t, config.DefaultConfig()))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				snap := reg.Snapshot()
				assert.Len(t, snap.ListRoles(), len(config.DefaultConfig().Roles))
			}
		}()
	}
	for i := 0; i < 20; i++ {
		reg.Replace(mustSnapshot(t, config.DefaultConfig()))
	}
	wg.Wait()
	assert.Equal(t, uint64(21), reg.Snapshot().Version())
}

func TestReload_KeepsSnapshotOnError(t *testing.T) {
	reg := New(mustSnapshot(t, config.DefaultConfig()))

	_, err := Reload(reg, func() (*config.Config, error) { return nil, errors.New("boom") })
	require.Error(t, err)

	bad := config.DefaultConfig()
	bad.Lifecycle = nil
	_, err = Reload(reg, func() (*config.Config, error) { return bad, nil })
	require.Error(t, err)

	assert.Equal(t, uint64(1), reg.Snapshot().Version())
}

func TestWatcher_ReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{}`), 0o644))

	load := func() (*config.Config, error) { return config.Load("", path) }
	cfg, err := load()
	require.NoError(t, err)
	reg := New(mustSnapshot(t, cfg))

	w, err := NewWatcher(reg, load, []string{path}, nil)
	require.NoError(t, err)
	reloaded := make(chan uint64, 4)
	w.OnReload = func(v uint64, err error) {
		if err == nil {
			reloaded <- v
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	body := `{"roles": {"legal": {"stage": "launch", "provider": "stub", "outputs": ["compliance"]}}}`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	select {
	case <-reloaded:
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not reload")
	}

	require.Eventually(t, func() bool {
		_, err := reg.GetRole("legal")
		return err == nil
	}, 5*time.Second, 10*time.Millisecond)
}
