package viz

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/automerge/automerge-go"
	"github.com/go-playground/assert/v2"
)

func buildDoc(t *testing.T) *automerge.Doc {
	t.Helper()
	doc := automerge.New()
	steps := []func() error{
		func() error { return doc.Path("lists", "a").Set(map[string]any{"title": "A"}) },
		func() error { return doc.Path("lists", "b").Set(map[string]any{"title": "B"}) },
		func() error { return doc.Path("lists", "a").Delete() },
	}
	for i, step := range steps {
		if err := step(); err != nil {
			t.Fatalf("step %d failed: %v", i, err)
		}
		if _, err := doc.Commit("step"); err != nil {
			t.Fatalf("failed to commit: %v", err)
		}
	}
	return doc
}

func TestHistoryCountsLists(t *testing.T) {
	nodes, err := History(buildDoc(t))
	assert.Equal(t, err, nil)
	assert.Equal(t, len(nodes), 3)
	assert.Equal(t, []int{nodes[0].Lists, nodes[1].Lists, nodes[2].Lists}, []int{1, 2, 1})
	assert.Equal(t, len(nodes[0].Deps), 0)
	assert.Equal(t, nodes[1].Deps, []string{nodes[0].Hash})
	assert.Equal(t, nodes[1].Seq, uint64(2))
	assert.Equal(t, strings.HasSuffix(nodes[2].Label(), " 1 lists"), true)
}

func TestRenderDocToSvg(t *testing.T) {
	out := filepath.Join(t.TempDir(), "history.svg")
	assert.Equal(t, RenderDocToSvg(buildDoc(t), out), nil)
	raw, err := os.ReadFile(out)
	assert.Equal(t, err, nil)
	assert.Equal(t, strings.Contains(string(raw), "<svg"), true)
}
