package viz

import (
	"bytes"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/automerge/automerge-go"
	"github.com/goccy/go-graphviz"
	"github.com/goccy/go-graphviz/cgraph"
)

// Node is one change in the history of a list document.
type Node struct {
	Hash  string
	Actor string
	Seq   uint64
	Lists int
	Deps  []string
}

func (n Node) Label() string {
	return fmt.Sprintf("%s %s@%d %d lists", n.Hash[:8], n.Actor, n.Seq, n.Lists)
}

// History walks every change of the document and records how many lists existed once it was applied.
func History(doc *automerge.Doc) ([]Node, error) {
	changes, err := doc.Changes()
	if err != nil {
		return nil, fmt.Errorf("failed to generate changes: %w", err)
	}
	out := make([]Node, 0, len(changes))
	for _, change := range changes {
		docAt, err := doc.Fork(change.Hash())
		if err != nil {
			return nil, fmt.Errorf("failed to checkout %s: %w", change.Hash(), err)
		}
		n := Node{
			Hash:  change.Hash().String(),
			Actor: change.ActorID(),
			Seq:   change.ActorSeq(),
			Lists: countLists(docAt),
		}
		for _, hash := range change.Dependencies() {
			n.Deps = append(n.Deps, hash.String())
		}
		out = append(out, n)
	}
	return out, nil
}

func countLists(doc *automerge.Doc) int {
	value, err := doc.Path("lists").Get()
	if err != nil {
		return 0
	}
	if m, ok := value.Interface().(map[string]any); ok {
		return len(m)
	}
	return 0
}

func RenderDocToSvg(doc *automerge.Doc, outputPath string) error {
	nodes, err := History(doc)
	if err != nil {
		return err
	}

	g := graphviz.New()
	defer g.Close()
	graph, err := g.Graph()
	if err != nil {
		return fmt.Errorf("failed to setup graph: %w", err)
	}
	defer graph.Close()

	nodeMap := make(map[string]*cgraph.Node)
	edgeCounter := 0
	for _, node := range nodes {
		n, err := graph.CreateNode(node.Hash)
		if err != nil {
			return fmt.Errorf("failed to create node: %w", err)
		}
		n.SetLabel(node.Label())
		nodeMap[node.Hash] = n

		for _, dep := range node.Deps {
			parent, ok := nodeMap[dep]
			if !ok {
				continue
			}
			edgeCounter++
			if _, err := graph.CreateEdge(strconv.Itoa(edgeCounter), parent, n); err != nil {
				return fmt.Errorf("failed to create edge: %w", err)
			}
		}
	}

	var buff bytes.Buffer
	if err := g.Render(graph, graphviz.SVG, &buff); err != nil {
		return fmt.Errorf("failed to render: %w", err)
	}
	if err := os.WriteFile(outputPath, buff.Bytes(), 0o644); err != nil {
		return fmt.Errorf("failed to write: %w", err)
	}
	return nil
}

func RenderToTemp(doc *automerge.Doc) (string, error) {
	tf := filepath.Join(os.TempDir(), fmt.Sprintf("%d%d.svg", time.Now().UnixNano(), rand.Int()))
	if err := RenderDocToSvg(doc, tf); err != nil {
		return "", err
	}
	return tf, nil
}
