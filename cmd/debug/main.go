package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/automerge/automerge-go"
	"github.com/spf13/pflag"

	"github.com/astromechza/listsync/pkg/viz"
)

func main() {
	if err := mainInner(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func mainInner() error {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{})))

	svgVar := pflag.String("svg", "", "also render the history to this svg file")
	pflag.Parse()
	if pflag.NArg() != 1 {
		return fmt.Errorf("expected one position argument: the file to read")
	}
	buff, err := os.ReadFile(pflag.Arg(0))
	if err != nil {
		return fmt.Errorf("failed to read input file: %w", err)
	}
	doc, err := automerge.Load(buff)
	if err != nil {
		return fmt.Errorf("failed to load doc: %w", err)
	}
	buff = nil
	slog.Info("loaded doc", "contents", doc.RootMap().GoString())
	slog.Info("loaded heads", "heads", doc.Heads())

	nodes, err := viz.History(doc)
	if err != nil {
		return err
	}
	slog.Info("changes:")
	for i, node := range nodes {
		slog.Info("change", "i", fmt.Sprintf("%4d", i), "hash", node.Hash, "actor", node.Actor, "lists", node.Lists, "dep", node.Deps)
	}

	fmt.Println(`digraph "log" {`)
	for _, node := range nodes {
		fmt.Printf("    \"%s\" [label=\"%s\"]\n", node.Hash, node.Label())
		for _, dep := range node.Deps {
			fmt.Printf("    \"%s\" -> \"%s\"\n", dep, node.Hash)
		}
	}
	fmt.Println("}")

	if *svgVar != "" {
		if err := viz.RenderDocToSvg(doc, *svgVar); err != nil {
			return err
		}
		slog.Info("rendered", "path", "file://"+*svgVar)
	}
	return nil
}
