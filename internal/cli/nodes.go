package cli

import (
	"context"
	"flag"
	"fmt"
	"io"
	"meqserver/internal/forest"
	"meqserver/internal/global"
	"meqserver/internal/logctx"
	"os"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
)

func NodesMode(ctx context.Context, cliOpts *global.CommandSet, commandname string, args []string) {
	var scriptPath string
	commandFlags := flag.NewFlagSet(commandname, flag.ExitOnError)
	requestedLogLevel := SetGlobalArguments(commandFlags)
	commandFlags.StringVar(&scriptPath, "f", "", "Forest script defining the node tree")
	commandFlags.StringVar(&scriptPath, "forest", "", "Forest script defining the node tree")

	commandFlags.Usage = func() {
		PrintHelpMenu(commandFlags, commandname, cliOpts)
	}
	if len(args) < 1 {
		PrintHelpMenu(commandFlags, commandname, cliOpts)
		os.Exit(1)
	}
	commandFlags.Parse(args)
	logctx.SetLogLevel(ctx, *requestedLogLevel)
	ctx = logctx.AppendCtxTag(ctx, global.NSCLI)

	f, err := loadForest(ctx, forest.Config{}, scriptPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	printNodeList(os.Stdout, f)
}

func printNodeList(output io.Writer, f *forest.Forest) {
	tbl := newTable(output, "Forest")
	tbl.AppendHeader(table.Row{"#", "name", "class", "children", "initialized", "cache policy"})
	for _, node := range f.Nodes() {
		state := node.GetState()
		tbl.AppendRow(table.Row{
			node.Index(),
			node.Name(),
			node.ClassName(),
			strings.Join(node.ChildNames(), ", "),
			node.Initialized(),
			state.String("cache_policy", ""),
		})
	}
	tbl.AppendFooter(table.Row{"", "", "", "", "nodes", f.Len()})
	tbl.Render()
}
