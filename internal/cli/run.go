package cli

import (
	"context"
	"flag"
	"fmt"
	"io"
	"meqserver/internal/forest"
	"meqserver/internal/global"
	"meqserver/internal/logctx"
	"meqserver/internal/meqserver"
	"meqserver/internal/record"
	"meqserver/internal/vis"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"
)

// One-shot stream processing without the dispatcher
func RunMode(ctx context.Context, cliOpts *global.CommandSet, commandname string, args []string) {
	var configPath string
	var scriptPath string
	var streamCfg meqserver.StreamConfig
	commandFlags := flag.NewFlagSet(commandname, flag.ExitOnError)
	requestedLogLevel := SetGlobalArguments(commandFlags)
	SetCommon(commandFlags, &configPath, "")
	commandFlags.StringVar(&scriptPath, "f", "", "Forest script defining the node tree")
	commandFlags.StringVar(&scriptPath, "forest", "", "Forest script defining the node tree")
	commandFlags.StringVar(&streamCfg.InputPath, "i", "", "Tile stream file to read (.jsonl or .jsonl.zst)")
	commandFlags.StringVar(&streamCfg.InputPath, "input", "", "Tile stream file to read (.jsonl or .jsonl.zst)")
	commandFlags.StringVar(&streamCfg.OutputPath, "o", "", "File receiving updated tiles")
	commandFlags.StringVar(&streamCfg.OutputPath, "output", "", "File receiving updated tiles")
	commandFlags.StringVar(&streamCfg.BeatsAddress, "beats", "", "Lumberjack endpoint receiving updated tiles (host:port)")

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

	forestCfg := forest.Config{AsyncWorkers: global.DefaultAsyncWorkers}
	if configPath != "" {
		jsonCfg, err := meqserver.LoadConfig(configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		daemonConfig, err := jsonCfg.NewDaemonConf()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		forestCfg = forest.Config{
			MaxNodes:     daemonConfig.MaxNodes,
			AsyncWorkers: daemonConfig.AsyncWorkers,
			CachePolicy:  daemonConfig.CachePolicy,
		}
		if scriptPath == "" {
			scriptPath = daemonConfig.ScriptPath
		}
		streamCfg = mergeStream(daemonConfig.Stream, streamCfg)
	}

	f, err := loadForest(ctx, forestCfg, scriptPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	srv := meqserver.NewServer(ctx, f, streamCfg)
	srv.Start()
	reply := srv.Execute(ctx, "Stream.Run", nil)
	srv.Close()

	if errText, failed := reply["error"]; failed {
		fmt.Fprintf(os.Stderr, "Error: %v\n", errText)
		os.Exit(1)
	}
	result, _ := reply["result"].(record.Record)
	printStreamSummary(os.Stdout, result)
	printNodeProfile(os.Stdout, f)
}

// Flag values win over configured ones
func mergeStream(configured, flags meqserver.StreamConfig) (merged meqserver.StreamConfig) {
	merged = configured
	if flags.InputPath != "" {
		merged.InputPath = flags.InputPath
	}
	if flags.OutputPath != "" {
		merged.OutputPath = flags.OutputPath
	}
	if flags.BeatsAddress != "" {
		merged.BeatsAddress = flags.BeatsAddress
	}
	return
}

func loadForest(ctx context.Context, cfg forest.Config, scriptPath string) (f *forest.Forest, err error) {
	if scriptPath == "" {
		err = fmt.Errorf("no forest script given")
		return
	}
	script, err := os.Open(scriptPath)
	if err != nil {
		err = fmt.Errorf("failed to open forest script: %w", err)
		return
	}
	defer script.Close()

	f = forest.New(ctx, cfg)
	vis.Register(f)
	_, err = f.LoadScript(script)
	if err != nil {
		err = fmt.Errorf("failed to load forest script '%s': %w", scriptPath, err)
	}
	return
}

func newTable(output io.Writer, title string) (tbl table.Writer) {
	tbl = table.NewWriter()
	tbl.SetTitle(title)
	tbl.SetOutputMirror(output)
	if output != os.Stdout {
		return
	}
	if tty, width := interactive(); tty {
		tbl.SetStyle(table.StyleLight)
		if width > 0 {
			tbl.SetAllowedRowLength(width)
		}
	}
	return
}

func printStreamSummary(output io.Writer, result record.Record) {
	tbl := newTable(output, "Stream")
	tbl.AppendHeader(table.Row{"field", "value"})
	tbl.AppendRows([]table.Row{
		{"input", result["input"]},
		{"data events", formatCount(result["data_events"])},
		{"snippets", formatCount(result["snippets"])},
		{"tiles written", formatCount(result["tiles_written"])},
		{"errors", formatCount(result["errors"])},
		{"empty stream", result["empty_stream"]},
		{"elapsed", result["elapsed"]},
	})
	if errText, ok := result["error"]; ok {
		tbl.AppendRow(table.Row{"error", errText})
	}
	tbl.Render()
}

func printNodeProfile(output io.Writer, f *forest.Forest) {
	tbl := newTable(output, "Node Profile")
	tbl.AppendHeader(table.Row{"#", "name", "class", "executes", "cache hits", "fails", "avg", "max"})
	for _, node := range f.Nodes() {
		profile, _ := node.GetState()["profiling"].(record.Record)
		tbl.AppendRow(table.Row{
			node.Index(),
			node.Name(),
			node.ClassName(),
			formatCount(profile["executes"]),
			formatCount(profile["cache_hits"]),
			formatCount(profile["fails"]),
			profile.String("time_avg", "-"),
			profile.String("time_max", "-"),
		})
	}
	tbl.Render()
}

func formatCount(value any) (text string) {
	switch v := value.(type) {
	case uint64:
		text = humanize.Comma(int64(v))
	case int64:
		text = humanize.Comma(v)
	case int:
		text = humanize.Comma(int64(v))
	case time.Duration:
		text = v.String()
	case nil:
		text = "-"
	default:
		text = fmt.Sprint(v)
	}
	return
}
