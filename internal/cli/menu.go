package cli

import (
	"flag"
	"fmt"
	"io"
	"meqserver/internal/global"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
)

const (
	RootCLICommand  string = "root"
	helpMenuTrailer string = `
Commands typed on the serve console take the form:
  <Command.Name> [json arguments]
`
)

// Full standardized help menu (wraps option printer as well)
func PrintHelpMenu(fs *flag.FlagSet, command string, rootCmd *global.CommandSet) {
	err := writeHelpMenu(os.Stdout, filepath.Base(os.Args[0]), fs, command, rootCmd)
	if err != nil {
		fmt.Println(err)
	}
}

func writeHelpMenu(output io.Writer, program string, fs *flag.FlagSet, command string, rootCmd *global.CommandSet) (err error) {
	if command == "" {
		command = RootCLICommand
	}
	path := findCommand(rootCmd, command)
	if path == nil {
		err = fmt.Errorf("unknown command: %s", command)
		return
	}
	cur := path[len(path)-1]

	fmt.Fprintf(output, "Usage: %s\n\n", usageLine(program, path))

	if cur == rootCmd {
		fmt.Fprintln(output, cur.Description)
		fmt.Fprintln(output, cur.FullDescription)
		fmt.Fprintln(output)
	} else if cur.FullDescription != "" {
		fmt.Fprintf(output, "  Description:\n    %s\n\n", cur.FullDescription)
	}

	if len(cur.ChildCommands) > 0 {
		fmt.Fprintln(output, "  Subcommands:")
		tbl := menuTable(output, 4)
		for _, name := range sortedKeys(cur.ChildCommands) {
			tbl.AppendRow(table.Row{name, "- " + cur.ChildCommands[name].Description})
		}
		tbl.Render()
		fmt.Fprintln(output)
	}

	writeFlagOptions(output, fs)

	if cur == rootCmd {
		fmt.Fprint(output, helpMenuTrailer)
	}
	return
}

// Depth-first search from root; returns the chain of commands ending at name
func findCommand(cmd *global.CommandSet, name string) (path []*global.CommandSet) {
	if cmd == nil {
		return
	}
	if cmd.CommandName == name {
		path = []*global.CommandSet{cmd}
		return
	}
	for _, child := range sortedKeys(cmd.ChildCommands) {
		sub := findCommand(cmd.ChildCommands[child], name)
		if sub != nil {
			path = append([]*global.CommandSet{cmd}, sub...)
			return
		}
	}
	return
}

func usageLine(program string, path []*global.CommandSet) string {
	parts := []string{program}
	for _, cmd := range path {
		if cmd.CommandName == RootCLICommand {
			continue
		}
		parts = append(parts, cmd.CommandName)
	}
	cur := path[len(path)-1]
	switch len(cur.ChildCommands) {
	case 0:
	case 1:
		parts = append(parts, sortedKeys(cur.ChildCommands)...)
	default:
		parts = append(parts, "[subcommand]")
	}
	if cur.UsageOption != "" {
		parts = append(parts, cur.UsageOption)
	}
	return strings.Join(parts, " ")
}

type flagOption struct {
	short   []string
	long    []string
	usage   string
	defText string
}

func (opt *flagOption) names() string {
	names := append(append([]string{}, opt.short...), opt.long...)
	return strings.Join(names, ", ")
}

// Flags sharing usage text are aliases and print as one line, short names first
func collectFlagOptions(fs *flag.FlagSet) (opts []*flagOption) {
	byUsage := make(map[string]*flagOption)
	fs.VisitAll(func(arg *flag.Flag) {
		opt, ok := byUsage[arg.Usage]
		if !ok {
			opt = &flagOption{usage: arg.Usage}
			switch arg.DefValue {
			case "", "false", "0":
			default:
				opt.defText = fmt.Sprintf(" [default: %s]", arg.DefValue)
			}
			byUsage[arg.Usage] = opt
			opts = append(opts, opt)
		}
		if len(arg.Name) == 1 {
			opt.short = append(opt.short, "-"+arg.Name)
		} else {
			opt.long = append(opt.long, "--"+arg.Name)
		}
	})
	sort.SliceStable(opts, func(a, b int) bool {
		return strings.ToLower(opts[a].names()) < strings.ToLower(opts[b].names())
	})
	return
}

func writeFlagOptions(output io.Writer, fs *flag.FlagSet) {
	fmt.Fprintln(output, "  Options:")
	if fs == nil {
		return
	}
	tbl := menuTable(output, 2)
	for _, opt := range collectFlagOptions(fs) {
		left := opt.names()
		// Long-only options line up under the long half of short/long pairs
		if len(opt.short) == 0 {
			left = "    " + left
		}
		tbl.AppendRow(table.Row{left, opt.usage + opt.defText})
	}
	tbl.Render()
}

// Borderless two-column table with a fixed left indent
func menuTable(output io.Writer, indent int) (tbl table.Writer) {
	tbl = table.NewWriter()
	tbl.SetOutputMirror(output)
	style := table.StyleDefault
	style.Options = table.OptionsNoBordersAndSeparators
	style.Box.PaddingLeft = ""
	style.Box.PaddingRight = "  "
	tbl.SetStyle(style)
	tbl.SetColumnConfigs([]table.ColumnConfig{
		{Number: 1, Transformer: func(val interface{}) string {
			return strings.Repeat(" ", indent) + fmt.Sprint(val)
		}},
	})
	return
}

func sortedKeys(cmds map[string]*global.CommandSet) (names []string) {
	for name := range cmds {
		names = append(names, name)
	}
	sort.Strings(names)
	return
}
