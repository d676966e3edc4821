package cli

import (
	"context"
	"flag"
	"fmt"
	"meqserver/internal/global"
	"meqserver/internal/logctx"
	"meqserver/internal/meqserver"
	"os"

	"golang.org/x/term"
)

func ServeMode(ctx context.Context, cliOpts *global.CommandSet, commandname string, args []string) {
	var configPath string
	var console bool
	var scriptPath string
	commandFlags := flag.NewFlagSet(commandname, flag.ExitOnError)
	requestedLogLevel := SetGlobalArguments(commandFlags)
	SetCommon(commandFlags, &configPath, global.DefaultConfigPath)
	commandFlags.BoolVar(&console, "console", false, "Read commands from standard input")
	commandFlags.StringVar(&scriptPath, "f", "", "Forest script to load at startup (overrides config)")
	commandFlags.StringVar(&scriptPath, "forest", "", "Forest script to load at startup (overrides config)")

	commandFlags.Usage = func() {
		PrintHelpMenu(commandFlags, commandname, cliOpts)
	}
	commandFlags.Parse(args)
	logctx.SetLogLevel(ctx, *requestedLogLevel)

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
	if scriptPath != "" {
		daemonConfig.ScriptPath = scriptPath
	}
	if console {
		daemonConfig.ConsoleEnabled = true
	}
	if daemonConfig.ConsoleEnabled && !term.IsTerminal(int(os.Stdin.Fd())) {
		logctx.LogEvent(ctx, global.VerbosityProgress, global.InfoLog,
			"console input is not a terminal, daemon stops at end of input\n")
	}

	daemon := meqserver.NewDaemon(daemonConfig)
	err = daemon.Start(ctx)
	if err != nil {
		daemon.Shutdown()
		fmt.Fprintf(os.Stderr, "Error starting daemon: %v\n", err)
		os.Exit(1)
	}

	err = daemon.Run()
	daemon.Shutdown()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
