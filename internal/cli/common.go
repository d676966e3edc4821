package cli

import (
	"flag"
	"meqserver/internal/global"
	"os"

	"golang.org/x/term"
)

func SetGlobalArguments(fs *flag.FlagSet) (requestedLogLevel *int) {
	requestedLogLevel = new(int)
	fs.IntVar(requestedLogLevel, "v", global.VerbosityStandard, "Increase detailed progress messages (Higher is more verbose) <0...5>")
	fs.IntVar(requestedLogLevel, "verbosity", global.VerbosityStandard, "Increase detailed progress messages (Higher is more verbose) <0...5>")
	return
}

func SetCommon(fs *flag.FlagSet, configPath *string, defaultPath string) {
	fs.StringVar(configPath, "c", defaultPath, "Path to the configuration file")
	fs.StringVar(configPath, "config", defaultPath, "Path to the configuration file")
}

// Stdout attached to a terminal (tables get box drawing and width limits)
func interactive() (yes bool, width int) {
	fd := int(os.Stdout.Fd())
	if !term.IsTerminal(fd) {
		return
	}
	yes = true
	width, _, err := term.GetSize(fd)
	if err != nil {
		width = 0
	}
	return
}
