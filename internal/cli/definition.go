package cli

import "meqserver/internal/global"

func DefineOptions() (cmdOpts *global.CommandSet) {
	// Root level
	root := &global.CommandSet{
		Description:     "MeqServer",
		FullDescription: "  Evaluates measurement-equation node trees against streamed visibility tiles",
		CommandName:     RootCLICommand,
		ChildCommands:   make(map[string]*global.CommandSet),
	}

	// Daemon
	root.ChildCommands["serve"] = &global.CommandSet{
		CommandName:     "serve",
		Description:     "Run Command Server",
		FullDescription: "Starts the dispatcher and command server; commands arrive on the console or from attached work processes",
		ChildCommands:   nil,
	}

	// One-shot stream
	root.ChildCommands["run"] = &global.CommandSet{
		CommandName:     "run",
		Description:     "Process One Stream",
		FullDescription: "Loads a forest script, pushes one tile stream through it and prints a summary",
		ChildCommands:   nil,
	}

	// Forest inspection
	root.ChildCommands["nodes"] = &global.CommandSet{
		CommandName:     "nodes",
		Description:     "List Forest Nodes",
		FullDescription: "Loads a forest script and prints its node table",
		ChildCommands:   nil,
	}

	// Version Info
	root.ChildCommands["version"] = &global.CommandSet{
		CommandName:     "version",
		Description:     "Show Version Information",
		FullDescription: "Display meta information about program",
	}

	cmdOpts = root
	return
}
