package main

import (
	"fmt"
	"os"

	"github.com/hashicorp/cli"
)

// version is overridden at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	c := cli.NewCLI("box64dbtd", version)
	c.Args = args
	c.Commands = map[string]cli.CommandFactory{
		"get": func() (cli.Command, error) {
			return &GetCommand{}, nil
		},
	}

	exitStatus, err := c.Run()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
	}
	return exitStatus
}
