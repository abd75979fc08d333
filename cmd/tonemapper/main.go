package main

import (
	"os"

	"github.com/xupit3r/tonemapper/cmd/tonemapper/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
