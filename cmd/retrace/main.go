package main

import (
	"os"

	"github.com/moolen/retrace/cmd/retrace/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
