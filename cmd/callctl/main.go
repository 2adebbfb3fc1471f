package main

import (
	"os"

	"github.com/mossy-p/moodlink-signaling/cmd/callctl/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
