package main

import (
	"os"

	"github.com/lgulliver/storepush/cmd/storepush/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
