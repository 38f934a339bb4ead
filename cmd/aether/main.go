package main

import (
	"os"

	"github.com/tinyrange/aether/cmd/aether/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
