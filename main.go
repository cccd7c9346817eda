package main

import (
	"os"

	"github.com/vesselworks/plexus/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
