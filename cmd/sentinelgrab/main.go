package main

import (
	"os"

	"github.com/psantana5/sentinel-grab/cmd/sentinelgrab/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
