package main

import (
	"os"

	"github.com/soundprediction/textheads/cmd/textheads"
)

func main() {
	if err := textheads.Execute(); err != nil {
		os.Exit(1)
	}
}
