package main

import (
	"os"

	"github.com/LeonardoBeccarini/sdcc_watering/internal/services/scheduler"
)

func main() {
	if err := scheduler.NewRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}
