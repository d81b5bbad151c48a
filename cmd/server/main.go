package main

import (
	"os"

	"github.com/rs/zerolog/log"
)

// @title Roadside Dispatch API
// @version 1.0
// @description Dispatch and SLA engine for roadside assistance bookings.
// @BasePath /
func main() {
	if err := Execute(); err != nil {
		log.Error().Err(err).Msg("command failed")
		os.Exit(1)
	}
}
