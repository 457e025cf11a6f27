package main

import (
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/shardie-github/Settler-API-sub003/cmd"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	if err := cmd.Execute(); err != nil {
		log.Fatal().Err(err).Msg("Failed to execute command")
	}
}
