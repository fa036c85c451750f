package main

import (
	"github.com/joho/godotenv"

	"metrics-pipeline/internal/cli"
)

func main() {
	// Feed API keys come from the environment; a local .env keeps them
	// out of config files. Missing .env is not an error.
	_ = godotenv.Load()

	cli.Execute()
}
