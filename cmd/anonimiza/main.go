package main

import (
	"os"

	"github.com/dativo-io/anonimiza/internal/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
