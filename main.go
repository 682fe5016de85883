package main

import (
	"log"

	"github.com/tmarchal/medispense/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		log.Fatalf("medispense: %v", err)
	}
}
