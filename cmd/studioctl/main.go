package main

import (
	"log"

	"github.com/austindbirch/stagehand/cmd/studioctl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
