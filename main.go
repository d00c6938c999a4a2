package main

import (
	"log"

	"github.com/hlandau/kvmtest/flag"
)

func main() {
	if err := flag.Parse(); err != nil {
		log.Fatal(err)
	}
}
