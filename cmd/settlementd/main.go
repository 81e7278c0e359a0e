package main

import (
	"log"

	"affilnet/services/settlementd"
)

func main() {
	if err := settlementd.Main(); err != nil {
		log.Fatalf("settlementd: %v", err)
	}
}
