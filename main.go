package main

import (
	"log"

	"github.com/nmi/l1tf/flag"
)

func main() {
	log.SetFlags(0)
	log.SetPrefix("l1tf: ")

	if err := flag.Parse(); err != nil {
		log.Fatal(err)
	}
}
