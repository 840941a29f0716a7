//go:build !test

package main

import (
	"log"

	"github.com/vzwjustin/Rustos-sub005/cli"
)

func main() {
	if err := cli.Parse(); err != nil {
		log.Fatal(err)
	}
}
