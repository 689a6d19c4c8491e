package main

import (
	"fmt"
	"os"

	"github.com/ent0n29/foreman/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "foreman: %v\n", err)
		os.Exit(1)
	}
}
