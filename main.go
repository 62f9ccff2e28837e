package main

import (
	"fmt"
	"os"

	cmd "github.com/pdfqa/pdfqa/cmd/pdfqa"
)

var version = "dev"

func main() {
	cmd.SetVersion(version)
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
