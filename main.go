package main

import (
	"os"

	"github.com/meridianrt/meridian/cli"
)

func main() {
	if err := cli.NewCommand().Execute(); err != nil {
		os.Exit(1)
	}
}
