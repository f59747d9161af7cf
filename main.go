package main

import (
	"os"

	"github.com/tabwire/bridge/cmd"
)

func main() {
	cmd.Execute()
	os.Exit(0)
}
