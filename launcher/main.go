package main

import (
	"os"

	"github.com/clickstart/clickstart/launcher/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
