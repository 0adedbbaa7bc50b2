package main

import (
	"os"

	"github.com/clickstart/clickstart/installer/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
