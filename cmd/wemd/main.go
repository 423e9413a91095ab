package main

import (
	"os"

	"github.com/we-ensemble/cmd/wemd/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
