package main

import (
	"os"

	"github.com/kerndbg/kerndbg/cmd/dwdump/cmds"
)

func main() {
	if err := cmds.New().Execute(); err != nil {
		os.Exit(1)
	}
}
