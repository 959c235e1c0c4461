// The main package for the veilcrawl executable.
package main

import (
	_ "go.uber.org/automaxprocs"

	"github.com/veilcrawl/veilcrawl/cmd"
)

func main() {
	cmd.Execute()
}
