package main

import (
	"github.com/metal-toolbox/bootsmith/cmd"
)

func main() {
	cmd.Execute()
}
