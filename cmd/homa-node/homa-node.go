package main

import (
	"github.com/homanet/homa/cmd/homa-node/commands"
)

func main() {
	commands.Execute()
}
