package main

import "github.com/tame-ai/tame/cmd/tamed/cmd"

func main() {
	cmd.Execute()
}
