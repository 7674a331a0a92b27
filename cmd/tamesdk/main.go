package main

import "github.com/tame-ai/tame/cmd/tamesdk/cmd"

func main() {
	cmd.Execute()
}
