package main

import "github.com/naka-gawa/github-interactions/cmd"

func main() {
	cmd.Execute()
}
