package main

import "github.com/lybic/mini-agent/internal/cli"

func main() {
	cli.Execute()
}
