package main

import "github.com/aiox-platform/agentmem/internal/cli"

func main() {
	cli.Execute()
}
