package main

import "github.com/mcp-router/mcp-router/cmd/mcp-router/cmd"

func main() {
	cmd.Execute()
}
