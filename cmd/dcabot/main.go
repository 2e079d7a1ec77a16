package main

import "dcabot/internal/cli"

func main() {
	cli.Execute()
}
