package main

import "shadowtun/internal/cli"

func main() {
	cli.Execute()
}
