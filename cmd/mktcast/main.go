package main

import "mktcast/internal/cli"

func main() {
	cli.Execute()
}
