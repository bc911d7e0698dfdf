package main

import "dropwatch/internal/cli"

func main() {
	cli.Execute()
}
