package main

import "commodity-ratewatch/internal/cli"

func main() {
	cli.Execute()
}
