package main

import "github.com/dpcsec/sentinelx/cmd/cli"

func main() {
	cli.Main()
}
