package main

import "github.com/felixgeelhaar/testvault/cmd/testvault/cli"

func main() {
	cli.Execute()
}
