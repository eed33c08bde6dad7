package main

import "github.com/juanfont/masquerade/cli"

func main() {
	cli.Execute()
}
