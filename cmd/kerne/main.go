package main

import "kerne-operator/internal/cli"

func main() {
	cli.Execute()
}
