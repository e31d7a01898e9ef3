package main

import "memscan/cmd/memscan/cmd"

func main() {
	cmd.Execute()
}
