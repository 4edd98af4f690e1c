package main

import "pidscope/cmd"

func main() {
	cmd.Execute()
}
