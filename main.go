package main

import "qi-agent/core/cmd"

func main() {
	cmd.Execute()
}
