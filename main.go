package main

import "github.com/kvrouted/kvrouted/cmd"

func main() {
	cmd.Execute()
}
