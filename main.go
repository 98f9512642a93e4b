package main

import "github.com/zjrosen/skillforge/cmd"

func main() {
	cmd.Execute()
}
