package main

import "github.com/nextlevelbuilder/taskclaw/cmd"

func main() {
	cmd.Execute()
}
