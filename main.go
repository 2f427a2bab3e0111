package main

import "github.com/nextlevelbuilder/termclaw/cmd"

func main() {
	cmd.Execute()
}
