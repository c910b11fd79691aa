package main

import "github.com/joomun/DISCORD-BOT/cmd"

func main() {
	cmd.Execute()
}
