package main

import "github.com/nhle/mailsync/cmd/mailsyncd/commands"

func main() {
	commands.Execute()
}
