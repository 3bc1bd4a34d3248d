package main

import "github.com/replyline/replyline/cmd"

func main() {
	cmd.Execute()
}
