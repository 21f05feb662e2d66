package main

import "salonchat/cmd/chatclient/cmd"

func main() {
	cmd.Execute()
}
