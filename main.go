package main

import "github.com/debatedragon/debatedragon/cmd"

func main() {
	cmd.Execute()
}
