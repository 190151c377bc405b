package main

import "github.com/Davincible/claude-gateway/cmd"

func main() {
	cmd.Execute()
}
