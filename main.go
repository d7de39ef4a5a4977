package main

import "github.com/tanq16/grabber/cmd"

func main() {
	cmd.Execute()
}
