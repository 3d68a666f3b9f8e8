package main

import "github.com/Zethrus/starboarder/cmd"

func main() {
	cmd.Execute()
}
