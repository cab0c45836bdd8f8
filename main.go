package main

import "github.com/gantryproj/gantry/cmd"

func main() {
	cmd.Execute()
}
