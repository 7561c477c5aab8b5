package main

import "github.com/dagucloud/exprunner/cmd"

func main() {
	cmd.Main()
}
