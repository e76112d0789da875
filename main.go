package main

import "github.com/bnema/mxtester/cmd"

func main() {
	cmd.Execute()
}
