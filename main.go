package main

import "github.com/chapohq/chapo/cmd"

func main() {
	cmd.Execute()
}
