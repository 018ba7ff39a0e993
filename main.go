package main

import "github.com/agentfoundry/proactor/cmd"

func main() {
	cmd.Execute()
}
