package main

import "github.com/csharpref/provider/cmd"

func main() {
	cmd.Execute()
}
