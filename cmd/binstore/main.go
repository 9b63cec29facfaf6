package main

import "github.com/aweris/binstore/cmd/binstore/cmd"

func main() {
	cmd.Execute()
}
