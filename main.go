package main

import "github.com/arcward/modmail/cmd"

func main() {
	cmd.Execute()
}
