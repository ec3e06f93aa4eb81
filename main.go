package main

import "github.com/nextlevelbuilder/hearth/cmd"

func main() {
	cmd.Execute()
}
