package main

import "github.com/rdseq/iontrace/cmd/iontrace/cmd"

func main() {
	cmd.Execute()
}
