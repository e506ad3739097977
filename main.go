package main

import "github.com/tdt-pipeline/tdt/cmd"

func main() {
	cmd.Execute()
}
