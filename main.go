package main

import "Strata/cmd"

func main() {
	cmd.Execute()
}
