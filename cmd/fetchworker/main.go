package main

import "github.com/JakeFAU/fetch-engine/cmd"

func main() {
	cmd.Execute()
}
