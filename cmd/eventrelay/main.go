package main

import "github.com/drblury/eventrelay/internal/cmd"

func main() {
	cmd.Execute()
}
