package main

import "github.com/sessync/ses-local/cmd"

func main() {
	cmd.Execute()
}
