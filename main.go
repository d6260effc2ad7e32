package main

import "github.com/trobanga/gradeflow/cmd"

func main() {
	cmd.Execute()
}
