package main

import "github.com/kozaktomas/smart-attendance/cmd"

func main() {
	cmd.Execute()
}
