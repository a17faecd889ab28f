package main

import "github.com/OpenTraceLab/OpenTraceRTT/cmd/rtt/cmd"

func main() {
	cmd.Execute()
}
