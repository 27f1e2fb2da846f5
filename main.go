package main

import "github.com/bkkaggle/lm-finetuning/cmd"

func main() {
	cmd.Execute()
}
