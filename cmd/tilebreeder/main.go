package main

import "github.com/ChuLiYu/tilebreeder/internal/cli"

func main() {
	cli.Execute()
}
