package main

import "github.com/inam6565/application-as-service/internal/cli"

func main() {
	cli.Execute()
}
