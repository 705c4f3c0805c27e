package main

import (
	"github.com/NiftyLeague/ftso-feed-value-provider-sub005/cmd"
)

func main() {
	cmd.Execute()
}
