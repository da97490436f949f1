// The main package for the crawlctl executable.
package main

import (
	"github.com/leadforge/crawl-control/cmd"
)

func main() {
	cmd.Execute()
}
