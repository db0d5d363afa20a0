// The main package for the namus-crawler executable.
package main

import (
	"os"

	"github.com/JakeFAU/namus-crawler/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
