// The main package for the harvester executable.
package main

import "github.com/openlistings/harvester/cmd"

func main() {
	cmd.Execute()
}
