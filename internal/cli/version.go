package cli

import "fmt"

// VersionCmd prints version information.
type VersionCmd struct{}

func (c *VersionCmd) Run(globals *Globals) error {
	fmt.Printf("apptrack-agent %s\n", globals.Version)
	return nil
}
