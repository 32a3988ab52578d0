package cli

import (
	"fmt"

	"github.com/vburojevic/apptrack/internal/identity"
)

// IdentCmd prints the machine identity without starting the monitor loop.
// Useful for registering a machine with the dashboard or debugging why two
// installs collide.
type IdentCmd struct{}

func (c *IdentCmd) Run(globals *Globals) error {
	id, err := identity.UserID(identity.Overrides{
		UserID:   globals.Config.Overrides.UserID,
		Username: globals.Config.Overrides.Username,
	})
	if err != nil {
		return fmt.Errorf("computing machine identity: %w", err)
	}
	fmt.Println(id)
	return nil
}
