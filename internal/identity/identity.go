// Package identity derives the stable machine-bound user id the agent
// stamps on every record. An agent that cannot compute one must not start.
package identity

import (
	"fmt"
	"net"
	"os"
	"os/user"
	"strings"
)

// Env overrides, mainly for testing multiple users against one collector.
const (
	envForcedUserID  = "APPTRACK_TEST_USER_ID"
	envForcedAccount = "APPTRACK_SET_USERNAME"
)

// Overrides force parts of the computed identity, typically from the
// config file on shared machines and test rigs. The corresponding
// environment variables take precedence over both fields.
type Overrides struct {
	// UserID replaces the whole computed id.
	UserID string
	// Username replaces only the account component.
	Username string
}

// UserID returns "<hostname>_<account>_<mac-with-underscores>".
// APPTRACK_TEST_USER_ID (or o.UserID) replaces the whole id;
// APPTRACK_SET_USERNAME (or o.Username) replaces only the account
// component.
func UserID(o Overrides) (string, error) {
	forced := strings.TrimSpace(os.Getenv(envForcedUserID))
	if forced == "" {
		forced = strings.TrimSpace(o.UserID)
	}
	if forced != "" {
		return forced, nil
	}

	host, err := os.Hostname()
	if err != nil {
		return "", fmt.Errorf("resolving hostname: %w", err)
	}

	mac, err := primaryMAC()
	if err != nil {
		return "", err
	}

	account := strings.TrimSpace(os.Getenv(envForcedAccount))
	if account == "" {
		account = strings.TrimSpace(o.Username)
	}
	if account == "" {
		u, err := user.Current()
		if err != nil {
			return "", fmt.Errorf("resolving current user: %w", err)
		}
		account = u.Username
		// Windows reports DOMAIN\user; keep the short name.
		if i := strings.LastIndexByte(account, '\\'); i >= 0 {
			account = account[i+1:]
		}
	}

	return Compose(host, account, mac), nil
}

// Compose assembles the id from its parts, normalizing the MAC separator.
func Compose(host, account, mac string) string {
	mac = strings.ReplaceAll(mac, ":", "_")
	mac = strings.ReplaceAll(mac, "-", "_")
	return host + "_" + account + "_" + mac
}

// primaryMAC returns the hardware address of the first up, non-loopback
// interface that has one.
func primaryMAC() (string, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return "", fmt.Errorf("enumerating interfaces: %w", err)
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 || iface.Flags&net.FlagUp == 0 {
			continue
		}
		if addr := iface.HardwareAddr.String(); addr != "" {
			return addr, nil
		}
	}
	// Fall back to any interface with an address so VMs without an "up"
	// link at boot still get a stable id.
	for _, iface := range ifaces {
		if addr := iface.HardwareAddr.String(); addr != "" {
			return addr, nil
		}
	}
	return "", fmt.Errorf("unable to retrieve a MAC address")
}
