//go:build !windows

package location

// Only Windows carries a high-accuracy locator; other platforms go
// straight to IP-based resolution.
func newPlatformLocator() platformLocator { return nil }
