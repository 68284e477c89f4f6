//go:build !linux

package tun

// only linux needs an explicit check, other platforms fail with a clear error on creation
func ensureRoot() error {
	return nil
}
