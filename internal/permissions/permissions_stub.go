//go:build !darwin

package permissions

// EnsureCaptureAccess is a no-op on non-macOS platforms.
func EnsureCaptureAccess() error {
	return nil
}
