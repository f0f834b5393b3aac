//go:build !darwin

package permissions

// EnsurePermissions always succeeds: outside macOS the audio server hands
// monitor and microphone sources to any process without an approval step.
func EnsurePermissions() error {
	return nil
}
