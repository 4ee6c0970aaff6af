//go:build nostack

package errors

// captureStack is compiled out under the nostack build tag.
func captureStack(int) string { return "" }
