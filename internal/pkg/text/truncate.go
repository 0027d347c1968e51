// Package text holds small string helpers shared by the notifier.
package text

// Truncate cuts s to max bytes and marks the cut with an ellipsis. Strings
// already within the limit come back untouched.
func Truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
