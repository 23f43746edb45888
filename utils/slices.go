package utils // import "github.com/helmsmanhq/helmsman/utils"

// StringSliceContains returns true if the given string slice contains string
// val, and false otherwise.
func StringSliceContains(slice []string, val string) bool {
	for _, v := range slice {
		if v == val {
			return true
		}
	}
	return false
}

// StringSliceRemove deletes the first occurrence of val in s, preserving
// order.
func StringSliceRemove(s []string, val string) []string {
	for i := range s {
		if s[i] == val {
			return append(s[:i], s[i+1:]...)
		}
	}
	return s
}
