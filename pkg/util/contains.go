package utils

import "strings"

// Contains reports whether host is in hosts. Entries match case-insensitively,
// and "*" matches anything.
func Contains(host string, hosts []string) bool {
	for _, h := range hosts {
		if h == "*" || strings.EqualFold(h, host) {
			return true
		}
	}
	return false
}
