package task

import (
	"net"
	"strings"
)

// TargetMatches reports whether a stored target expression matches a query.
// Both sides may be an IP, a CIDR network or a hostname. An IP query matches
// a stored network that contains it, a network query matches a stored IP it
// contains, two networks match when they overlap, and anything else falls
// back to case-insensitive hostname equality.
func TargetMatches(stored, query string) bool {
	stored = strings.TrimSpace(stored)
	query = strings.TrimSpace(query)
	if stored == "" || query == "" {
		return false
	}

	storedIP := net.ParseIP(stored)
	queryIP := net.ParseIP(query)
	_, storedNet, storedNetErr := net.ParseCIDR(stored)
	_, queryNet, queryNetErr := net.ParseCIDR(query)

	switch {
	case storedIP != nil && queryIP != nil:
		return storedIP.Equal(queryIP)
	case storedNetErr == nil && queryIP != nil:
		return storedNet.Contains(queryIP)
	case storedIP != nil && queryNetErr == nil:
		return queryNet.Contains(storedIP)
	case storedNetErr == nil && queryNetErr == nil:
		return storedNet.Contains(queryNet.IP) || queryNet.Contains(storedNet.IP)
	default:
		return strings.EqualFold(stored, query)
	}
}

// AnyTargetMatches splits a comma-separated target list and matches each
// element against the query.
func AnyTargetMatches(targets, query string) bool {
	for _, t := range strings.Split(targets, ",") {
		if TargetMatches(t, query) {
			return true
		}
	}
	return false
}
