package config

import (
	"fmt"
	"net"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// Enforced reports whether the policy restricts targets at all.
func (p TargetPolicyConfig) Enforced() bool {
	return len(p.AllowedCIDRs) > 0 || len(p.AllowedHostGlobs) > 0
}

// CheckTargets validates a comma-separated target list against the policy.
// IP and CIDR targets must fall inside an allowed CIDR; hostname targets
// must match an allowed glob. With no policy configured everything passes.
func (p TargetPolicyConfig) CheckTargets(targets string) error {
	if !p.Enforced() {
		return nil
	}
	for _, target := range strings.Split(targets, ",") {
		target = strings.TrimSpace(target)
		if target == "" {
			continue
		}
		if !p.allows(target) {
			return fmt.Errorf("target %q is outside the allowed scan policy", target)
		}
	}
	return nil
}

func (p TargetPolicyConfig) allows(target string) bool {
	if ip := net.ParseIP(target); ip != nil {
		return p.cidrAllows(ip)
	}
	if queryIP, queryNet, err := net.ParseCIDR(target); err == nil {
		// A CIDR target is allowed when its base address sits inside an
		// allowed network at least as wide as the target's.
		for _, cidr := range p.AllowedCIDRs {
			_, allowed, err := net.ParseCIDR(cidr)
			if err != nil {
				continue
			}
			allowedOnes, _ := allowed.Mask.Size()
			queryOnes, _ := queryNet.Mask.Size()
			if allowed.Contains(queryIP) && allowedOnes <= queryOnes {
				return true
			}
		}
		return false
	}
	for _, pattern := range p.AllowedHostGlobs {
		if ok, err := doublestar.Match(pattern, strings.ToLower(target)); err == nil && ok {
			return true
		}
	}
	return false
}

func (p TargetPolicyConfig) cidrAllows(ip net.IP) bool {
	for _, cidr := range p.AllowedCIDRs {
		_, network, err := net.ParseCIDR(cidr)
		if err != nil {
			continue
		}
		if network.Contains(ip) {
			return true
		}
	}
	return false
}
