package results

import (
	"errors"
	"fmt"
)

const (
	ProfileMinimal = "minimal"
	ProfileSummary = "summary"
	ProfileBrief   = "brief"
	ProfileFull    = "full"

	DefaultProfile = ProfileBrief
)

var (
	ErrUnknownProfile  = errors.New("unknown schema profile")
	ErrProfileConflict = errors.New("schema profile and custom fields are mutually exclusive")
)

var profileFields = map[string][]string{
	ProfileMinimal: {
		"host", "plugin_id", "plugin_name", "severity", "port", "cve",
	},
	ProfileSummary: {
		"host", "plugin_id", "plugin_name", "severity", "port", "cve",
		"risk_factor", "cvss3_base_score", "exploit_available",
	},
	ProfileBrief: {
		"host", "plugin_id", "plugin_name", "severity", "port", "cve",
		"risk_factor", "cvss3_base_score", "exploit_available",
		"synopsis", "plugin_family",
	},
}

// resolveFields picks the projection for a request. A custom field list is
// only allowed alongside the default profile, where it wins. Nil means no
// projection (full).
func resolveFields(profile string, custom []string) ([]string, error) {
	if profile == "" {
		profile = DefaultProfile
	}
	if len(custom) > 0 {
		if profile != DefaultProfile {
			return nil, ErrProfileConflict
		}
		return custom, nil
	}
	if profile == ProfileFull {
		return nil, nil
	}
	fields, ok := profileFields[profile]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProfile, profile)
	}
	return fields, nil
}

// project returns an item restricted to the named fields, always carrying
// "type". Fields absent from the item come through as null so every record
// has the same shape. A nil field list passes the item through whole.
func project(item Item, fields []string) Item {
	if fields == nil {
		return item
	}
	out := Item{"type": item["type"]}
	for _, field := range fields {
		value, ok := item[field]
		if !ok {
			value = nil
		}
		out[field] = value
	}
	return out
}
