package results

import "testing"

func TestFiltersMatch(t *testing.T) {
	item := Item{
		"type":              "vulnerability",
		"host":              "192.168.1.5",
		"plugin_name":       "SMB Signing not required",
		"severity":          3.0,
		"risk_factor":       "Medium",
		"cvss3_base_score":  5.3,
		"exploit_available": true,
		"cve":               []string{"CVE-2016-2115", "CVE-2017-7494"},
		"port":              "445",
	}

	cases := []struct {
		name    string
		filters Filters
		want    bool
	}{
		{"substring case-insensitive", Filters{"plugin_name": "smb signing"}, true},
		{"substring miss", Filters{"plugin_name": "apache"}, false},
		{"numeric greater", Filters{"cvss3_base_score": ">5"}, true},
		{"numeric greater-equal", Filters{"severity": ">=3"}, true},
		{"numeric less rejects", Filters{"severity": "<3"}, false},
		{"numeric equals", Filters{"severity": "=3"}, true},
		{"numeric against string field", Filters{"port": ">400"}, true},
		{"coercion failure rejects", Filters{"risk_factor": ">5"}, false},
		{"bool equality", Filters{"exploit_available": true}, true},
		{"bool mismatch", Filters{"exploit_available": false}, false},
		{"list contains substring", Filters{"cve": "2017-7494"}, true},
		{"list miss", Filters{"cve": "2020"}, false},
		{"numeric filter equality", Filters{"severity": 3}, true},
		{"conjunction", Filters{"plugin_name": "smb", "severity": ">=3", "exploit_available": true}, true},
		{"conjunction one fails", Filters{"plugin_name": "smb", "severity": ">3"}, false},
		{"missing field", Filters{"no_such_field": "x"}, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.filters.Matches(item); got != tc.want {
				t.Fatalf("Matches(%v) = %v, want %v", tc.filters, got, tc.want)
			}
		})
	}
}

func TestValidateFilters(t *testing.T) {
	if err := ValidateFilters(Filters{"severity": ">=3.5", "plugin_name": "smb"}); err != nil {
		t.Fatalf("valid filters rejected: %v", err)
	}
	if err := ValidateFilters(Filters{"severity": ">high"}); err == nil {
		t.Fatal("expected malformed comparison error")
	}
	if err := ValidateFilters(nil); err != nil {
		t.Fatalf("nil filters: %v", err)
	}
}
