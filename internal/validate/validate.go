package validate

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/nessusdhq/nessusd/internal/results"
	"github.com/nessusdhq/nessusd/internal/task"
)

var (
	ErrArtifactMissing  = errors.New("scan artifact missing")
	ErrArtifactTooSmall = errors.New("scan artifact suspiciously small")
	ErrNoHosts          = errors.New("scan artifact contains no hosts")
)

// minArtifactSize guards against truncated exports; a real artifact with
// even one empty host is larger than this.
const minArtifactSize = 200

// scanInfoPlugin is the scanner's own summary plugin whose output reports
// whether credentialed checks ran.
const scanInfoPlugin = "19506"

// credentialedPlugins only produce output when the scanner logged in to the
// target. Their presence is used to infer authentication success when the
// summary plugin is silent.
var credentialedPlugins = map[string]struct{}{
	"12634":  {}, // Authenticated Check: OS Name and Installed Package Enumeration
	"22869":  {}, // Software Enumeration (SSH)
	"24786":  {}, // Nessus Windows Scan Not Performed with Admin Privileges
	"25202":  {}, // Enumerate IPv4 Interfaces via SSH
	"25203":  {}, // Enumerate IPv6 Interfaces via SSH
	"33276":  {}, // Enumerate MAC Addresses via SSH
	"97993":  {}, // OS Identification and Installed Software Enumeration over SMB
	"110385": {}, // Authentication Success with Intermittent Failure
	"152742": {}, // Unix Software Discovery Commands Available
}

// authInferenceThreshold is how many credentialed-only plugins must appear
// before a silent artifact is treated as a successful login.
const authInferenceThreshold = 5

var credentialedChecksPattern = regexp.MustCompile(`(?i)Credentialed checks\s*:\s*(yes|no|partial)`)

// Result is the validator's verdict over one artifact.
type Result struct {
	AuthStatus task.AuthStatus
	Message    string
	Warnings   []string
	Stats      task.ValidationStats
}

// Artifact checks a native scan artifact and rules on its authentication
// status for the declared scan type. Hard failures (missing, truncated,
// unparseable, hostless) come back as errors; the authentication verdict is
// carried in the Result.
func Artifact(path string, scanType task.ScanType, expectedHosts int) (*Result, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrArtifactMissing, path)
		}
		return nil, err
	}
	if info.Size() < minArtifactSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrArtifactTooSmall, info.Size())
	}

	data, err := results.ParseFile(path)
	if err != nil {
		return nil, err
	}
	if len(data.Hosts) == 0 {
		return nil, ErrNoHosts
	}

	result := &Result{
		Stats: task.ValidationStats{
			Hosts:          len(data.Hosts),
			ExpectedHosts:  expectedHosts,
			SeverityCounts: make(map[string]int),
			FileSizeBytes:  info.Size(),
		},
	}
	if expectedHosts > 0 && len(data.Hosts) < expectedHosts {
		result.Warnings = append(result.Warnings,
			fmt.Sprintf("expected %d hosts, artifact contains %d", expectedHosts, len(data.Hosts)))
	}

	credentialedChecks := ""
	for _, item := range data.Items {
		if sev, ok := item["severity"].(float64); ok {
			result.Stats.SeverityCounts[fmt.Sprintf("%d", int(sev))]++
		}
		pluginID, _ := item["plugin_id"].(string)
		if _, ok := credentialedPlugins[pluginID]; ok {
			result.Stats.AuthPluginCount++
		}
		if pluginID == scanInfoPlugin && credentialedChecks == "" {
			if output, ok := item["plugin_output"].(string); ok {
				if m := credentialedChecksPattern.FindStringSubmatch(output); m != nil {
					credentialedChecks = strings.ToLower(m[1])
				}
			}
		}
	}

	result.AuthStatus, result.Message = verdict(scanType, credentialedChecks, result.Stats.AuthPluginCount)
	return result, nil
}

func verdict(scanType task.ScanType, credentialedChecks string, authPlugins int) (task.AuthStatus, string) {
	if !scanType.Trusted() {
		return task.AuthNotApplicable, "untrusted scan, credential validation not applicable"
	}

	switch credentialedChecks {
	case "yes":
		return task.AuthSuccess, "scanner reports credentialed checks ran"
	case "no":
		return task.AuthFailed, "scanner reports credentialed checks did not run"
	case "partial":
		return task.AuthPartial, "scanner reports credentialed checks partially ran"
	}

	if authPlugins >= authInferenceThreshold {
		return task.AuthSuccess, fmt.Sprintf("inferred from %d credentialed-only plugins", authPlugins)
	}
	return task.AuthFailed, fmt.Sprintf("no credentialed-checks report and only %d credentialed-only plugins", authPlugins)
}
