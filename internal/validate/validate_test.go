package validate

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/nessusdhq/nessusd/internal/task"
)

func writeArtifact(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "scan_native.nessus")
	if err := os.WriteFile(path, []byte(contents), 0644); err != nil {
		t.Fatalf("write artifact: %v", err)
	}
	return path
}

func artifactWithItems(items string) string {
	return `<?xml version="1.0"?>
<NessusClientData_v2>
<Report name="test">
<ReportHost name="192.168.1.5">
` + items + `
</ReportHost>
</Report>
</NessusClientData_v2>
` + strings.Repeat("<!-- padding -->", 20)
}

func scanInfoItem(output string) string {
	return fmt.Sprintf(`<ReportItem port="0" severity="0" pluginID="19506" pluginName="Nessus Scan Information" pluginFamily="Settings">
<plugin_output>%s</plugin_output>
</ReportItem>`, output)
}

func TestArtifactHardFailures(t *testing.T) {
	t.Run("missing file", func(t *testing.T) {
		_, err := Artifact(filepath.Join(t.TempDir(), "nope.nessus"), task.ScanTypeUntrusted, 0)
		if !errors.Is(err, ErrArtifactMissing) {
			t.Fatalf("expected ErrArtifactMissing, got %v", err)
		}
	})

	t.Run("too small", func(t *testing.T) {
		path := writeArtifact(t, "<NessusClientData_v2/>")
		if _, err := Artifact(path, task.ScanTypeUntrusted, 0); !errors.Is(err, ErrArtifactTooSmall) {
			t.Fatalf("expected ErrArtifactTooSmall, got %v", err)
		}
	})

	t.Run("unparseable", func(t *testing.T) {
		path := writeArtifact(t, strings.Repeat("garbage ", 50))
		if _, err := Artifact(path, task.ScanTypeUntrusted, 0); err == nil {
			t.Fatal("expected parse error")
		}
	})

	t.Run("no hosts", func(t *testing.T) {
		path := writeArtifact(t, `<?xml version="1.0"?>
<NessusClientData_v2>
<Report name="empty"></Report>
</NessusClientData_v2>
`+strings.Repeat("<!-- padding -->", 20))
		if _, err := Artifact(path, task.ScanTypeUntrusted, 0); !errors.Is(err, ErrNoHosts) {
			t.Fatalf("expected ErrNoHosts, got %v", err)
		}
	})
}

func TestArtifactUntrusted(t *testing.T) {
	path := writeArtifact(t, artifactWithItems(scanInfoItem("Credentialed checks : no")))

	result, err := Artifact(path, task.ScanTypeUntrusted, 0)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if result.AuthStatus != task.AuthNotApplicable {
		t.Fatalf("auth status = %s, want not_applicable", result.AuthStatus)
	}
	if result.Stats.Hosts != 1 || result.Stats.FileSizeBytes == 0 {
		t.Fatalf("unexpected stats: %+v", result.Stats)
	}
}

func TestArtifactCredentialedChecksVerdicts(t *testing.T) {
	cases := []struct {
		output string
		want   task.AuthStatus
	}{
		{"Credentialed checks : yes", task.AuthSuccess},
		{"Credentialed checks : no", task.AuthFailed},
		{"Credentialed checks : partial", task.AuthPartial},
		{"Scan info...\nCredentialed checks : YES\nmore text", task.AuthSuccess},
	}

	for _, tc := range cases {
		t.Run(tc.output, func(t *testing.T) {
			path := writeArtifact(t, artifactWithItems(scanInfoItem(tc.output)))
			result, err := Artifact(path, task.ScanTypeAuthenticated, 0)
			if err != nil {
				t.Fatalf("validate: %v", err)
			}
			if result.AuthStatus != tc.want {
				t.Fatalf("auth status = %s, want %s", result.AuthStatus, tc.want)
			}
		})
	}
}

func TestArtifactAuthInference(t *testing.T) {
	authItems := func(ids ...string) string {
		var sb strings.Builder
		for _, id := range ids {
			fmt.Fprintf(&sb, `<ReportItem port="0" severity="0" pluginID="%s" pluginName="p" pluginFamily="General"></ReportItem>`+"\n", id)
		}
		return sb.String()
	}

	t.Run("enough credentialed plugins", func(t *testing.T) {
		path := writeArtifact(t, artifactWithItems(
			authItems("12634", "22869", "25202", "33276", "97993")))
		result, err := Artifact(path, task.ScanTypePrivileged, 0)
		if err != nil {
			t.Fatalf("validate: %v", err)
		}
		if result.AuthStatus != task.AuthSuccess {
			t.Fatalf("auth status = %s, want success (%d plugins)", result.AuthStatus, result.Stats.AuthPluginCount)
		}
	})

	t.Run("too few credentialed plugins", func(t *testing.T) {
		path := writeArtifact(t, artifactWithItems(authItems("12634", "22869")))
		result, err := Artifact(path, task.ScanTypeAuthenticated, 0)
		if err != nil {
			t.Fatalf("validate: %v", err)
		}
		if result.AuthStatus != task.AuthFailed {
			t.Fatalf("auth status = %s, want failed", result.AuthStatus)
		}
		if result.Message == "" {
			t.Fatal("expected explanatory message")
		}
	})
}

func TestArtifactExpectedHostsWarning(t *testing.T) {
	path := writeArtifact(t, artifactWithItems(scanInfoItem("Credentialed checks : yes")))

	result, err := Artifact(path, task.ScanTypeAuthenticated, 3)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if len(result.Warnings) != 1 || !strings.Contains(result.Warnings[0], "expected 3 hosts") {
		t.Fatalf("expected host-count warning, got %v", result.Warnings)
	}
	// A host shortfall is a warning, not a failure.
	if result.AuthStatus != task.AuthSuccess {
		t.Fatalf("auth status = %s", result.AuthStatus)
	}

	result, err = Artifact(path, task.ScanTypeAuthenticated, 1)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if len(result.Warnings) != 0 {
		t.Fatalf("unexpected warnings: %v", result.Warnings)
	}
}

func TestSeverityCounts(t *testing.T) {
	path := writeArtifact(t, artifactWithItems(`
<ReportItem port="445" severity="3" pluginID="57608" pluginName="a" pluginFamily="Misc."></ReportItem>
<ReportItem port="445" severity="3" pluginID="57609" pluginName="b" pluginFamily="Misc."></ReportItem>
<ReportItem port="22" severity="1" pluginID="10881" pluginName="c" pluginFamily="General"></ReportItem>
`))

	result, err := Artifact(path, task.ScanTypeUntrusted, 0)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if result.Stats.SeverityCounts["3"] != 2 || result.Stats.SeverityCounts["1"] != 1 {
		t.Fatalf("unexpected severity counts: %v", result.Stats.SeverityCounts)
	}
}
