package version

import "testing"

func setVersion(t *testing.T, version, built, commit string) {
	t.Helper()
	previousVersion, previousBuilt, previousCommit := Version, Built, GitCommit
	Version, Built, GitCommit = version, built, commit
	t.Cleanup(func() {
		Version, Built, GitCommit = previousVersion, previousBuilt, previousCommit
	})
}

func TestGetVersionInfoParsesSemver(t *testing.T) {
	setVersion(t, "v1.2.3-rc.1", "2026-01-11T12:34:56Z", "abc123")

	info := GetVersionInfo()
	if info.Version != "v1.2.3-rc.1" {
		t.Fatalf("expected version to be preserved, got %q", info.Version)
	}
	if info.Major != 1 || info.Minor != 2 || info.Patch != 3 {
		t.Fatalf("expected 1.2.3, got %d.%d.%d", info.Major, info.Minor, info.Patch)
	}
	if info.Built != "2026-01-11T12:34:56Z" {
		t.Fatalf("expected built timestamp to be preserved, got %q", info.Built)
	}
	if info.GitCommit != "abc123" {
		t.Fatalf("expected git commit to be preserved, got %q", info.GitCommit)
	}
}

func TestGetVersionInfoDev(t *testing.T) {
	setVersion(t, "dev", "", "")
	info := GetVersionInfo()
	if info.Major != 0 || info.Minor != 0 || info.Patch != 0 {
		t.Fatalf("expected zero parts for dev, got %d.%d.%d", info.Major, info.Minor, info.Patch)
	}
}

func TestInfoString(t *testing.T) {
	info := Info{Version: "1.0.0", GitCommit: "0123456789abcdef", Built: "today"}
	if got := info.String(); got != "shardfleet 1.0.0 (0123456789ab) built today" {
		t.Fatalf("unexpected string %q", got)
	}
	if got := (Info{Version: "dev"}).String(); got != "shardfleet dev" {
		t.Fatalf("unexpected string %q", got)
	}
}
