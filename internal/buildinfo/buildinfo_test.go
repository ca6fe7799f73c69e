package buildinfo

import (
	"runtime"
	"strings"
	"testing"
)

func TestInfo(t *testing.T) {
	info := Info()

	for _, key := range []string{"name", "version", "git_commit", "build_time", "go_version", "os", "arch", "uptime"} {
		if _, ok := info[key]; !ok {
			t.Errorf("Info() missing key %q", key)
		}
	}
	if info["go_version"] != runtime.Version() {
		t.Errorf("go_version = %q, want %q", info["go_version"], runtime.Version())
	}
	if info["name"] != Name {
		t.Errorf("name = %q, want %q", info["name"], Name)
	}
}

func TestString(t *testing.T) {
	old := Version
	Version = "v1.2.3"
	t.Cleanup(func() { Version = old })

	got := String()
	if !strings.HasPrefix(got, "toolhost v1.2.3 ") {
		t.Errorf("String() = %q, want toolhost v1.2.3 prefix", got)
	}
}

func TestUptime(t *testing.T) {
	if Uptime() < 0 {
		t.Error("Uptime() is negative")
	}
}
