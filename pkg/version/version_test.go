package version

import (
	"runtime"
	"strings"
	"testing"
)

func TestGetVersionInfo(t *testing.T) {
	info := GetVersionInfo()

	if !strings.Contains(info, "callscreen version") {
		t.Error("version info should contain 'callscreen version'")
	}
	if !strings.Contains(info, Version) {
		t.Errorf("version info should contain version %q", Version)
	}
	if !strings.Contains(info, runtime.Version()) {
		t.Errorf("version info should contain Go version %s", runtime.Version())
	}
}
