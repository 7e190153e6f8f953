package config_test

import (
	"strings"
	"testing"

	"example.com/vmi-core/config"
)

const sample = `
# comment line
winxp {
	ostype = Windows;
	win_ntoskrnl = 0x1a6000;
	win_tasks = 0x88;
	win_pname = "ImageFileName";
}

linuxbox {
	ostype = Linux;
	linux_tasks = 0x2f0;
	linux_name = 1392;
	sysmap = /boot/System.map;
}
`

func TestParseTwoBlocks(t *testing.T) {
	profiles, err := config.Parse(strings.NewReader(sample))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(profiles) != 2 {
		t.Fatalf("expected 2 profiles, got %d", len(profiles))
	}

	winxp, ok := config.ProfileByName(profiles, "winxp")
	if !ok {
		t.Fatalf("expected a winxp profile")
	}
	if winxp.OSType != "Windows" {
		t.Fatalf("winxp.OSType = %q, want Windows", winxp.OSType)
	}
	if winxp.Offsets["win_ntoskrnl"] != 0x1a6000 {
		t.Fatalf("win_ntoskrnl = %#x, want 0x1a6000", winxp.Offsets["win_ntoskrnl"])
	}
	if winxp.Strings["win_pname"] != "ImageFileName" {
		t.Fatalf("win_pname = %q", winxp.Strings["win_pname"])
	}

	linuxbox, ok := config.ProfileByName(profiles, "linuxbox")
	if !ok {
		t.Fatalf("expected a linuxbox profile")
	}
	if linuxbox.Offsets["linux_tasks"] != 0x2f0 {
		t.Fatalf("linux_tasks = %#x, want 0x2f0", linuxbox.Offsets["linux_tasks"])
	}
	if linuxbox.Offsets["linux_name"] != 1392 {
		t.Fatalf("linux_name = %d, want 1392", linuxbox.Offsets["linux_name"])
	}
	if linuxbox.Sysmap != "/boot/System.map" {
		t.Fatalf("sysmap = %q", linuxbox.Sysmap)
	}
}

func TestParseRejectsUnterminatedBlock(t *testing.T) {
	_, err := config.Parse(strings.NewReader("winxp {\n  ostype = Windows;\n"))
	if err == nil {
		t.Fatalf("expected an error for an unterminated block")
	}
}

func TestParseRejectsMissingSemicolon(t *testing.T) {
	_, err := config.Parse(strings.NewReader("winxp {\n  ostype = Windows\n}"))
	if err == nil {
		t.Fatalf("expected an error for a missing semicolon")
	}
}
