package ui

import (
	"strings"
	"testing"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
)

func TestMain(m *testing.M) {
	lipgloss.SetColorProfile(termenv.Ascii)
	m.Run()
}

func TestKeyValuesAligns(t *testing.T) {
	out := KeyValues(Pair{"cluster", "site-b"}, Pair{"uuid", "5b3c"})
	lines := strings.Split(strings.TrimSuffix(out, "\n"), "\n")
	if len(lines) != 2 {
		t.Fatalf("lines = %q", lines)
	}
	if lines[0] != "cluster: site-b" || lines[1] != "uuid:    5b3c" {
		t.Fatalf("KeyValues() = %q", lines)
	}
}

func TestTableContainsCells(t *testing.T) {
	out := Table([]string{"POOL", "IMAGE"}, [][]string{{"1", "vm-disk"}})
	for _, want := range []string{"POOL", "IMAGE", "vm-disk"} {
		if !strings.Contains(out, want) {
			t.Fatalf("Table() missing %q:\n%s", want, out)
		}
	}
}

func TestMirroring(t *testing.T) {
	if Mirroring(true) != "enabled" || Mirroring(false) != "disabled" {
		t.Fatalf("Mirroring() = %q / %q", Mirroring(true), Mirroring(false))
	}
}
