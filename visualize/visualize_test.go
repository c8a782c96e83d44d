package visualize

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	conduct "github.com/armadha/conduct"
)

func sampleWorkflow() *conduct.Workflow {
	return &conduct.Workflow{
		Name: "backup",
		Steps: []conduct.Step{
			{Name: "dump", Command: "pg_dump mydb", Timeout: "30s", Retries: 2, OnError: "ops"},
			{Name: "compress", Command: "gzip dump.sql", DependsOn: []string{"dump"}},
		},
		Notifiers: []conduct.Notifier{{Name: "ops"}},
	}
}

func TestDOT(t *testing.T) {
	out := DOT(sampleWorkflow(), Options{ShowDetails: true})

	for _, want := range []string{
		`digraph "backup"`,
		`"dump"`,
		`"compress"`,
		`"dump" -> "compress";`,
		`"dump" -> "ops" [style=dashed, color=red, label="on_error"];`,
		`shape=note`,
		"cmd: pg_dump mydb",
		"t: 30s",
		"r: 2",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("DOT output missing %q:\n%s", want, out)
		}
	}
}

func TestDOTWithoutDetails(t *testing.T) {
	out := DOT(sampleWorkflow(), Options{})
	if strings.Contains(out, "cmd:") {
		t.Errorf("DOT without details still carries command labels:\n%s", out)
	}
}

func TestDOTTruncatesLongCommands(t *testing.T) {
	wf := &conduct.Workflow{
		Name:  "w",
		Steps: []conduct.Step{{Name: "s", Command: strings.Repeat("x", 200)}},
	}
	out := DOT(wf, Options{ShowDetails: true})
	if !strings.Contains(out, "...") {
		t.Errorf("long command not truncated:\n%s", out)
	}
	if strings.Contains(out, strings.Repeat("x", 100)) {
		t.Errorf("full command leaked into label:\n%s", out)
	}
}

func TestWriteFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "graph.dot")
	if err := WriteFile(sampleWorkflow(), path, Options{}); err != nil {
		t.Fatalf("WriteFile() error: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read rendered file: %v", err)
	}
	if !strings.HasPrefix(string(data), "digraph") {
		t.Errorf("rendered file does not start with digraph:\n%s", data)
	}
}
