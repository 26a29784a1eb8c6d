package main

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/hochfrequenz/flakyguard/internal/detect"
	"github.com/hochfrequenz/flakyguard/internal/domain"
	"github.com/hochfrequenz/flakyguard/internal/report"
	"github.com/hochfrequenz/flakyguard/internal/resultstore"
	"github.com/hochfrequenz/flakyguard/internal/session"
)

func TestExitCode(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{errNoCommand, 2},
		{&domain.ConfigError{Field: "window_size", Value: 0, Reason: "must be >= 1"}, 2},
		{fmt.Errorf("loading: %w", &domain.ConfigError{Field: "threshold"}), 2},
		{&domain.StorageError{Op: "open", Err: errors.New("locked")}, 1},
		{errors.New("boom"), 1},
	}
	for _, tt := range tests {
		if got := exitCode(tt.err); got != tt.want {
			t.Errorf("exitCode(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

func TestConfirm(t *testing.T) {
	tests := []struct {
		input string
		want  bool
	}{
		{"yes\n", true},
		{"YES\n", true},
		{"y\n", false},
		{"\n", false},
		{"", false},
	}
	for _, tt := range tests {
		var out bytes.Buffer
		got, err := confirm(strings.NewReader(tt.input), &out, "Delete?")
		if err != nil {
			t.Fatalf("confirm(%q) error = %v", tt.input, err)
		}
		if got != tt.want {
			t.Errorf("confirm(%q) = %v, want %v", tt.input, got, tt.want)
		}
		if !strings.Contains(out.String(), "Type 'yes' to confirm") {
			t.Errorf("prompt = %q", out.String())
		}
	}
}

func TestConfirm_NonTerminalFile(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "stdin")
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	if _, err := confirm(f, &bytes.Buffer{}, "Delete?"); err == nil {
		t.Error("confirm on a regular file should refuse")
	}
}

func TestReadIDs(t *testing.T) {
	ids, err := readIDs(strings.NewReader("pkg::TestA\n\n  pkg::TestB  \npkg::TestA\n"))
	if err != nil {
		t.Fatal(err)
	}
	if want := []string{"pkg::TestA", "pkg::TestB"}; strings.Join(ids, ",") != strings.Join(want, ",") {
		t.Errorf("readIDs = %v, want %v", ids, want)
	}
}

// goTestSkips reports whether `go test -skip pattern` skips the test
// named name. The pattern is split the way the testing package splits it:
// on unbracketed '|' into alternatives, then on unbracketed '/' into one
// regexp per level. The first alternative matching a name decides, and a
// test whose parent is skipped never runs.
func goTestSkips(t *testing.T, pattern, name string) bool {
	t.Helper()
	levels := strings.Split(name, "/")
	for depth := 1; depth <= len(levels); depth++ {
		for _, alt := range splitUnbracketed(pattern, '|') {
			parts := splitUnbracketed(alt, '/')
			ok := true
			for i := 0; i < len(parts) && i < depth; i++ {
				matched, err := regexp.MatchString(parts[i], levels[i])
				if err != nil {
					t.Fatalf("bad pattern %q: %v", pattern, err)
				}
				if !matched {
					ok = false
					break
				}
			}
			if ok {
				if depth >= len(parts) {
					return true
				}
				break
			}
		}
	}
	return false
}

func splitUnbracketed(s string, sep byte) []string {
	var parts []string
	brackets, parens, start := 0, 0, 0
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '\\':
			i++
		case '[':
			brackets++
		case ']':
			brackets--
		case '(':
			parens++
		case ')':
			parens--
		case sep:
			if brackets == 0 && parens == 0 {
				parts = append(parts, s[start:i])
				start = i + 1
			}
		}
	}
	return append(parts, s[start:])
}

func TestGoSkipPatterns(t *testing.T) {
	store, err := resultstore.New(filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	settings := domain.DefaultSettings()
	settings.Mode = domain.ModeSkip
	sess, err := session.New(store, settings)
	if err != nil {
		t.Fatal(err)
	}
	flaky := []string{
		"a::TestFlaky",
		"a::TestOther/sub.case",
		"a::TestParent",
		"a::TestParent/child",
		"c::TestFlaky",
	}
	for _, id := range flaky {
		for _, o := range []domain.Outcome{domain.OutcomePassed, domain.OutcomeFailed} {
			if err := sess.Record(id, o, time.Millisecond); err != nil {
				t.Fatal(err)
			}
		}
	}
	if err := sess.Record("a::TestStable", domain.OutcomePassed, time.Millisecond); err != nil {
		t.Fatal(err)
	}

	ids := append(flaky, "a::TestStable")
	actions, err := sess.PreRun(ids)
	if err != nil {
		t.Fatal(err)
	}

	patterns := goSkipPatterns(ids, actions)
	want := map[string]string{
		"a": `^TestFlaky$|^TestParent$|^TestOther$/^sub\.case$`,
		"c": `^TestFlaky$`,
	}
	if len(patterns) != len(want) {
		t.Fatalf("patterns = %v, want %v", patterns, want)
	}
	for pkg, p := range want {
		if patterns[pkg] != p {
			t.Errorf("pattern for %s = %q, want %q", pkg, patterns[pkg], p)
		}
	}

	tests := []struct {
		name string
		skip bool
	}{
		{"TestFlaky", true},
		{"TestFlakyToo", false},
		{"TestOther", false},
		{"TestOther/sub.case", true},
		{"TestOther/subxcase", false},
		{"TestOther/other", false},
		{"TestParent", true},
		{"TestParent/child", true},
		{"TestStable", false},
	}
	for _, tt := range tests {
		if got := goTestSkips(t, patterns["a"], tt.name); got != tt.skip {
			t.Errorf("skip %q with %q = %v, want %v", tt.name, patterns["a"], got, tt.skip)
		}
	}

	if got := goSkipPatterns([]string{"a::TestStable"}, actions); len(got) != 0 {
		t.Errorf("goSkipPatterns with no flaky ids = %v, want none", got)
	}
}

func TestPrintGoSkip(t *testing.T) {
	patterns := map[string]string{"b": "^TestB$", "a": "^TestA$"}

	var out bytes.Buffer
	printGoSkip(&out, patterns, "")
	if got := out.String(); got != "a\t^TestA$\nb\t^TestB$\n" {
		t.Errorf("all packages = %q", got)
	}

	out.Reset()
	printGoSkip(&out, patterns, "b")
	if got := out.String(); got != "^TestB$\n" {
		t.Errorf("one package = %q", got)
	}

	out.Reset()
	printGoSkip(&out, patterns, "missing")
	if out.Len() != 0 {
		t.Errorf("unknown package = %q, want nothing", out.String())
	}
}

func TestWriteReportFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "report.json")
	doc := report.NewDocument(nil, detect.Summary{Stable: 3}, domain.DefaultSettings(), "s1", time.Now())

	if err := writeReportFile(path, report.FormatJSON, doc); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), `"stable": 3`) {
		t.Errorf("report = %s", data)
	}

	entries, err := os.ReadDir(filepath.Dir(path))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Errorf("temp files left behind: %v", entries)
	}
}
