package policydoc

import (
	"strings"
	"testing"
)

const sampleDoc = `
version: "v1"
description: "baseline rules"
rules:
  - name: "allow-reads"
    action: allow
    tools: ["read_file", "list_dir"]
    reason: "read-only tools are safe"
  - name: "deny-system-paths"
    action: DENY
    tools: "read_file"
    conditions:
      arg_contains:
        path: "/etc/|/sys/"
    reason: "system paths are off limits"
  - name: "approve-deletes"
    action: approve
    tools: ["/^delete_.*/"]
default_action: deny
default_reason: "No matching policy rule found"
`

func TestParse(t *testing.T) {
	doc, err := Parse([]byte(sampleDoc))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	if doc.Version != "v1" {
		t.Errorf("Version = %q, want %q", doc.Version, "v1")
	}
	if len(doc.Rules) != 3 {
		t.Fatalf("len(Rules) = %d, want 3", len(doc.Rules))
	}

	// Scalar tools input is normalized to list form.
	if got := doc.Rules[1].Tools; len(got) != 1 || got[0] != "read_file" {
		t.Errorf("Rules[1].Tools = %v, want [read_file]", got)
	}

	// Action keywords are lowercased.
	if doc.Rules[1].Action != ActionDeny {
		t.Errorf("Rules[1].Action = %q, want %q", doc.Rules[1].Action, ActionDeny)
	}

	if issues := doc.Validate(false); HasErrors(issues) {
		t.Errorf("Validate() unexpected errors: %v", ErrorStrings(issues))
	}
}

func TestParse_DefaultActionNormalized(t *testing.T) {
	doc, err := Parse([]byte("version: \"v1\"\nrules:\n  - name: r1\n    action: allow\n"))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if doc.DefaultAction != ActionDeny {
		t.Errorf("DefaultAction = %q, want %q (implicit default)", doc.DefaultAction, ActionDeny)
	}
}

func TestParse_RejectsUnknownRuleFields(t *testing.T) {
	src := `
version: "v1"
rules:
  - name: r1
    action: allow
    cascade:
      - name: nested
`
	if _, err := Parse([]byte(src)); err == nil {
		t.Error("Parse() with cascade sub-structure: expected error, got nil")
	}
}

func TestParse_InvalidYAML(t *testing.T) {
	if _, err := Parse([]byte("rules: [unclosed")); err == nil {
		t.Error("Parse() with invalid YAML: expected error, got nil")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name       string
		src        string
		strict     bool
		wantError  string // substring of an expected error-level issue, "" for none
		wantIssues int
	}{
		{
			name:      "empty rule set",
			src:       "version: \"v1\"\nrules: []\n",
			wantError: "no rules",
		},
		{
			name:      "missing rule name",
			src:       "version: v1\nrules:\n  - action: allow\n",
			wantError: "rule name is required",
		},
		{
			name:      "unknown action keyword",
			src:       "version: v1\nrules:\n  - name: r1\n    action: maybe\n",
			wantError: `unknown action "maybe"`,
		},
		{
			name:      "unknown default action",
			src:       "version: v1\ndefault_action: audit\nrules:\n  - name: r1\n    action: allow\n",
			wantError: `unknown action "audit"`,
		},
		{
			name:      "invalid tool regex",
			src:       "version: v1\nrules:\n  - name: r1\n    action: allow\n    tools: [\"/([a/\"]\n",
			wantError: "invalid tool regex",
		},
		{
			name: "unknown condition clause",
			src: `version: v1
rules:
  - name: r1
    action: allow
    conditions:
      AND:
        surface: web
`,
			wantError: `unknown condition clause "AND"`,
		},
		{
			name:      "bad comparison token",
			src:       "version: v1\nrules:\n  - name: r1\n    action: allow\n    conditions:\n      session_context:\n        count: \">abc\"\n",
			wantError: "is not a number",
		},
		{
			name:      "bad time range",
			src:       "version: v1\nrules:\n  - name: r1\n    action: allow\n    conditions:\n      session_context:\n        current_time: \"25:00-09:00\"\n",
			wantError: "invalid time range",
		},
		{
			name:      "duplicate names are warnings by default",
			src:       "version: v1\nrules:\n  - name: r1\n    action: allow\n  - name: r1\n    action: deny\n",
			wantError: "",
		},
		{
			name:      "duplicate names are errors in strict mode",
			src:       "version: v1\nrules:\n  - name: r1\n    action: allow\n  - name: r1\n    action: deny\n",
			strict:    true,
			wantError: "duplicate rule name",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc, err := Parse([]byte(tt.src))
			if err != nil {
				t.Fatalf("Parse() error = %v", err)
			}
			issues := doc.Validate(tt.strict)

			if tt.wantError == "" {
				if HasErrors(issues) {
					t.Errorf("Validate() unexpected errors: %v", ErrorStrings(issues))
				}
				return
			}

			found := false
			for _, msg := range ErrorStrings(issues) {
				if strings.Contains(msg, tt.wantError) {
					found = true
					break
				}
			}
			if !found {
				t.Errorf("Validate() errors = %v, want one containing %q", ErrorStrings(issues), tt.wantError)
			}
		})
	}
}

func TestValidate_DuplicateWarningSeverity(t *testing.T) {
	doc, err := Parse([]byte("version: v1\nrules:\n  - name: r1\n    action: allow\n  - name: r1\n    action: deny\n"))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	issues := doc.Validate(false)
	var warned bool
	for _, i := range issues {
		if i.Severity == SeverityWarning && strings.Contains(i.Message, "duplicate rule name") {
			warned = true
		}
	}
	if !warned {
		t.Errorf("Validate() issues = %v, want duplicate-name warning", issues)
	}
}

func TestRegexSource(t *testing.T) {
	tests := []struct {
		pattern  string
		wantExpr string
		wantOK   bool
	}{
		{"/^delete_.*/", "^delete_.*", true},
		{"read_file", "", false},
		{"*", "", false},
		{"/", "", false}, // a single slash is a literal, not an empty regex
		{"//", "", true},
	}

	for _, tt := range tests {
		expr, ok := RegexSource(tt.pattern)
		if ok != tt.wantOK || expr != tt.wantExpr {
			t.Errorf("RegexSource(%q) = (%q, %v), want (%q, %v)", tt.pattern, expr, ok, tt.wantExpr, tt.wantOK)
		}
	}
}

func TestParseComparison(t *testing.T) {
	tests := []struct {
		token   string
		wantOp  byte
		wantN   float64
		wantErr bool
	}{
		{">5", '>', 5, false},
		{"<10.5", '<', 10.5, false},
		{"> 3", '>', 3, false},
		{">abc", 0, 0, true},
		{">", 0, 0, true},
		{"=5", 0, 0, true},
	}

	for _, tt := range tests {
		op, n, err := ParseComparison(tt.token)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseComparison(%q) error = %v, wantErr %v", tt.token, err, tt.wantErr)
			continue
		}
		if err == nil && (op != tt.wantOp || n != tt.wantN) {
			t.Errorf("ParseComparison(%q) = (%c, %v), want (%c, %v)", tt.token, op, n, tt.wantOp, tt.wantN)
		}
	}
}

func TestTimeRange(t *testing.T) {
	tests := []struct {
		token   string
		minute  int
		want    bool
		wantErr bool
	}{
		{"09:00-17:00", 10 * 60, true, false},
		{"09:00-17:00", 8 * 60, false, false},
		{"09:00-17:00", 17 * 60, true, false}, // inclusive end
		{"22:00-06:00", 23 * 60, true, false}, // wraps midnight
		{"22:00-06:00", 3 * 60, true, false},
		{"22:00-06:00", 12 * 60, false, false},
		{"24:00-06:00", 0, false, true},
		{"09:60-10:00", 0, false, true},
	}

	for _, tt := range tests {
		tr, err := ParseTimeRange(tt.token)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseTimeRange(%q) error = %v, wantErr %v", tt.token, err, tt.wantErr)
			continue
		}
		if err != nil {
			continue
		}
		if got := tr.Contains(tt.minute); got != tt.want {
			t.Errorf("ParseTimeRange(%q).Contains(%d) = %v, want %v", tt.token, tt.minute, got, tt.want)
		}
	}
}

func TestParseClock(t *testing.T) {
	if m, err := ParseClock("14:32"); err != nil || m != 14*60+32 {
		t.Errorf("ParseClock(14:32) = (%d, %v), want (%d, nil)", m, err, 14*60+32)
	}
	for _, bad := range []string{"", "14", "25:00", "10:75", "aa:bb"} {
		if _, err := ParseClock(bad); err == nil {
			t.Errorf("ParseClock(%q): expected error, got nil", bad)
		}
	}
}

func TestRoundTrip(t *testing.T) {
	doc, err := Parse([]byte(sampleDoc))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	out, err := doc.Marshal()
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}

	reparsed, err := Parse(out)
	if err != nil {
		t.Fatalf("Parse(Marshal()) error = %v", err)
	}

	fp1, err := doc.Fingerprint()
	if err != nil {
		t.Fatalf("Fingerprint() error = %v", err)
	}
	fp2, err := reparsed.Fingerprint()
	if err != nil {
		t.Fatalf("Fingerprint() after round trip error = %v", err)
	}
	if fp1 != fp2 {
		t.Errorf("fingerprint changed across round trip: %s != %s", fp1, fp2)
	}
}
