package finding

import "testing"

func TestNormalizeSeverity(t *testing.T) {
	tests := []struct {
		name       string
		token      string
		wantLevel  Level
		wantReason bool
	}{
		{"critical", "Critical", LevelCritical, false},
		{"severe alias", "severe", LevelCritical, false},
		{"high", "HIGH", LevelHigh, false},
		{"medium", "medium", LevelMedium, false},
		{"warning alias", "warning", LevelMedium, false},
		{"low", "Low", LevelLow, false},
		{"info", "info", LevelInfo, false},
		{"note alias", "note", LevelInfo, false},
		{"unknown token", "weird", LevelMedium, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			level, reason := NormalizeSeverity(tt.token)
			if level != tt.wantLevel {
				t.Errorf("NormalizeSeverity(%q) level = %v, want %v", tt.token, level, tt.wantLevel)
			}
			if tt.wantReason && reason == "" {
				t.Errorf("NormalizeSeverity(%q) expected a diagnostic reason, got none", tt.token)
			}
			if tt.wantReason {
				const want = "severity unmapped"
				if !contains(reason, want) {
					t.Errorf("NormalizeSeverity(%q) reason = %q, want substring %q", tt.token, reason, want)
				}
			}
		})
	}
}

func TestExtractCWE(t *testing.T) {
	tests := []struct {
		name     string
		metadata string
		want     int
	}{
		{"hyphen form", "rule tags CWE-89 sql injection", 89},
		{"underscore form", "CWE_79 xss", 79},
		{"space form", "CWE 22 path traversal", 22},
		{"no match", "no cwe reference here", 0},
		{"first match wins", "CWE-79 and also CWE-89", 79},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ExtractCWE(tt.metadata); got != tt.want {
				t.Errorf("ExtractCWE(%q) = %d, want %d", tt.metadata, got, tt.want)
			}
		})
	}
}

func TestComputeFindingID_StableAcrossReruns(t *testing.T) {
	loc := Location{FilePath: "./app/db.py", LineStart: 42, CodeSnippet: "cursor.execute(query)  "}

	first := ComputeFindingID("semgrep", "sql-injection", loc)
	second := ComputeFindingID("semgrep", "sql-injection", loc)

	if first != second {
		t.Fatalf("ComputeFindingID is not stable: %q != %q", first, second)
	}

	loc2 := loc
	loc2.FilePath = "app/db.py" // equivalent after canonicalization
	loc2.CodeSnippet = "cursor.execute(query)"
	if got := ComputeFindingID("semgrep", "sql-injection", loc2); got != first {
		t.Fatalf("ComputeFindingID should be stable under path/whitespace canonicalization: %q != %q", got, first)
	}
}

func contains(haystack, needle string) bool {
	return len(haystack) >= len(needle) && (haystack == needle || indexOf(haystack, needle) >= 0)
}

func indexOf(haystack, needle string) int {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			return i
		}
	}
	return -1
}
