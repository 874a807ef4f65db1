package validation

import (
	"regexp"
	"strings"

	"github.com/raold/second-brain-sub001/internal/ops"
)

type securityPattern struct {
	category string
	name     string
	re       *regexp.Regexp
}

// baselineSecurityPatterns run at every level.
var baselineSecurityPatterns = []securityPattern{
	{"xss", "script_tag", regexp.MustCompile(`(?i)<\s*/?\s*script\b`)},
	{"xss", "javascript_url", regexp.MustCompile(`(?i)javascript\s*:`)},
	{"sql", "tautology", regexp.MustCompile(`(?i)['"]\s*(or|and)\s+['"]?\w+['"]?\s*=\s*['"]?\w+`)},
	{"sql", "union_select", regexp.MustCompile(`(?i)\bunion\s+(all\s+)?select\b`)},
	{"sql", "stacked_ddl", regexp.MustCompile(`(?i);\s*(drop|truncate|alter)\s+table\b`)},
}

// extendedSecurityPatterns run at paranoid level.
var extendedSecurityPatterns = []securityPattern{
	{"xss", "event_handler", regexp.MustCompile(`(?i)\bon(error|load|click|mouseover|focus|submit)\s*=`)},
	{"xss", "iframe", regexp.MustCompile(`(?i)<\s*(iframe|object|embed)\b`)},
	{"xss", "cookie_access", regexp.MustCompile(`(?i)document\s*\.\s*cookie`)},
	{"xss", "eval_call", regexp.MustCompile(`(?i)\beval\s*\(`)},
	{"xss", "data_url", regexp.MustCompile(`(?i)data\s*:\s*text/html`)},
	{"sql", "comment_terminator", regexp.MustCompile(`'\s*(--|#|/\*)`)},
	{"sql", "xp_cmdshell", regexp.MustCompile(`(?i)\bexec(ute)?\s+(master\.\.)?xp_\w+`)},
	{"sql", "time_based", regexp.MustCompile(`(?i)\b(sleep|pg_sleep|benchmark)\s*\(\s*\d+`)},
	{"sql", "delete_from", regexp.MustCompile(`(?i);\s*delete\s+from\b`)},
	{"command", "chained_shell", regexp.MustCompile(`(;|&&|\|\|)\s*(rm|curl|wget|nc|bash|sh|chmod|chown|python|perl)\b`)},
	{"command", "subshell", regexp.MustCompile(`\$\([^)]+\)`)},
	{"command", "pipe_to_shell", regexp.MustCompile(`\|\s*(ba)?sh\b`)},
	{"path", "dot_dot_slash", regexp.MustCompile(`\.\.[/\\]`)},
	{"path", "encoded_traversal", regexp.MustCompile(`(?i)%2e%2e(%2f|%5c|/|\\)`)},
	{"path", "sensitive_file", regexp.MustCompile(`(?i)/etc/(passwd|shadow)\b|\bc:\\windows\\system32`)},
}

func checkBaselineSecurity(r *Result, item ops.BatchItem) {
	text := scanText(item)

	var threats []string
	if strings.ContainsRune(text, 0) {
		threats = append(threats, "binary:nul_byte")
	}
	for _, p := range baselineSecurityPatterns {
		if p.re.MatchString(text) {
			threats = append(threats, p.category+":"+p.name)
		}
	}
	if len(threats) > 0 {
		r.set("security_baseline", threats)
		r.AddError(SeverityCritical, "content failed security check: "+strings.Join(threats, ", "))
	}
}

var (
	emailPattern = regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`)
	ssnPattern   = regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)
	cardPattern  = regexp.MustCompile(`\b(?:\d[ -]?){12,18}\d\b`)
	phonePattern = regexp.MustCompile(`(?:\+?1[-. ]?)?\(?\b\d{3}\)?[-. ]\d{3}[-. ]\d{4}\b`)
)

// detectPII returns the kinds of personal data found in text.
func detectPII(text string) []string {
	var found []string
	if emailPattern.MatchString(text) {
		found = append(found, "email")
	}
	if ssnPattern.MatchString(text) {
		found = append(found, "ssn")
	}
	for _, m := range cardPattern.FindAllString(text, -1) {
		if luhnValid(m) {
			found = append(found, "credit_card")
			break
		}
	}
	if phonePattern.MatchString(text) {
		found = append(found, "phone")
	}
	return found
}

// luhnValid reports whether the digits in s pass the Luhn checksum.
func luhnValid(s string) bool {
	var digits []int
	for _, c := range s {
		if c >= '0' && c <= '9' {
			digits = append(digits, int(c-'0'))
		}
	}
	if len(digits) < 13 || len(digits) > 19 {
		return false
	}
	sum := 0
	double := false
	for i := len(digits) - 1; i >= 0; i-- {
		d := digits[i]
		if double {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		double = !double
	}
	return sum%10 == 0
}
