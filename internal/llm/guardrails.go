package llm

import "regexp"

// dangerousPatternDefs flags destructive shell commands so a generated
// runbook step is marked escalate-only instead of presented as safe to run.
var dangerousPatternDefs = []string{
	`rm\s+(-[a-zA-Z]*)?r[a-zA-Z]*f\s+/`,
	`rm\s+(-[a-zA-Z]*)?f[a-zA-Z]*r\s+/`,
	`\bmkfs\b`,
	`\bfdisk\b`,
	`\bdd\s+if=/dev/(?:zero|urandom)\b`,
	`chmod\s+777\s+/`,
	`chmod\s+(-[a-zA-Z]*)?R\s+777\b`,
	`curl\s+.*\|\s*(?:ba)?sh`,
	`wget\s+.*\|\s*(?:ba)?sh`,
	`(?i)\bDROP\s+(?:TABLE|DATABASE)\b`,
	`(?i)\bTRUNCATE\b`,
	`/etc/shadow`,
	`\bnc\s+.*-[a-zA-Z]*e\s+/bin/`,
	`/dev/tcp/`,
	`\b(?:shutdown|reboot|halt|poweroff)\b.*-[a-zA-Z]*f\b`,
	`>\s*/dev/sd[a-z]\b`,
}

var dangerousPatterns = compileDangerousPatterns()

func compileDangerousPatterns() []*regexp.Regexp {
	out := make([]*regexp.Regexp, 0, len(dangerousPatternDefs))
	for _, p := range dangerousPatternDefs {
		out = append(out, regexp.MustCompile(p))
	}
	return out
}

// checkDangerous scans a runbook step's command for a destructive pattern,
// returning the matched pattern's source text, or "" if the step is clean.
func checkDangerous(command string) string {
	for _, p := range dangerousPatterns {
		if p.MatchString(command) {
			return p.String()
		}
	}
	return ""
}
