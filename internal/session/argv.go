package session

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/orchestrator/devchain/internal/orcherr"
)

var controlCharRE = regexp.MustCompile(`[\x00-\x08\x0b-\x1f\x7f]`)

// ParseOptions splits a provider's option string into a POSIX-like
// argv list: whitespace-separated, with single and double quoting for
// embedded spaces and backslash escaping inside double quotes. Control
// characters and raw newlines are rejected outright (spec §4.7 step 3),
// since they have no safe representation once passed to tmux as the
// session's command line.
func ParseOptions(options string) ([]string, error) {
	if strings.ContainsAny(options, "\n\r") || controlCharRE.MatchString(options) {
		return nil, orcherr.NewValidation("options", "option string contains a newline or control character")
	}

	var argv []string
	var cur strings.Builder
	hasCur := false
	inSingle, inDouble := false, false

	for i := 0; i < len(options); i++ {
		c := options[i]
		switch {
		case inSingle:
			if c == '\'' {
				inSingle = false
			} else {
				cur.WriteByte(c)
			}
		case inDouble:
			if c == '"' {
				inDouble = false
			} else if c == '\\' && i+1 < len(options) && (options[i+1] == '"' || options[i+1] == '\\') {
				i++
				cur.WriteByte(options[i])
			} else {
				cur.WriteByte(c)
			}
		case c == '\'':
			inSingle, hasCur = true, true
		case c == '"':
			inDouble, hasCur = true, true
		case c == ' ' || c == '\t':
			if hasCur {
				argv = append(argv, cur.String())
				cur.Reset()
				hasCur = false
			}
		default:
			cur.WriteByte(c)
			hasCur = true
		}
	}
	if inSingle || inDouble {
		return nil, orcherr.NewValidation("options", "unterminated quote in option string")
	}
	if hasCur {
		argv = append(argv, cur.String())
	}
	return argv, nil
}

// sessionSlug builds the deterministic session name described in spec
// §4.7 step 6 from a project name, an epic slug (or "independent"), an
// agent id, and a generated session id.
func sessionSlug(projectName, epicSlug, agentID, sessionID string) string {
	parts := []string{slugify(projectName), slugify(epicSlug), slugify(agentID), slugify(sessionID)}
	return strings.Join(parts, "-")
}

var nonSlugRE = regexp.MustCompile(`[^a-z0-9]+`)

func slugify(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = nonSlugRE.ReplaceAllString(s, "-")
	s = strings.Trim(s, "-")
	if s == "" {
		return "x"
	}
	return s
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// formatPrompt substitutes the project/agent/epic template variables
// spec §4.7 step 9 names, leaving unknown placeholders untouched.
func formatPrompt(template string, vars map[string]string) string {
	out := template
	for k, v := range vars {
		out = strings.ReplaceAll(out, fmt.Sprintf("{%s}", k), v)
	}
	return out
}
