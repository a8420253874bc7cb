package smtpconn

import (
	"strings"
)

// Extensions maps the EHLO keywords advertised by the server, upper-cased,
// to their parameter text. STARTTLS maps to "", SIZE to e.g. "35882577".
type Extensions map[string]string

// Has reports whether name was advertised. The name is case-insensitive.
func (e Extensions) Has(name string) bool {
	_, ok := e[strings.ToUpper(name)]
	return ok
}

// Param returns the parameter text of name, or "" if it wasn't advertised.
func (e Extensions) Param(name string) string {
	return e[strings.ToUpper(name)]
}

// validKeyword reports whether s is an RFC 5321 ehlo-keyword:
// (ALPHA / DIGIT) *(ALPHA / DIGIT / "-").
func validKeyword(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case 'a' <= c && c <= 'z', 'A' <= c && c <= 'Z', '0' <= c && c <= '9':
		case c == '-' && i > 0:
		default:
			return false
		}
	}
	return true
}

// parseEHLO parses the lines of a 250 EHLO reply. The first line is the
// server greeting and is ignored. Lines that aren't "<keyword> [params]" are
// returned in skipped. The AUTH mechanisms are returned in server order.
//
// The pre-RFC 2554 form "AUTH=<mech> ..." is read as AUTH unless a proper
// AUTH line is also present.
func parseEHLO(lines []string) (ext Extensions, auth []string, skipped []string) {
	ext = make(Extensions)
	if len(lines) < 2 {
		return ext, nil, nil
	}
	legacyAuth := false
	for _, line := range lines[1:] {
		fields := strings.Fields(line)
		if len(fields) > 0 && len(fields[0]) > 5 && strings.EqualFold(fields[0][:5], "AUTH=") {
			if _, ok := ext["AUTH"]; ok && !legacyAuth {
				continue
			}
			mechs := append([]string{fields[0][5:]}, fields[1:]...)
			ext["AUTH"] = strings.Join(mechs, " ")
			auth = mechs
			legacyAuth = true
			continue
		}
		if len(fields) == 0 || !validKeyword(fields[0]) {
			skipped = append(skipped, line)
			continue
		}
		name := strings.ToUpper(fields[0])
		ext[name] = strings.Join(fields[1:], " ")
		if name == "AUTH" {
			auth = append([]string(nil), fields[1:]...)
			legacyAuth = false
		}
	}
	return ext, auth, skipped
}
