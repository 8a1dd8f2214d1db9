package policy

// Shell metacharacter sequences that let one argument smuggle in a second
// command, a substitution or a redirect. Longer sequences come first so
// "&&" is reported instead of "&".
var injectionPatterns = []string{
	"`",
	"$(",
	"${",
	"<(",
	">>",
	">",
	"&&",
	"||",
	"|",
	";",
	"&",
	"\n",
}

// ContainsInjection reports whether raw holds any injection pattern.
func ContainsInjection(raw string) bool {
	_, found := DetectInjection(raw)
	return found
}

// DetectInjection scans raw exactly as received and returns the first
// pattern found. A backslash only neutralises the chaining characters
// | ; and &; substitutions and redirects are flagged unconditionally.
func DetectInjection(raw string) (pattern string, found bool) {
	for i := 0; i < len(raw); i++ {
		c := raw[i]
		if c == '\\' && i+1 < len(raw) {
			switch raw[i+1] {
			case '|', ';', '&', '\\':
				i++
				continue
			}
			continue
		}
		for _, p := range injectionPatterns {
			if hasPrefixAt(raw, i, p) {
				if p == "\n" {
					return "newline", true
				}
				return p, true
			}
		}
		if c == '\r' {
			return "newline", true
		}
	}
	return "", false
}

func hasPrefixAt(s string, i int, p string) bool {
	return len(s)-i >= len(p) && s[i:i+len(p)] == p
}
