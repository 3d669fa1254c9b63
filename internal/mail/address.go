package mail

import (
	netmail "net/mail"
	"strings"
)

// NormalizeAddress reduces an address header value to a bare lowercase
// address. It parses RFC 5322 forms like `"Name" <User@Example.COM>` and,
// for list values, returns the first parsable address. Returns "" when
// nothing parses.
func NormalizeAddress(header string) string {
	if header == "" {
		return ""
	}
	addr, err := netmail.ParseAddress(header)
	if err != nil || addr == nil {
		// Header may be a list; fall back to the first valid entry.
		for _, p := range strings.Split(header, ",") {
			a, e := netmail.ParseAddress(strings.TrimSpace(p))
			if e == nil && a != nil {
				addr = a
				break
			}
		}
		if addr == nil {
			// Not RFC 5322 at all. Keep a lowercased bare token so
			// comparisons stay stable for sloppy provider values.
			return strings.ToLower(strings.TrimSpace(header))
		}
	}
	return strings.ToLower(strings.TrimSpace(addr.Address))
}
