package amf

// SnakeCase rewrites an inbound wire property name for hosts using
// snake_case: every ASCII uppercase letter X becomes _x. Non-ASCII
// bytes pass through unchanged.
func SnakeCase(s string) string {
	out := make([]byte, 0, len(s)*2)
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c >= 'A' && c <= 'Z' {
			out = append(out, '_', c+('a'-'A'))
		} else {
			out = append(out, c)
		}
	}
	return string(out)
}

// CamelCase rewrites an outbound property name for the wire: each
// underscore is dropped and the following ASCII letter uppercased.
// Non-ASCII bytes pass through unchanged.
func CamelCase(s string) string {
	out := make([]byte, 0, len(s))
	up := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == '_' {
			up = true
			continue
		}
		if up {
			up = false
			if c >= 'a' && c <= 'z' {
				c -= 'a' - 'A'
			}
		}
		out = append(out, c)
	}
	return string(out)
}
