package graph

// ExtractFunc returns the dependency specifiers referenced by a transformed
// module, in source order.
type ExtractFunc func(m *Module) ([]string, error)

// ExtractRequires is the default ExtractFunc. It scans transformed code for
// require("x"), import("x"), import "x" and import/export ... from "x",
// skipping comments and unrelated string literals.
func ExtractRequires(m *Module) ([]string, error) {
	return scanSpecifiers(m.Code), nil
}

func scanSpecifiers(code []byte) []string {
	var (
		specs []string
		seen  = map[string]bool{}
		// last three significant tokens, most recent first
		t1, t2, t3 string
	)

	push := func(tok string) {
		t3, t2, t1 = t2, t1, tok
	}

	n := len(code)
	for i := 0; i < n; {
		c := code[i]

		switch {
		case c == '/' && i+1 < n && code[i+1] == '/':
			for i < n && code[i] != '\n' {
				i++
			}

		case c == '/' && i+1 < n && code[i+1] == '*':
			i += 2
			for i+1 < n && !(code[i] == '*' && code[i+1] == '/') {
				i++
			}
			i += 2

		case c == '/' && regexAllowed(t1):
			i = skipRegex(code, i)
			push("<regex>")

		case c == '\'' || c == '"' || c == '`':
			start := i + 1
			i = start
			for i < n && code[i] != c {
				if code[i] == '\\' {
					i++
				}
				i++
			}
			lit := string(code[start:min(i, n)])
			i++

			if c != '`' && isSpecifierPosition(t1, t2, t3) && !seen[lit] {
				seen[lit] = true
				specs = append(specs, lit)
			}
			push("<string>")

		case isIdentByte(c):
			start := i
			for i < n && isIdentByte(code[i]) {
				i++
			}
			push(string(code[start:i]))

		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++

		default:
			push(string(c))
			i++
		}
	}

	return specs
}

// regexAllowed reports whether a slash after tok starts a regular expression
// literal rather than a division
func regexAllowed(tok string) bool {
	switch tok {
	case "":
		return true
	case "<string>", "<regex>", ")", "]":
		return false
	case "return", "typeof", "instanceof", "in", "of", "new", "delete", "void",
		"throw", "case", "do", "else", "yield", "await":
		return true
	}
	return !isIdentByte(tok[0])
}

// skipRegex returns the offset just past the regular expression literal
// starting at i, including its flags
func skipRegex(code []byte, i int) int {
	n := len(code)
	inClass := false
	for i++; i < n; i++ {
		switch c := code[i]; {
		case c == '\\':
			i++
		case c == '\n':
			return i
		case inClass:
			inClass = c != ']'
		case c == '[':
			inClass = true
		case c == '/':
			i++
			for i < n && isIdentByte(code[i]) {
				i++
			}
			return i
		}
	}
	return i
}

func isSpecifierPosition(t1, t2, t3 string) bool {
	switch {
	case t1 == "(" && (t2 == "require" || t2 == "import"):
		return t3 != "."
	case t1 == "from":
		return true
	case t1 == "import":
		return t2 != "."
	}
	return false
}

func isIdentByte(c byte) bool {
	return c == '_' || c == '$' ||
		(c >= 'a' && c <= 'z') ||
		(c >= 'A' && c <= 'Z') ||
		(c >= '0' && c <= '9') ||
		c >= 0x80
}
