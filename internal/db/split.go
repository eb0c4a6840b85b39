package db

import "strings"

// SplitStatements breaks a script on semicolons that are outside quotes
// and comments, so providers do not need multi-statement support.
// Statements made only of comments are dropped.
func SplitStatements(sqlText string) []string {
	var (
		out          []string
		current      strings.Builder
		inSingle     bool
		inDouble     bool
		inBacktick   bool
		lineComment  bool
		blockComment bool
		hasCode      bool
	)

	flush := func() {
		stmt := strings.TrimSpace(current.String())
		if stmt != "" && hasCode {
			out = append(out, stmt)
		}
		current.Reset()
		hasCode = false
	}

	runes := []rune(sqlText)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		next := rune(0)
		if i+1 < len(runes) {
			next = runes[i+1]
		}
		switch {
		case lineComment:
			if r == '\n' {
				lineComment = false
			}
		case blockComment:
			if r == '*' && next == '/' {
				blockComment = false
				current.WriteRune(r)
				r = next
				i++
			}
		case inSingle:
			if r == '\'' {
				inSingle = false
			}
		case inDouble:
			if r == '"' {
				inDouble = false
			}
		case inBacktick:
			if r == '`' {
				inBacktick = false
			}
		case r == '-' && next == '-':
			lineComment = true
		case r == '/' && next == '*':
			blockComment = true
		case r == '\'':
			inSingle, hasCode = true, true
		case r == '"':
			inDouble, hasCode = true, true
		case r == '`':
			inBacktick, hasCode = true, true
		case r == ';':
			flush()
			continue
		default:
			if !isSpace(r) {
				hasCode = true
			}
		}
		current.WriteRune(r)
	}
	flush()
	return out
}

func isSpace(r rune) bool {
	return r == ' ' || r == '\t' || r == '\n' || r == '\r'
}
