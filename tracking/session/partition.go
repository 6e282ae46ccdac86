package session

import (
	"fmt"
	"regexp"
)

var codePattern = regexp.MustCompile(`^[A-Za-z0-9_]{1,32}$`)

// validCode reports whether code can be embedded in a table name.
func validCode(code string) bool {
	return codePattern.MatchString(code)
}

// positionsTable returns the per-session table name for code. Callers must
// check validCode first.
func positionsTable(code string) string {
	return fmt.Sprintf("positions_%s", code)
}
