package cli

import (
	"errors"
	"regexp"
	"strings"
)

// ValidateInput checks CLI-supplied strings (bot names, pair symbols, config
// paths) for injection and traversal patterns before they reach a shell,
// SQL statement, or filesystem call.
func ValidateInput(input string) error {
	// Check for command injection patterns
	if strings.Contains(input, ";") || strings.Contains(input, "&&") || strings.Contains(input, "||") {
		return errors.New("potentially malicious input detected")
	}

	// Check for path traversal
	if strings.Contains(input, "../") || strings.Contains(input, "..\\") {
		return errors.New("potentially malicious input detected")
	}

	// Check for SQL injection patterns (more specific)
	sqlPattern := regexp.MustCompile(`['"]\s*;\s*|\b(DROP|DELETE|UPDATE|INSERT)\b`)
	if sqlPattern.MatchString(strings.ToUpper(input)) {
		return errors.New("potentially malicious input detected")
	}

	// Additional checks can be added here

	return nil
}
