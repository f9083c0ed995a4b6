// Package procfile parses Procfile process declarations.
package procfile

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"
)

// Entry is one declared process.
type Entry struct {
	Name    string
	Command string
}

var nameRe = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// Load reads and parses the Procfile at path.
func Load(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open procfile: %w", err)
	}
	defer f.Close()
	entries, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return entries, nil
}

// Parse reads "name: command" lines. Blank lines and # comments are
// skipped; duplicate names and malformed lines are errors.
func Parse(r io.Reader) ([]Entry, error) {
	var entries []Entry
	seen := map[string]bool{}

	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		name, command, ok := strings.Cut(line, ":")
		if !ok {
			return nil, fmt.Errorf("line %d: expected \"name: command\", got %q", lineNo, line)
		}
		name = strings.TrimSpace(name)
		command = strings.TrimSpace(command)
		if !nameRe.MatchString(name) {
			return nil, fmt.Errorf("line %d: invalid process name %q", lineNo, name)
		}
		if command == "" {
			return nil, fmt.Errorf("line %d: empty command for %q", lineNo, name)
		}
		if seen[name] {
			return nil, fmt.Errorf("line %d: duplicate process name %q", lineNo, name)
		}
		seen[name] = true
		entries = append(entries, Entry{Name: name, Command: command})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read procfile: %w", err)
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("no processes declared")
	}
	return entries, nil
}
