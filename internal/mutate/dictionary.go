package mutate

import (
	"bufio"
	"os"
	"regexp"
	"strings"
)

// quotedToken matches an AFL-style dictionary line: optional directives
// followed by a double-quoted token, e.g. `kw1="GET"`. Grounded on
// cobrafuzz's dictionary.py line_re, which the original fuzzer this was
// distilled from uses for the same file format.
var quotedToken = regexp.MustCompile(`"(.*)"\s*$`)

// LoadDictionary reads an AFL/cobrafuzz-style dictionary file: one token per
// line, double-quoted, `#`-prefixed comment lines ignored. An empty path
// yields a nil dictionary and no error, meaning "no dictionary-driven
// mutation available"; a path that cannot be opened returns the error.
func LoadDictionary(path string) ([][]byte, error) {
	if path == "" {
		return nil, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	seen := make(map[string]struct{})
	var words [][]byte

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		m := quotedToken.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		word := m[1]
		if _, ok := seen[word]; ok {
			continue
		}
		seen[word] = struct{}{}
		words = append(words, []byte(word))
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return words, nil
}
