package pipeline

import (
	"bufio"
	"os"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Labels maps class ids to names. Index 0 is the first line of the file.
type Labels []string

const maxLabelLine = 1 << 20

// LoadLabels reads one label per line, trimming whitespace, up to the first
// blank line or the end of the file. A blank path yields no labels and no error.
// On a read error the labels read so far are returned with the error.
func LoadLabels(path string) (Labels, error) {
	if strings.TrimSpace(path) == "" {
		return nil, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	labels := Labels{}
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLabelLine)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			break
		}
		labels = append(labels, line)
	}
	if err := scanner.Err(); err != nil {
		return labels, err
	}
	return labels, nil
}

func (l Labels) Len() int { return len(l) }

// Get returns label i with its first character upper-cased, or "" when i is
// out of range.
func (l Labels) Get(i int) string {
	if i < 0 || i >= len(l) {
		return ""
	}
	return capitalize(l[i])
}

func capitalize(s string) string {
	r, size := utf8.DecodeRuneInString(s)
	if r == utf8.RuneError {
		return s
	}
	return string(unicode.ToUpper(r)) + s[size:]
}
