package store

import (
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// Diff renders a line diff between two versions of a prompt. Removed lines
// are prefixed with "-", added lines with "+" and unchanged lines with " ".
func (s *Store) Diff(name string, from, to int) (string, error) {
	record, err := s.Get(name)
	if err != nil {
		return "", err
	}
	a, err := findVersion(record, from)
	if err != nil {
		return "", err
	}
	b, err := findVersion(record, to)
	if err != nil {
		return "", err
	}
	return LineDiff(a.Text, b.Text), nil
}

// LineDiff compares two texts line by line.
func LineDiff(a, b string) string {
	dmp := diffmatchpatch.New()
	chars1, chars2, lines := dmp.DiffLinesToChars(a, b)
	diffs := dmp.DiffCharsToLines(dmp.DiffMain(chars1, chars2, false), lines)

	var out strings.Builder
	for _, d := range diffs {
		prefix := " "
		switch d.Type {
		case diffmatchpatch.DiffDelete:
			prefix = "-"
		case diffmatchpatch.DiffInsert:
			prefix = "+"
		}
		for _, line := range strings.SplitAfter(d.Text, "\n") {
			if line == "" {
				continue
			}
			out.WriteString(prefix)
			out.WriteString(line)
			if !strings.HasSuffix(line, "\n") {
				out.WriteString("\n")
			}
		}
	}
	return out.String()
}
