package tasks

import (
	"bytes"
	"errors"
	"fmt"

	"gopkg.in/yaml.v3"
)

var (
	errMissingFrontmatter   = errors.New("task file has no frontmatter")
	errMalformedFrontmatter = errors.New("task frontmatter is not terminated")
)

func parseTaskFile(content []byte) (*Task, error) {
	normalized := bytes.ReplaceAll(content, []byte("\r\n"), []byte("\n"))
	if !bytes.HasPrefix(normalized, []byte("---\n")) {
		return nil, errMissingFrontmatter
	}
	rest := normalized[4:]
	var meta, body []byte
	if bytes.HasPrefix(rest, []byte("---\n")) {
		body = rest[4:]
	} else {
		parts := bytes.SplitN(rest, []byte("\n---\n"), 2)
		if len(parts) < 2 {
			return nil, errMalformedFrontmatter
		}
		meta, body = parts[0], parts[1]
	}

	var t Task
	if err := yaml.Unmarshal(meta, &t); err != nil {
		return nil, fmt.Errorf("parse task frontmatter: %w", err)
	}
	t.Description = string(bytes.TrimSpace(body))
	return &t, nil
}

func renderTaskFile(t *Task) ([]byte, error) {
	data, err := yaml.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("encode task frontmatter: %w", err)
	}
	var buf bytes.Buffer
	buf.WriteString("---\n")
	buf.Write(bytes.TrimRight(data, "\n"))
	buf.WriteString("\n---\n\n")
	if t.Description != "" {
		buf.WriteString(t.Description)
		buf.WriteString("\n")
	}
	return buf.Bytes(), nil
}
