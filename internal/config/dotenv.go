package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"mvdan.cc/sh/v3/expand"
	"mvdan.cc/sh/v3/syntax"
)

// LoadDotenv reads KEY=value lines from path into the environment. Values
// follow shell word rules: quotes are removed and $VAR references expand
// against the environment, including keys set earlier in the file. Command
// substitution is rejected. Variables that are already set are left alone,
// and a missing file is not an error.
func LoadDotenv(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read dotenv: %w", err)
	}

	for i, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		line = strings.TrimSpace(strings.TrimPrefix(line, "export "))
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, raw, ok := strings.Cut(line, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			continue
		}
		if _, set := os.LookupEnv(key); set {
			continue
		}
		value, err := expandValue(strings.TrimSpace(raw))
		if err != nil {
			return fmt.Errorf("dotenv %s:%d: %s: %w", path, i+1, key, err)
		}
		os.Setenv(key, value)
	}
	return nil
}

func expandValue(raw string) (string, error) {
	cfg := &expand.Config{Env: expand.ListEnviron(os.Environ()...)}
	var words []string
	var expandErr error
	err := syntax.NewParser().Words(strings.NewReader(raw), func(w *syntax.Word) bool {
		s, err := expand.Literal(cfg, w)
		if err != nil {
			expandErr = err
			return false
		}
		words = append(words, s)
		return true
	})
	if err == nil {
		err = expandErr
	}
	if err != nil {
		return "", err
	}
	return strings.Join(words, " "), nil
}
