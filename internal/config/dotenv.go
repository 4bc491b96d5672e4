package config

import (
	"bufio"
	"errors"
	"os"
	"strings"
)

// LoadDotEnv loads KEY=VALUE pairs from .env-like files. Variables already
// present in the process environment keep precedence; missing files are
// skipped silently.
func LoadDotEnv(paths ...string) error {
	for _, path := range paths {
		if strings.TrimSpace(path) == "" {
			continue
		}
		file, err := os.Open(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return err
		}

		scanner := bufio.NewScanner(file)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			line = strings.TrimPrefix(line, "export ")

			key, value, ok := strings.Cut(line, "=")
			if !ok {
				continue
			}
			key = strings.TrimSpace(key)
			if key == "" {
				continue
			}
			if _, exists := os.LookupEnv(key); exists {
				continue
			}
			_ = os.Setenv(key, unquote(strings.TrimSpace(value)))
		}
		err = scanner.Err()
		_ = file.Close()
		if err != nil {
			return err
		}
	}
	return nil
}

func unquote(value string) string {
	if len(value) < 2 {
		return value
	}
	quote := value[0]
	if (quote != '"' && quote != '\'') || value[len(value)-1] != quote {
		return value
	}
	inner := value[1 : len(value)-1]
	if quote == '"' {
		replacer := strings.NewReplacer(`\\`, `\`, `\n`, "\n", `\t`, "\t", `\"`, `"`)
		inner = replacer.Replace(inner)
	}
	return inner
}
