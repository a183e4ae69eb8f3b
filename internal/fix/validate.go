package fix

import (
	"encoding/json"
	"errors"
	"fmt"
	"go/parser"
	"go/token"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// PostValidator syntax-checks changed files before their backups are
// discarded. Files with other extensions pass unchecked.
type PostValidator struct{}

// Validate checks every path; all failures are joined into one error.
func (PostValidator) Validate(paths []string) error {
	var errs []error
	for _, p := range paths {
		if err := validateFile(p); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", filepath.Base(p), err))
		}
	}
	return errors.Join(errs...)
}

func validateFile(path string) error {
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".go", ".json", ".yaml", ".yml":
	default:
		return nil
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil // deleted by the fix
	}
	if err != nil {
		return err
	}

	switch ext {
	case ".go":
		_, err = parser.ParseFile(token.NewFileSet(), path, data, parser.AllErrors)
		return err
	case ".json":
		if !json.Valid(data) {
			return errors.New("invalid JSON")
		}
	default:
		var v any
		return yaml.Unmarshal(data, &v)
	}
	return nil
}
