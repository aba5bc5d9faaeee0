package secrets

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"github.com/BurntSushi/toml"
)

// ProjectAllowlistFile is read from the root of the working copy.
const ProjectAllowlistFile = ".gitleaks.toml"

// Allowlist holds path and content patterns excluded from detection.
type Allowlist struct {
	Paths   []string
	Regexes []string
}

// LoadAllowlists merges the project allowlist in dir with the operator file
// at userPath. Missing files are skipped; invalid ones are errors.
func LoadAllowlists(dir, userPath string) (*Allowlist, error) {
	merged := &Allowlist{}
	for _, path := range []string{projectFile(dir), userPath} {
		if path == "" {
			continue
		}
		a, err := loadTOML(path)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return nil, err
		}
		merged.Paths = append(merged.Paths, a.Paths...)
		merged.Regexes = append(merged.Regexes, a.Regexes...)
	}
	return merged, nil
}

func projectFile(dir string) string {
	if dir == "" {
		return ""
	}
	return filepath.Join(dir, ProjectAllowlistFile)
}

func loadTOML(path string) (*Allowlist, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}
	var doc struct {
		Allowlist struct {
			Paths   []string
			Regexes []string
		}
	}
	if _, err := toml.DecodeFile(path, &doc); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidTOML, path, err)
	}
	for _, set := range [][]string{doc.Allowlist.Paths, doc.Allowlist.Regexes} {
		for _, pattern := range set {
			if _, err := regexp.Compile(pattern); err != nil {
				return nil, fmt.Errorf("%w: %q in %s: %v", ErrInvalidRegex, pattern, path, err)
			}
		}
	}
	return &Allowlist{Paths: doc.Allowlist.Paths, Regexes: doc.Allowlist.Regexes}, nil
}
