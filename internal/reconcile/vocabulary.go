package reconcile

import (
	"fmt"
	"os"
	"quantumjobs/internal/job"

	"gopkg.in/yaml.v3"
)

// Vocabulary is the on-disk override file: canonical state to provider strings.
//
//	done: [FINISHED]
//	failed: [HARDWARE_FAULT, "Timed out"]
type Vocabulary map[job.State][]string

// LoadVocabulary reads a YAML override file. An empty path yields no overrides.
func LoadVocabulary(path string) (Vocabulary, error) {
	if path == "" {
		return nil, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read status vocabulary: %w", err)
	}
	return ParseVocabulary(b)
}

// ParseVocabulary decodes YAML override content.
func ParseVocabulary(b []byte) (Vocabulary, error) {
	var v Vocabulary
	if err := yaml.Unmarshal(b, &v); err != nil {
		return nil, fmt.Errorf("parse status vocabulary: %w", err)
	}
	return v, nil
}
