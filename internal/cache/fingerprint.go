package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/trobanga/gradeflow/internal/models"
)

// fingerprintDoc is the canonical form hashed into a fingerprint.
// Struct field order fixes the JSON key order. File paths are not part of it,
// only content hashes in input order.
type fingerprintDoc struct {
	Version   int               `json:"v"`
	Questions []string          `json:"questions"`
	Answers   []string          `json:"answers"`
	Rubrics   []string          `json:"rubrics"`
	Config    models.TaskConfig `json:"config"`
}

const fingerprintVersion = 1

// ErrFileTooLarge is returned when an input exceeds the fingerprint size limit
var ErrFileTooLarge = errors.New("file exceeds size limit")

// Fingerprint hashes the content of every input file together with the task config
func Fingerprint(inputs models.TaskInputs, config models.TaskConfig) (string, error) {
	return FingerprintLimited(inputs, config, 0)
}

// FingerprintLimited is Fingerprint with a per-file size limit checked before
// any file is read. maxBytes <= 0 disables the limit.
func FingerprintLimited(inputs models.TaskInputs, config models.TaskConfig, maxBytes int64) (string, error) {
	files := inputs.Files()
	if maxBytes > 0 {
		for _, f := range files {
			info, err := os.Stat(f.Ref.Path)
			if err != nil {
				return "", err
			}
			if info.Size() > maxBytes {
				return "", fmt.Errorf("%w: %s is %d bytes", ErrFileTooLarge, f.Ref.Path, info.Size())
			}
		}
	}

	questions, err := hashFiles(inputs.Questions)
	if err != nil {
		return "", err
	}
	answers, err := hashFiles(inputs.Answers)
	if err != nil {
		return "", err
	}
	rubrics, err := hashFiles(inputs.Rubrics)
	if err != nil {
		return "", err
	}
	return FingerprintHashes(questions, answers, rubrics, config)
}

// FingerprintHashes builds a fingerprint from precomputed per-file content hashes
func FingerprintHashes(questions, answers, rubrics []string, config models.TaskConfig) (string, error) {
	doc := fingerprintDoc{
		Version:   fingerprintVersion,
		Questions: nonNil(questions),
		Answers:   nonNil(answers),
		Rubrics:   nonNil(rubrics),
		Config:    config,
	}
	canonical, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("failed to encode fingerprint document: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// HashFile returns the hex SHA-256 of a file's content
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer func() { _ = f.Close() }()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("failed to hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func hashFiles(refs []models.FileRef) ([]string, error) {
	hashes := make([]string, 0, len(refs))
	for _, ref := range refs {
		sum, err := HashFile(ref.Path)
		if err != nil {
			return nil, err
		}
		hashes = append(hashes, sum)
	}
	return hashes, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
