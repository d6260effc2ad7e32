package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/trobanga/gradeflow/internal/lib"
	"github.com/trobanga/gradeflow/internal/models"
)

// sniffLen is the number of bytes http.DetectContentType looks at
const sniffLen = 512

// documentTypes lists the accepted extension/content combinations for question and answer files
var documentTypes = map[string]string{
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".gif":  "image/gif",
	".webp": "image/webp",
	".pdf":  "application/pdf",
}

// rubricTextTypes are rubric extensions that must sniff as text
var rubricTextTypes = map[string]bool{
	".json": true,
	".yaml": true,
	".yml":  true,
	".txt":  true,
	".md":   true,
}

// ValidateStage checks every input file and records normalized metadata
type ValidateStage struct {
	maxFileSize int64
}

// NewValidateStage creates the Validate stage with a per-file size limit in bytes
func NewValidateStage(maxFileSize int64) *ValidateStage {
	return &ValidateStage{maxFileSize: maxFileSize}
}

func (s *ValidateStage) Name() models.StageName { return models.StageValidate }

func (s *ValidateStage) IsApplicable(models.PipelineState) bool { return true }

func (s *ValidateStage) Execute(ctx context.Context, state models.PipelineState) StageResult {
	if err := state.Config.Validate(); err != nil {
		return Failed(lib.ErrValidation("invalid task config", err))
	}
	if err := state.Inputs.Validate(); err != nil {
		return Failed(lib.ErrValidation("invalid task inputs", err))
	}

	files := state.Inputs.Files()
	validated := make([]models.ValidatedFile, 0, len(files))
	for _, rf := range files {
		if err := ctx.Err(); err != nil {
			return Failed(lib.ClassifyError(err))
		}
		vf, err := s.inspect(rf)
		if err != nil {
			return Failed(err)
		}
		validated = append(validated, vf)
	}

	if state.TaskID == "" {
		state.TaskID = models.NewTaskID()
	}
	state.Artifacts.ValidatedFiles = &models.ValidatedFiles{Files: validated}
	return Succeeded(state)
}

// inspect stats, sniffs and hashes one file
func (s *ValidateStage) inspect(rf models.RoleFile) (models.ValidatedFile, *lib.StageError) {
	path := rf.Ref.Path
	name := filepath.Base(path)

	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return models.ValidatedFile{}, lib.ErrValidation(fmt.Sprintf("%s file not found: %s", rf.Role, path), err)
		}
		return models.ValidatedFile{}, lib.ErrValidation(fmt.Sprintf("cannot access %s file %s", rf.Role, path), err)
	}
	if info.IsDir() {
		return models.ValidatedFile{}, lib.ErrValidation(fmt.Sprintf("%s path is a directory: %s", rf.Role, path), nil)
	}
	if info.Size() == 0 {
		return models.ValidatedFile{}, lib.ErrValidation(fmt.Sprintf("%s file is empty: %s", rf.Role, name), nil)
	}
	if s.maxFileSize > 0 && info.Size() > s.maxFileSize {
		return models.ValidatedFile{}, lib.ErrValidation(
			fmt.Sprintf("%s file %s is %d bytes, limit is %d", rf.Role, name, info.Size(), s.maxFileSize), nil)
	}

	f, err := os.Open(path)
	if err != nil {
		return models.ValidatedFile{}, lib.ErrValidation(fmt.Sprintf("%s file is not readable: %s", rf.Role, path), err)
	}
	defer func() { _ = f.Close() }()

	head := make([]byte, sniffLen)
	n, err := io.ReadFull(f, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return models.ValidatedFile{}, lib.ErrValidation(fmt.Sprintf("failed to read %s", path), err)
	}
	head = head[:n]

	h := sha256.New()
	h.Write(head)
	if _, err := io.Copy(h, f); err != nil {
		return models.ValidatedFile{}, lib.ErrValidation(fmt.Sprintf("failed to read %s", path), err)
	}

	ext := strings.ToLower(filepath.Ext(name))
	mime := http.DetectContentType(head)
	if err := checkType(rf.Role, ext, mime); err != nil {
		return models.ValidatedFile{}, lib.ErrValidation(fmt.Sprintf("unsupported %s file %s", rf.Role, name), err)
	}

	return models.ValidatedFile{
		Role:     rf.Role,
		Index:    rf.Index,
		Path:     path,
		Name:     name,
		Ext:      ext,
		MimeType: baseMime(mime),
		Size:     info.Size(),
		Readable: true,
		SHA256:   hex.EncodeToString(h.Sum(nil)),
	}, nil
}

// checkType enforces the extension/content combinations allowed per role
func checkType(role models.FileRole, ext, mime string) error {
	base := baseMime(mime)

	if want, ok := documentTypes[ext]; ok {
		if base != want {
			return fmt.Errorf("extension %s does not match content type %s", ext, base)
		}
		return nil
	}

	if role == models.RoleRubric && rubricTextTypes[ext] {
		if !strings.HasPrefix(base, "text/") {
			return fmt.Errorf("rubric %s file does not contain text (detected %s)", ext, base)
		}
		return nil
	}

	if ext == "" {
		return fmt.Errorf("file has no extension")
	}
	return fmt.Errorf("extension %s is not supported for %s files", ext, role)
}

func baseMime(mime string) string {
	if i := strings.IndexByte(mime, ';'); i >= 0 {
		mime = mime[:i]
	}
	return strings.TrimSpace(mime)
}
