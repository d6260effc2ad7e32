package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/trobanga/gradeflow/internal/lib"
	"github.com/trobanga/gradeflow/internal/models"
)

const enhancementService = "enhancement"

// EnhancementClient calls the image enhancement service.
// Enhanced images are content-addressed under <work_dir>/enhanced.
type EnhancementClient struct {
	baseURL string
	apiKey  string
	outDir  string
	http    *HTTPClient
}

// NewEnhancementClient creates an enhancement client. Returns nil when no URL is configured.
func NewEnhancementClient(cfg models.ProjectConfig, apiKey string, logger *lib.Logger) *EnhancementClient {
	if cfg.Services.Enhancement.URL == "" {
		return nil
	}
	timeout := time.Duration(cfg.Services.Enhancement.TimeoutSeconds) * time.Second
	// A single attempt per call; the stage owns retries
	single := cfg.Retry
	single.MaxAttempts = 1
	single.PerKind = nil
	return &EnhancementClient{
		baseURL: strings.TrimRight(cfg.Services.Enhancement.URL, "/"),
		apiKey:  apiKey,
		outDir:  filepath.Join(cfg.WorkDir, "enhanced"),
		http:    NewHTTPClient(enhancementService, timeout, single, logger),
	}
}

// Enhance uploads the image and stores the enhanced copy
func (c *EnhancementClient) Enhance(ctx context.Context, image models.ImageRef) (models.ImageRef, error) {
	data, err := os.ReadFile(image.Path)
	if err != nil {
		return models.ImageRef{}, eris.Wrapf(err, "failed to read %s", image.Path)
	}

	header := http.Header{}
	if c.apiKey != "" {
		header.Set("Authorization", "Bearer "+c.apiKey)
	}
	resp, err := c.http.Post(ctx, c.baseURL+"/enhance", image.MimeType, data, header)
	if err != nil {
		return models.ImageRef{}, err
	}
	if err := CheckResponse(resp); err != nil {
		return models.ImageRef{}, ClassifyHTTPError(enhancementService, err)
	}
	defer func() { _ = resp.Body.Close() }()

	enhanced, err := io.ReadAll(resp.Body)
	if err != nil {
		return models.ImageRef{}, ClassifyHTTPError(enhancementService, eris.Wrap(err, "failed to read enhanced image"))
	}
	if len(enhanced) == 0 {
		return models.ImageRef{}, lib.ErrExternalService(enhancementService, eris.New("empty response body"))
	}

	mime := image.MimeType
	if ct := resp.Header.Get("Content-Type"); strings.HasPrefix(ct, "image/") {
		mime = strings.TrimSpace(strings.SplitN(ct, ";", 2)[0])
	}

	path, err := c.store(enhanced, extensionFor(mime, image.Path))
	if err != nil {
		return models.ImageRef{}, err
	}

	return models.ImageRef{
		Role:     image.Role,
		Index:    image.Index,
		Path:     path,
		MimeType: mime,
		Source:   image.Source,
		Enhanced: true,
	}, nil
}

// store writes data atomically under its content hash
func (c *EnhancementClient) store(data []byte, ext string) (string, error) {
	if err := os.MkdirAll(c.outDir, 0755); err != nil {
		return "", eris.Wrap(err, "failed to create enhanced image directory")
	}
	sum := sha256.Sum256(data)
	path := filepath.Join(c.outDir, hex.EncodeToString(sum[:])+ext)
	if _, err := os.Stat(path); err == nil {
		return path, nil
	}
	if err := writeFileAtomic(c.outDir, path, data); err != nil {
		return "", err
	}
	return path, nil
}

func extensionFor(mime, fallbackPath string) string {
	switch mime {
	case "image/png":
		return ".png"
	case "image/jpeg":
		return ".jpg"
	case "image/gif":
		return ".gif"
	case "image/webp":
		return ".webp"
	}
	return strings.ToLower(filepath.Ext(fallbackPath))
}
