package services

import (
	"errors"
	"io/fs"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/rotisserie/eris"

	"github.com/trobanga/gradeflow/internal/pipeline"
)

// Environment variables holding service credentials
const (
	EnvEnhancementAPIKey = "GRADEFLOW_ENHANCEMENT_API_KEY"
	EnvOpenAIAPIKey      = "OPENAI_API_KEY"
)

// credentialEnv maps credential names to the variable that holds them
var credentialEnv = map[string]string{
	pipeline.CredentialEnhancement: EnvEnhancementAPIKey,
	pipeline.CredentialOpenAI:      EnvOpenAIAPIKey,
}

// EnvCredentials reads credentials from the process environment.
// The lookup function is replaceable for tests.
type EnvCredentials struct {
	lookup func(string) (string, bool)
}

// NewEnvCredentials creates a credential provider over os.LookupEnv
func NewEnvCredentials() *EnvCredentials {
	return &EnvCredentials{lookup: os.LookupEnv}
}

// NewMapCredentials creates a credential provider over a fixed variable map
func NewMapCredentials(env map[string]string) *EnvCredentials {
	return &EnvCredentials{lookup: func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}}
}

// Has reports whether the named credential is set to a non-blank value
func (c *EnvCredentials) Has(name string) bool {
	return c.Get(name) != ""
}

// Get returns the named credential, or "" when it is not configured
func (c *EnvCredentials) Get(name string) string {
	key, ok := credentialEnv[name]
	if !ok {
		return ""
	}
	v, _ := c.lookup(key)
	return strings.TrimSpace(v)
}

// LoadDotEnv loads variables from .env files into the environment.
// Missing files are ignored; variables already set are never overwritten.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return eris.Wrapf(err, "failed to load %s", p)
		}
	}
	return nil
}
