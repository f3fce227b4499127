package settings

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

const (
	SecretAnthropicAPIKey = "anthropic_api_key"
	SecretOpenAIAPIKey    = "openai_api_key"
	SecretTurnstileSecret = "turnstile_secret_key"
	SecretKnowledgeToken  = "aisearch_api_token"
)

const (
	currentSchemaVersion   = 1
	secretsFilePermissions = 0o600
)

// envOverrides maps each known secret to the environment variable that takes precedence
// over the file.
var envOverrides = map[string]string{
	SecretAnthropicAPIKey: "ANTHROPIC_API_KEY",
	SecretOpenAIAPIKey:    "OPENAI_API_KEY",
	SecretTurnstileSecret: "TURNSTILE_SECRET_KEY",
	SecretKnowledgeToken:  "AISEARCH_API_TOKEN",
}

// KnownSecrets returns the accepted secret names in stable order.
func KnownSecrets() []string {
	out := make([]string, 0, len(envOverrides))
	for k := range envOverrides {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// EnvVar returns the environment override for a secret name.
func EnvVar(name string) string { return envOverrides[strings.TrimSpace(name)] }

// SecretsStore persists provider credentials to a local 0600 file.
//
// It is separate from the config file so the config can be shared and versioned. Secret
// values are never logged; callers only see "set" status outside of Resolve.
type SecretsStore struct {
	path   string
	mu     sync.Mutex
	getenv func(string) string
}

func NewSecretsStore(path string) *SecretsStore {
	return &SecretsStore{path: filepath.Clean(strings.TrimSpace(path)), getenv: os.Getenv}
}

func (s *SecretsStore) Path() string {
	if s == nil {
		return ""
	}
	return strings.TrimSpace(s.path)
}

type secretsFile struct {
	SchemaVersion int               `json:"schema_version"`
	Values        map[string]string `json:"values,omitempty"`
}

func validName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", errors.New("missing secret name")
	}
	if _, ok := envOverrides[name]; !ok {
		return "", fmt.Errorf("unknown secret %q", name)
	}
	return name, nil
}

// Get returns the stored value, ignoring environment overrides.
func (s *SecretsStore) Get(name string) (string, bool, error) {
	if s == nil {
		return "", false, errors.New("nil secrets store")
	}
	name, err := validName(name)
	if err != nil {
		return "", false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	sf, err := s.loadLocked()
	if err != nil {
		return "", false, err
	}
	v := strings.TrimSpace(sf.Values[name])
	return v, v != "", nil
}

// Resolve returns the environment override when set, else the stored value.
func (s *SecretsStore) Resolve(name string) (string, bool, error) {
	if s == nil {
		return "", false, errors.New("nil secrets store")
	}
	name, err := validName(name)
	if err != nil {
		return "", false, err
	}
	getenv := s.getenv
	if getenv == nil {
		getenv = os.Getenv
	}
	if v := strings.TrimSpace(getenv(envOverrides[name])); v != "" {
		return v, true, nil
	}
	return s.Get(name)
}

func (s *SecretsStore) Set(name string, value string) error {
	value = strings.TrimSpace(value)
	if value == "" {
		return errors.New("missing secret value")
	}
	return s.ApplyPatches([]SecretPatch{{Name: name, Value: &value}})
}

func (s *SecretsStore) Clear(name string) error {
	return s.ApplyPatches([]SecretPatch{{Name: name, Value: nil}})
}

type SecretPatch struct {
	Name string
	// Value is the new value to set. If nil, the secret is cleared.
	Value *string
}

func (s *SecretsStore) ApplyPatches(patches []SecretPatch) error {
	if s == nil {
		return errors.New("nil secrets store")
	}
	if len(patches) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sf, err := s.loadLocked()
	if err != nil {
		return err
	}
	if sf.Values == nil {
		sf.Values = make(map[string]string)
	}

	for i := range patches {
		p := patches[i]
		name, err := validName(p.Name)
		if err != nil {
			return err
		}
		if p.Value == nil {
			delete(sf.Values, name)
			continue
		}
		v := strings.TrimSpace(*p.Value)
		if v == "" {
			return errors.New("missing secret value")
		}
		sf.Values[name] = v
	}

	if len(sf.Values) == 0 {
		sf.Values = nil
	}
	return s.saveLocked(sf)
}

// Status reports which known secrets resolve to a value, counting environment overrides.
func (s *SecretsStore) Status() (map[string]bool, error) {
	if s == nil {
		return nil, errors.New("nil secrets store")
	}
	out := make(map[string]bool, len(envOverrides))
	for _, name := range KnownSecrets() {
		_, ok, err := s.Resolve(name)
		if err != nil {
			return nil, err
		}
		out[name] = ok
	}
	return out, nil
}

func (s *SecretsStore) loadLocked() (*secretsFile, error) {
	path := strings.TrimSpace(s.path)
	if path == "" || path == "." {
		return nil, errors.New("missing secrets path")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &secretsFile{SchemaVersion: currentSchemaVersion}, nil
		}
		return nil, err
	}
	var sf secretsFile
	if err := json.Unmarshal(b, &sf); err != nil {
		return nil, err
	}
	if sf.SchemaVersion == 0 {
		sf.SchemaVersion = currentSchemaVersion
	}
	return &sf, nil
}

func (s *SecretsStore) saveLocked(sf *secretsFile) error {
	if sf == nil {
		return errors.New("nil secrets")
	}
	path := strings.TrimSpace(s.path)
	if path == "" || path == "." {
		return errors.New("missing secrets path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}

	b, err := json.MarshalIndent(sf, "", "  ")
	if err != nil {
		return err
	}
	b = append(b, '\n')

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, secretsFilePermissions); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
