// Package registry maintains the set of known MCP server configurations.
// The registry is the source of truth for which servers exist and how to
// reach them; the connection layer reads from it and never writes back.
package registry

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	apperrors "github.com/knowva/knowva/internal/common/errors"
	"github.com/knowva/knowva/internal/common/logger"
)

//go:embed servers.json
var defaultServersJSON []byte

// serversFile is the on-disk shape, JSON or YAML.
type serversFile struct {
	Servers []*ServerConfig `json:"servers" yaml:"servers"`
}

// Registry holds server configurations keyed by name.
type Registry struct {
	mu      sync.RWMutex
	servers map[string]*ServerConfig
	logger  *logger.Logger
}

// New creates an empty registry.
func New(log *logger.Logger) *Registry {
	return &Registry{
		servers: make(map[string]*ServerConfig),
		logger:  log,
	}
}

// LoadDefaults populates the registry from the embedded server definitions.
// Environment references of the form ${VAR} in env values are expanded at
// load time so secrets stay out of the file.
func (r *Registry) LoadDefaults() error {
	return r.load(defaultServersJSON, json.Unmarshal, "embedded defaults")
}

// LoadFromFile populates the registry from a JSON or YAML file, chosen by
// extension.
func (r *Registry) LoadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read servers file %s: %w", path, err)
	}

	decode := json.Unmarshal
	switch filepath.Ext(path) {
	case ".yaml", ".yml":
		decode = yaml.Unmarshal
	}
	return r.load(data, decode, path)
}

func (r *Registry) load(data []byte, decode func([]byte, interface{}) error, source string) error {
	var file serversFile
	if err := decode(data, &file); err != nil {
		return fmt.Errorf("failed to parse servers file %s: %w", source, err)
	}

	loaded := make(map[string]*ServerConfig, len(file.Servers))
	for _, cfg := range file.Servers {
		expandEnv(cfg)
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid server in %s: %w", source, err)
		}
		if _, dup := loaded[cfg.Name]; dup {
			return fmt.Errorf("duplicate server %q in %s", cfg.Name, source)
		}
		loaded[cfg.Name] = cfg
	}

	r.mu.Lock()
	r.servers = loaded
	r.mu.Unlock()

	r.logger.Info("server registry loaded",
		zap.String("source", source),
		zap.Int("count", len(loaded)))
	return nil
}

// expandEnv resolves ${VAR} references in env values against the process
// environment. Unset variables expand to the empty string.
func expandEnv(cfg *ServerConfig) {
	for k, v := range cfg.Env {
		if strings.Contains(v, "${") {
			cfg.Env[k] = os.ExpandEnv(v)
		}
	}
}

// Add registers a new server. It fails if the name is already taken.
func (r *Registry) Add(cfg *ServerConfig) error {
	if err := cfg.Validate(); err != nil {
		return apperrors.BadRequest(err.Error())
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.servers[cfg.Name]; exists {
		return apperrors.Conflict(fmt.Sprintf("server %q already exists", cfg.Name))
	}
	r.servers[cfg.Name] = cfg.clone()

	r.logger.WithServer(cfg.Name).Info("server registered",
		zap.String("transport", string(cfg.EffectiveTransport())))
	return nil
}

// Update replaces the configuration of an existing server.
func (r *Registry) Update(cfg *ServerConfig) error {
	if err := cfg.Validate(); err != nil {
		return apperrors.BadRequest(err.Error())
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.servers[cfg.Name]; !exists {
		return apperrors.NotFound("server", cfg.Name)
	}
	r.servers[cfg.Name] = cfg.clone()

	r.logger.WithServer(cfg.Name).Info("server config updated")
	return nil
}

// Remove deletes a server configuration.
func (r *Registry) Remove(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.servers[name]; !exists {
		return apperrors.NotFound("server", name)
	}
	delete(r.servers, name)

	r.logger.WithServer(name).Info("server removed")
	return nil
}

// Get returns a copy of the named server's configuration.
func (r *Registry) Get(name string) (*ServerConfig, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	cfg, exists := r.servers[name]
	if !exists {
		return nil, apperrors.NotFound("server", name)
	}
	return cfg.clone(), nil
}

// Exists reports whether a server with the given name is registered.
func (r *Registry) Exists(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.servers[name]
	return ok
}

// List returns all server configurations sorted by name.
func (r *Registry) List() []*ServerConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*ServerConfig, 0, len(r.servers))
	for _, cfg := range r.servers {
		out = append(out, cfg.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ListEnabled returns the enabled server configurations sorted by name.
func (r *Registry) ListEnabled() []*ServerConfig {
	all := r.List()
	out := all[:0]
	for _, cfg := range all {
		if cfg.Enabled {
			out = append(out, cfg)
		}
	}
	return out
}
