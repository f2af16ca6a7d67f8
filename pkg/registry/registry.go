package registry

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

var (
	// ErrNoDatabase means no active database connection could be selected
	ErrNoDatabase = errors.New("no active database connection configured")
	// ErrNoModel means no usable model configuration could be selected
	ErrNoModel = errors.New("no active model configured")
)

// APIKey is a provider credential
type APIKey struct {
	ID       int64  `yaml:"id" json:"id"`
	Provider string `yaml:"provider" json:"provider"`
	Name     string `yaml:"name" json:"name"`
	APIKey   string `yaml:"api_key" json:"-"`
	IsActive *bool  `yaml:"is_active,omitempty" json:"is_active"`
}

// DatabaseConnection is a database the agent may query
type DatabaseConnection struct {
	ID               int64  `yaml:"id" json:"id"`
	Name             string `yaml:"name" json:"name"`
	ConnectionString string `yaml:"connection_string" json:"-"`
	// Memory holds operator notes passed to the model as context.
	Memory   string `yaml:"memory,omitempty" json:"memory,omitempty"`
	IsActive *bool  `yaml:"is_active,omitempty" json:"is_active"`
}

// ModelConfig binds a "provider:model" name to an API key
type ModelConfig struct {
	ID          int64  `yaml:"id" json:"id"`
	DisplayName string `yaml:"display_name" json:"display_name"`
	ModelName   string `yaml:"model_name" json:"model_name"`
	APIKeyID    int64  `yaml:"api_key_id" json:"api_key_id"`
	IsActive    *bool  `yaml:"is_active,omitempty" json:"is_active"`
}

// Defaults names the entries used when a request selects none
type Defaults struct {
	DatabaseConnectionID int64 `yaml:"database_connection_id,omitempty" json:"database_connection_id,omitempty"`
	ModelConfigID        int64 `yaml:"model_config_id,omitempty" json:"model_config_id,omitempty"`
}

// File is the on-disk registry layout
type File struct {
	APIKeys             []APIKey             `yaml:"api_keys"`
	DatabaseConnections []DatabaseConnection `yaml:"database_connections"`
	ModelConfigs        []ModelConfig        `yaml:"model_configs"`
	Defaults            Defaults             `yaml:"defaults"`
}

// Runtime is everything a run needs from the registry
type Runtime struct {
	Database DatabaseConnection
	Model    ModelConfig
	APIKey   APIKey
}

// Active reports whether the key is enabled; entries are active unless
// is_active is explicitly false.
func (k APIKey) Active() bool { return isActive(k.IsActive) }

// Active reports whether the connection is enabled
func (d DatabaseConnection) Active() bool { return isActive(d.IsActive) }

// Active reports whether the model config is enabled
func (m ModelConfig) Active() bool { return isActive(m.IsActive) }

// Provider returns the provider prefix of the model name
func (m ModelConfig) Provider() string {
	provider, _, _ := strings.Cut(strings.TrimSpace(m.ModelName), ":")
	return strings.ToLower(strings.TrimSpace(provider))
}

func isActive(flag *bool) bool {
	return flag == nil || *flag
}

// Snapshot is an immutable, validated view of the registry file
type Snapshot struct {
	file      File
	keys      map[int64]APIKey
	databases map[int64]DatabaseConnection
	models    map[int64]ModelConfig
}

// Empty returns a snapshot with no entries
func Empty() *Snapshot {
	snap, _ := newSnapshot(File{})
	return snap
}

// LoadFile reads and validates the registry at path
func LoadFile(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read registry file: %w", err)
	}
	return Parse(data)
}

// Parse validates a YAML registry document
func Parse(data []byte) (*Snapshot, error) {
	var file File
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse registry YAML: %w", err)
	}
	return newSnapshot(file)
}

func newSnapshot(file File) (*Snapshot, error) {
	snap := &Snapshot{
		file:      file,
		keys:      make(map[int64]APIKey, len(file.APIKeys)),
		databases: make(map[int64]DatabaseConnection, len(file.DatabaseConnections)),
		models:    make(map[int64]ModelConfig, len(file.ModelConfigs)),
	}

	for i, key := range file.APIKeys {
		if key.ID <= 0 {
			return nil, fmt.Errorf("api_keys[%d]: id must be positive", i)
		}
		if _, dup := snap.keys[key.ID]; dup {
			return nil, fmt.Errorf("api_keys[%d]: duplicate id %d", i, key.ID)
		}
		if !IsAllowedProvider(key.Provider) {
			return nil, fmt.Errorf("api_keys[%d]: unsupported provider %q", i, key.Provider)
		}
		snap.keys[key.ID] = key
	}

	for i, db := range file.DatabaseConnections {
		if db.ID <= 0 {
			return nil, fmt.Errorf("database_connections[%d]: id must be positive", i)
		}
		if _, dup := snap.databases[db.ID]; dup {
			return nil, fmt.Errorf("database_connections[%d]: duplicate id %d", i, db.ID)
		}
		snap.databases[db.ID] = db
	}

	for i, model := range file.ModelConfigs {
		if model.ID <= 0 {
			return nil, fmt.Errorf("model_configs[%d]: id must be positive", i)
		}
		if _, dup := snap.models[model.ID]; dup {
			return nil, fmt.Errorf("model_configs[%d]: duplicate id %d", i, model.ID)
		}
		provider, name, ok := strings.Cut(strings.TrimSpace(model.ModelName), ":")
		if !ok || strings.TrimSpace(provider) == "" || strings.TrimSpace(name) == "" {
			return nil, fmt.Errorf("model_configs[%d]: model_name must be in the format \"provider:model\"", i)
		}
		if !IsAllowedProvider(provider) {
			return nil, fmt.Errorf("model_configs[%d]: unsupported provider %q", i, provider)
		}
		key, exists := snap.keys[model.APIKeyID]
		if !exists {
			return nil, fmt.Errorf("model_configs[%d]: unknown api_key_id %d", i, model.APIKeyID)
		}
		if NormalizeProvider(key.Provider) != NormalizeProvider(provider) {
			return nil, fmt.Errorf("model_configs[%d]: api key %d belongs to provider %s", i, key.ID, key.Provider)
		}
		snap.models[model.ID] = model
	}

	return snap, nil
}

// File returns the parsed document
func (s *Snapshot) File() File {
	return s.file
}

// Database returns the connection with id regardless of is_active
func (s *Snapshot) Database(id int64) (DatabaseConnection, bool) {
	db, ok := s.databases[id]
	return db, ok
}

// Model returns the model config with id regardless of is_active
func (s *Snapshot) Model(id int64) (ModelConfig, bool) {
	model, ok := s.models[id]
	return model, ok
}

// APIKey returns the key with id
func (s *Snapshot) APIKey(id int64) (APIKey, bool) {
	key, ok := s.keys[id]
	return key, ok
}

func (s *Snapshot) usableDatabase(id int64) (DatabaseConnection, bool) {
	db, ok := s.databases[id]
	if !ok || !db.Active() {
		return DatabaseConnection{}, false
	}
	return db, true
}

func (s *Snapshot) usableModel(id int64) (ModelConfig, APIKey, bool) {
	model, ok := s.models[id]
	if !ok || !model.Active() {
		return ModelConfig{}, APIKey{}, false
	}
	key, ok := s.keys[model.APIKeyID]
	if !ok || !key.Active() {
		return ModelConfig{}, APIKey{}, false
	}
	return model, key, true
}

// SelectDatabase applies the selection rule: the selected id when it names
// an active connection, then the default, then the first active entry.
// A zero selected id means no selection.
func (s *Snapshot) SelectDatabase(selected int64) (DatabaseConnection, bool) {
	for _, id := range []int64{selected, s.file.Defaults.DatabaseConnectionID} {
		if id == 0 {
			continue
		}
		if db, ok := s.usableDatabase(id); ok {
			return db, true
		}
	}
	for _, db := range s.file.DatabaseConnections {
		if db.Active() {
			return db, true
		}
	}
	return DatabaseConnection{}, false
}

// SelectModel applies the selection rule to model configs. A model whose
// API key is inactive or missing is unusable.
func (s *Snapshot) SelectModel(selected int64) (ModelConfig, APIKey, bool) {
	for _, id := range []int64{selected, s.file.Defaults.ModelConfigID} {
		if id == 0 {
			continue
		}
		if model, key, ok := s.usableModel(id); ok {
			return model, key, true
		}
	}
	for _, model := range s.file.ModelConfigs {
		if model, key, ok := s.usableModel(model.ID); ok {
			return model, key, true
		}
	}
	return ModelConfig{}, APIKey{}, false
}

// Resolve selects the database and model for a run and checks that the
// fields a run needs are present.
func (s *Snapshot) Resolve(databaseID, modelID int64) (*Runtime, error) {
	db, ok := s.SelectDatabase(databaseID)
	if !ok {
		return nil, ErrNoDatabase
	}
	model, key, ok := s.SelectModel(modelID)
	if !ok {
		return nil, ErrNoModel
	}

	if strings.TrimSpace(db.ConnectionString) == "" {
		return nil, fmt.Errorf("database connection %q is empty", db.Name)
	}
	if strings.TrimSpace(key.APIKey) == "" {
		return nil, fmt.Errorf("API key is missing for model %q", model.DisplayName)
	}

	return &Runtime{Database: db, Model: model, APIKey: key}, nil
}
