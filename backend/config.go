package backend

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/bytedance/sonic"
	"gopkg.in/yaml.v3"

	"github.com/wowowow-64/weekwise/obfuscate"
	"github.com/wowowow-64/weekwise/prefs"
)

// ConfigKey is the preferences slot holding the obscured configuration.
const ConfigKey = "firebaseConfig"

const (
	envConfigFile        = "WEEKWISE_CONFIG_FILE"
	envAPIKey            = "WEEKWISE_API_KEY"
	envAuthDomain        = "WEEKWISE_AUTH_DOMAIN"
	envProjectID         = "WEEKWISE_PROJECT_ID"
	envStorageBucket     = "WEEKWISE_STORAGE_BUCKET"
	envMessagingSenderID = "WEEKWISE_MESSAGING_SENDER_ID"
	envAppID             = "WEEKWISE_APP_ID"
)

var (
	// ErrUnusableConfig is returned when a configuration lacks an API key or project id.
	ErrUnusableConfig = errors.New("configuration requires apiKey and projectId")
	errEmptyConfig    = errors.New("no configuration fields found")
)

// Config describes how to reach the storage and identity backends.
type Config struct {
	APIKey            string `json:"apiKey" yaml:"apiKey"`
	AuthDomain        string `json:"authDomain" yaml:"authDomain"`
	ProjectID         string `json:"projectId" yaml:"projectId"`
	StorageBucket     string `json:"storageBucket" yaml:"storageBucket"`
	MessagingSenderID string `json:"messagingSenderId" yaml:"messagingSenderId"`
	AppID             string `json:"appId" yaml:"appId"`
}

// Usable reports whether the configuration can be used to connect. Only the
// API key and project id gate this; other fields are optional.
func (c Config) Usable() bool {
	return strings.TrimSpace(c.APIKey) != "" && strings.TrimSpace(c.ProjectID) != ""
}

var scriptField = regexp.MustCompile("([A-Za-z]+)\\s*:\\s*(?:\"([^\"]*)\"|'([^']*)'|`([^`]*)`)")

// ParseConfig reads a configuration pasted by the user. Both a JSON object and
// a JavaScript snippet such as `const firebaseConfig = { apiKey: "..." }` are
// accepted.
func ParseConfig(raw string) (Config, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Config{}, errEmptyConfig
	}
	var cfg Config
	if strings.HasPrefix(raw, "{") {
		if err := sonic.UnmarshalString(raw, &cfg); err == nil {
			return cfg, nil
		}
	}
	found := false
	for _, m := range scriptField.FindAllStringSubmatch(raw, -1) {
		value := m[2] + m[3] + m[4]
		switch m[1] {
		case "apiKey":
			cfg.APIKey = value
		case "authDomain":
			cfg.AuthDomain = value
		case "projectId":
			cfg.ProjectID = value
		case "storageBucket":
			cfg.StorageBucket = value
		case "messagingSenderId":
			cfg.MessagingSenderID = value
		case "appId":
			cfg.AppID = value
		default:
			continue
		}
		found = true
	}
	if !found {
		return Config{}, errEmptyConfig
	}
	return cfg, nil
}

// SaveConfig obscures cfg and writes it to the preferences slot.
func SaveConfig(store *prefs.Store, cfg Config) error {
	if !cfg.Usable() {
		return ErrUnusableConfig
	}
	data, err := sonic.MarshalString(cfg)
	if err != nil {
		return err
	}
	return store.Write(ConfigKey, obfuscate.Obscure(data))
}

// decodeStored reverses SaveConfig.
func decodeStored(token string) (Config, error) {
	plain, err := obfuscate.Reveal(token)
	if err != nil {
		return Config{}, err
	}
	if plain == "" {
		return Config{}, errors.New("stored configuration is empty")
	}
	var cfg Config
	if err := sonic.UnmarshalString(plain, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse stored configuration: %w", err)
	}
	return cfg, nil
}

// StoredConfig returns the configuration saved in prefs, if any.
func StoredConfig(store *prefs.Store) (Config, bool) {
	token, ok := store.Raw(ConfigKey)
	if !ok || token == "" {
		return Config{}, false
	}
	cfg, err := decodeStored(token)
	if err != nil {
		return Config{}, false
	}
	return cfg, true
}

// DeploymentConfig returns the configuration fixed at deployment time: an
// optional YAML file named by WEEKWISE_CONFIG_FILE overlaid with
// WEEKWISE_* environment variables.
func DeploymentConfig() (Config, error) {
	var cfg Config
	if path := os.Getenv(envConfigFile); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read %s: %w", envConfigFile, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	overlay := func(dst *string, env string) {
		if v, ok := os.LookupEnv(env); ok && v != "" {
			*dst = v
		}
	}
	overlay(&cfg.APIKey, envAPIKey)
	overlay(&cfg.AuthDomain, envAuthDomain)
	overlay(&cfg.ProjectID, envProjectID)
	overlay(&cfg.StorageBucket, envStorageBucket)
	overlay(&cfg.MessagingSenderID, envMessagingSenderID)
	overlay(&cfg.AppID, envAppID)
	return cfg, nil
}
