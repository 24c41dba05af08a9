package core

import (
	"fmt"
	"os"
	"path/filepath"

	uber_config "go.uber.org/config"
	"go.uber.org/fx"
)

// ConfigModule provides the YAML configuration provider.
var ConfigModule = fx.Options(
	fx.Provide(NewConfig),
)

// NewConfig loads base.yaml plus any optional override files from the config
// directory. Later files win on conflicting keys.
func NewConfig() (uber_config.Provider, error) {
	configDir := getConfigDir()

	files := []string{"base.yaml", "local.yaml"}
	var options []uber_config.YAMLOption
	for _, file := range files {
		fullPath := filepath.Join(configDir, file)
		if _, err := os.Stat(fullPath); err == nil {
			options = append(options, uber_config.File(fullPath))
		}
	}
	if len(options) == 0 {
		return nil, fmt.Errorf("no configuration files found in %s", configDir)
	}
	options = append(options, uber_config.Expand(os.LookupEnv))

	provider, err := uber_config.NewYAML(options...)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return provider, nil
}

// getConfigDir returns the path to the configuration directory.
func getConfigDir() string {
	if configDir := os.Getenv("PREPROC_PROXY_CONFIG_DIR"); configDir != "" {
		return configDir
	}
	// Assumes the binary is run from the workspace root.
	return "src/proxy/config"
}
