package core

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/config"
)

func loggingProvider(t *testing.T, yaml string) config.Provider {
	t.Helper()
	provider, err := config.NewYAML(config.Source(strings.NewReader(yaml)))
	require.NoError(t, err)
	return provider
}

func TestNewSugaredLogger(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr bool
	}{
		{
			name: "production json",
			yaml: "logging:\n  level: info\n  encoding: json\n",
		},
		{
			name: "development console",
			yaml: "logging:\n  level: debug\n  development: true\n  encoding: console\n",
		},
		{
			name:    "invalid level",
			yaml:    "logging:\n  level: shouting\n",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, err := NewSugaredLogger(loggingProvider(t, tt.yaml))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, logger)
			assert.NotNil(t, NewLogger(logger))
		})
	}
}
