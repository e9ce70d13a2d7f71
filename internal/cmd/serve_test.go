package cmd

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/gofielding/internal/config"
	"github.com/3leaps/gofielding/internal/metrics"
)

func TestSignalHealthChecker(t *testing.T) {
	checker := signalHealthChecker{}

	t.Run("always returns nil", func(t *testing.T) {
		err := checker.CheckHealth(context.Background())
		assert.NoError(t, err)
	})
}

func TestMetricsHealthChecker(t *testing.T) {
	t.Run("returns error when collector not initialized", func(t *testing.T) {
		err := metricsHealthChecker{}.CheckHealth(context.Background())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "metrics collector not initialized")
	})

	t.Run("healthy with a collector", func(t *testing.T) {
		checker := metricsHealthChecker{collector: metrics.NewCollector()}
		assert.NoError(t, checker.CheckHealth(context.Background()))
	})
}

func TestIdentityHealthChecker(t *testing.T) {
	id := config.DefaultIdentity()
	tests := []struct {
		name       string
		binaryName string
		envPrefix  string
		configName string
		wantErr    bool
		errContain string
	}{
		{
			name:       "wired identity",
			binaryName: id.BinaryName,
			envPrefix:  id.EnvPrefix,
			configName: id.ConfigName,
			wantErr:    false,
		},
		{
			name:       "all fields valid",
			binaryName: "gofielding",
			envPrefix:  "GOFIELDING_",
			configName: "gofielding",
			wantErr:    false,
		},
		{
			name:       "missing binary name",
			binaryName: "",
			envPrefix:  "GOFIELDING_",
			configName: "gofielding",
			wantErr:    true,
			errContain: "missing binary name",
		},
		{
			name:       "missing env prefix",
			binaryName: "gofielding",
			envPrefix:  "",
			configName: "gofielding",
			wantErr:    true,
			errContain: "missing env prefix",
		},
		{
			name:       "missing config name",
			binaryName: "gofielding",
			envPrefix:  "GOFIELDING_",
			configName: "",
			wantErr:    true,
			errContain: "missing config name",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			checker := identityHealthChecker{
				binaryName: tt.binaryName,
				envPrefix:  tt.envPrefix,
				configName: tt.configName,
			}

			err := checker.CheckHealth(context.Background())
			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errContain)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
