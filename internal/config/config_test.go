package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDefaultConfig_IsValid(t *testing.T) {
	cfg := DefaultConfig()
	assert.NoError(t, validate(cfg))
}

func TestMergeDefaults_FillsZeroFields(t *testing.T) {
	defaults := DefaultConfig()

	loaded := Config{DefaultWorkerCount: 8}
	merged := mergeDefaults(loaded, defaults)

	assert.Equal(t, 8, merged.DefaultWorkerCount)
	assert.Equal(t, defaults.DefaultChunkSizeMiB, merged.DefaultChunkSizeMiB)
	assert.Equal(t, defaults.DownloadDir, merged.DownloadDir)
}

func TestValidate_RejectsZeroWorkers(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DefaultWorkerCount = 0
	assert.ErrorIs(t, validate(cfg), ErrInvalidConfig)
}
