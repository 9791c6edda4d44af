package scheduler

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClampTraceModeNarrowsToSupportedLevel(t *testing.T) {
	assert.Equal(t, uint8(3), Features(FeatureDispatchTrace|FeatureControlTrace).clampTraceMode(3))
	assert.Equal(t, uint8(1), Features(FeatureControlTrace).clampTraceMode(3))
	assert.Equal(t, uint8(1), Features(0).clampTraceMode(3))
	assert.Equal(t, uint8(1), Features(0).clampTraceMode(1))
	assert.Equal(t, uint8(0), Features(0).clampTraceMode(0))
}

func TestNewStampsFeaturesOntoExecutionQueue(t *testing.T) {
	cfg := smallConfig()
	cfg.Features = FeatureControlTrace

	s, _, _ := newTestScheduler(t, cfg)

	assert.Equal(t, uint64(FeatureControlTrace), s.ExecutionQueue().Features())
	assert.Equal(t, FeatureControlTrace, s.Features())
}
