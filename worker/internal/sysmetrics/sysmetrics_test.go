package sysmetrics

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNewSamplerDefaultsDiskPath(t *testing.T) {
	s := NewSampler("")
	assert.Equal(t, "/", s.diskPath)
}

func TestNewSamplerKeepsExplicitDiskPath(t *testing.T) {
	s := NewSampler("/var")
	assert.Equal(t, "/var", s.diskPath)
}

func TestSamplerCollectReturnsPercentagesInRange(t *testing.T) {
	s := NewSampler("/")
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	snap := s.Collect(ctx)

	assert.GreaterOrEqual(t, snap.CPUPercent, 0.0)
	assert.LessOrEqual(t, snap.CPUPercent, 100.0)
	assert.GreaterOrEqual(t, snap.MemPercent, 0.0)
	assert.LessOrEqual(t, snap.MemPercent, 100.0)
	assert.GreaterOrEqual(t, snap.DiskPercent, 0.0)
	assert.LessOrEqual(t, snap.DiskPercent, 100.0)
}
