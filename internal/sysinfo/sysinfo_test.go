package sysinfo

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollect(t *testing.T) {
	stats := Collect()
	require.NotNil(t, stats)

	assert.Greater(t, stats.NumCPU, 0)
	assert.Greater(t, stats.GoRoutines, 0)
	assert.Greater(t, stats.MemoryAlloc, uint64(0))
	assert.False(t, stats.Timestamp.IsZero())
}

func TestFormatBytes(t *testing.T) {
	assert.Equal(t, "512 Bytes", FormatBytes(512))
	assert.Equal(t, "1.00 KB", FormatBytes(1024))
	assert.Equal(t, "1.50 MB", FormatBytes(1536*1024))
	assert.Equal(t, "2.00 GB", FormatBytes(2*1024*1024*1024))
}
