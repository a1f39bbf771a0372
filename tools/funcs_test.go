package tools

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFrameSamples(t *testing.T) {
	assert.Equal(t, 16000, FrameSamples(time.Second, 16000, 1))
	assert.Equal(t, 480, FrameSamples(10*time.Millisecond, 24000, 2))
	assert.Equal(t, 0, FrameSamples(0, 16000, 1))
}

func TestPCMDuration(t *testing.T) {
	// One second of 16-bit mono at 16 kHz is 32000 bytes.
	assert.Equal(t, time.Second, PCMDuration(32000, 16000, 1))
	assert.Equal(t, 500*time.Millisecond, PCMDuration(16000, 16000, 1))
	assert.Equal(t, 250*time.Millisecond, PCMDuration(16000, 16000, 2))
	assert.Equal(t, time.Duration(0), PCMDuration(100, 0, 1))
	assert.Equal(t, time.Duration(0), PCMDuration(100, 16000, 0))
}
