package system

import (
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSnapshot(t *testing.T) {
	r := Snapshot()
	assert.Equal(t, runtime.GOOS, r.OS)
	assert.Equal(t, runtime.GOARCH, r.Arch)
	assert.Positive(t, r.Goroutines)
	assert.NotEmpty(t, r.GoVersion)
}

func TestBToMb(t *testing.T) {
	assert.Equal(t, uint64(0), bToMb(1024))
	assert.Equal(t, uint64(3), bToMb(3*1024*1024+10))
}
