package launcher

import (
	"context"
	"os/exec"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestBuildArgs(t *testing.T) {
	args := BuildArgs(2, map[string]interface{}{
		"enableTestCommands":                true,
		"logComponentVerbosity":             "{}",
		"numInitialSyncAttempts":            1,
		"disableLogicalSessionCacheRefresh": false,
	}, map[string]string{
		"replSet":   "rs0",
		"oplogSize": "1024",
		"port":      "20000",
		"nojournal": "",
	})

	assert.Equal(t, []string{
		"-vv",
		"--setParameter", "disableLogicalSessionCacheRefresh=false",
		"--setParameter", "enableTestCommands=true",
		"--setParameter", "logComponentVerbosity={}",
		"--setParameter", "numInitialSyncAttempts=1",
		"--nojournal",
		"--oplogSize", "1024",
		"--port", "20000",
		"--replSet", "rs0",
	}, args)
}

func TestBuildArgsEmpty(t *testing.T) {
	assert.Empty(t, BuildArgs(0, nil, nil))
}

func TestPortAllocatorSkipsUsedPorts(t *testing.T) {
	used := map[int]bool{20001: true, 20002: true}

	alloc := NewPortAllocator("localhost", 20000)
	alloc.isAvailable = func(host string, port int) bool {
		return !used[port]
	}

	var ports []int
	for i := 0; i < 3; i++ {
		port, err := alloc.Next()
		require.NoError(t, err)
		ports = append(ports, port)
	}

	assert.Equal(t, []int{20000, 20003, 20004}, ports)
}

func TestPortAllocatorExhausted(t *testing.T) {
	alloc := NewPortAllocator("localhost", 20000)
	alloc.isAvailable = func(host string, port int) bool {
		return false
	}

	_, err := alloc.Next()
	require.ErrorIs(t, err, ErrNoFreePorts)
}

func TestStartFailsWhenProcessExits(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires a posix true binary")
	}

	truePath, err := exec.LookPath("true")
	if err != nil {
		t.Skip("true binary not available")
	}

	_, err = Start(context.Background(), Options{
		Logger:         zaptest.NewLogger(t),
		Name:           "exits-immediately",
		Binary:         truePath,
		BindIP:         "127.0.0.1",
		Port:           1,
		StartupTimeout: 10 * time.Second,
	})
	require.ErrorIs(t, err, ErrProcessExited)
}

func TestStartRequiresBinary(t *testing.T) {
	_, err := Start(context.Background(), Options{Name: "nothing"})
	require.Error(t, err)
}

func TestBinaryName(t *testing.T) {
	assert.Equal(t, "mongod", binaryName("/usr/local/bin/mongod"))
	assert.Equal(t, "mongos", binaryName("mongos"))
}
