package minidump

import (
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrite(t *testing.T) {
	orig := Dir()
	defer Configure(orig)

	t.Run("disabled without directory", func(t *testing.T) {
		Configure("")
		path, err := Write("nothing")
		require.NoError(t, err)
		assert.Empty(t, path)
	})

	t.Run("writes goroutine stacks", func(t *testing.T) {
		Configure(t.TempDir())
		path, err := Write("entry tag mismatch")
		require.NoError(t, err)

		data, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(string(data), "reason: entry tag mismatch"))
		assert.Contains(t, string(data), "goroutine")
	})
}

func TestFatal(t *testing.T) {
	orig := Dir()
	defer Configure(orig)
	Configure(t.TempDir())

	defer func() {
		r := recover()
		require.NotNil(t, r)
		fault, ok := r.(*Fault)
		require.True(t, ok)
		assert.Equal(t, "bad entry 7", fault.Message)
		assert.FileExists(t, fault.DumpPath)
		assert.Contains(t, fault.Error(), fault.DumpPath)
	}()

	Fatal("bad entry %d", 7)
}
