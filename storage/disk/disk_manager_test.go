package disk

import (
	"path/filepath"
	"testing"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zhukovaskychina/xstorage/basic"
)

func TestFileManager(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data", "test.db")
	dm, err := NewFileManager(path, 4096)
	require.NoError(t, err)
	defer dm.Close()

	t.Run("读写回环", func(t *testing.T) {
		out := make([]byte, 4096)
		copy(out, []byte("hello xstorage"))
		require.NoError(t, dm.WritePage(3, out))

		in := make([]byte, 4096)
		require.NoError(t, dm.ReadPage(3, in))
		assert.Equal(t, out, in)
	})

	t.Run("越过文件末尾读到零页", func(t *testing.T) {
		in := make([]byte, 4096)
		in[0] = 0xFF
		require.NoError(t, dm.ReadPage(100, in))
		for _, b := range in {
			require.Equal(t, byte(0), b)
		}
	})

	t.Run("非法页号", func(t *testing.T) {
		buf := make([]byte, 4096)
		err := dm.ReadPage(-1, buf)
		assert.True(t, errors.Cause(err) == basic.ErrInvalidPageID)
	})

	t.Run("读写计数", func(t *testing.T) {
		assert.Greater(t, dm.NumReads(), uint64(0))
		assert.Greater(t, dm.NumWrites(), uint64(0))
	})
}

func TestMemoryManager(t *testing.T) {
	dm := NewMemoryManager(4096)

	t.Run("读写回环", func(t *testing.T) {
		out := make([]byte, 4096)
		copy(out, []byte("in memory page"))
		require.NoError(t, dm.WritePage(0, out))

		in := make([]byte, 4096)
		require.NoError(t, dm.ReadPage(0, in))
		assert.Equal(t, out, in)
	})

	t.Run("未写过的页读到零页", func(t *testing.T) {
		in := make([]byte, 4096)
		in[100] = 0xAB
		require.NoError(t, dm.ReadPage(42, in))
		for _, b := range in {
			require.Equal(t, byte(0), b)
		}
	})

	t.Run("注入写失败", func(t *testing.T) {
		injected := errors.New("disk full")
		dm.FailNextWrite(injected)

		buf := make([]byte, 4096)
		err := dm.WritePage(1, buf)
		require.Error(t, err)
		assert.Equal(t, injected, errors.Cause(err))

		// 错误只注入一次
		require.NoError(t, dm.WritePage(1, buf))
	})
}
