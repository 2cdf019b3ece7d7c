package manager

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zhukovaskychina/xstorage/basic"
	"github.com/zhukovaskychina/xstorage/storage/disk"
)

func newTestTree(t *testing.T, leafMax, internalMax int) *BPlusTree {
	t.Helper()
	bpm := NewBufferPoolManager(64, 2, disk.NewMemoryManager(basic.DefaultPageSize))
	return NewBPlusTree(bpm, basic.InvalidPageID, Int64KeyComparator, leafMax, internalMax)
}

func ridOf(k int64) basic.RID {
	return basic.NewRID(basic.PageID(k), uint32(k))
}

// collectKeys 全量迭代并解码键
func collectKeys(t *testing.T, tree *BPlusTree) []int64 {
	t.Helper()
	var out []int64
	for it := tree.Begin(); !it.IsEnd(); it.Next() {
		key := it.Key()
		var v int64
		for i := 7; i >= 0; i-- {
			v = v<<8 | int64(key[i])
		}
		out = append(out, v)
	}
	return out
}

// treeHeight 从根走到最左叶子的边数
func treeHeight(t *testing.T, tree *BPlusTree) int {
	t.Helper()
	height := 0
	pid := tree.GetRootPageID()
	require.NotEqual(t, basic.InvalidPageID, pid)
	for {
		guard := tree.bpm.FetchPageBasic(pid)
		require.NotNil(t, guard)
		node := asNodePage(guard.Data())
		if node.isLeaf() {
			guard.Drop()
			return height
		}
		pid = asInternalPage(guard.Data()).childAt(0)
		guard.Drop()
		height++
	}
}

// checkNodeSizes 校验每个非根节点 min_size ≤ size ≤ max_size，
// 叶子键严格递增
func checkNodeSizes(t *testing.T, tree *BPlusTree, pid basic.PageID, isRoot bool) {
	t.Helper()
	guard := tree.bpm.FetchPageBasic(pid)
	require.NotNil(t, guard)
	defer guard.Drop()
	node := asNodePage(guard.Data())

	if !isRoot {
		assert.GreaterOrEqual(t, node.size(), node.minSize(), "page %d below min size", pid)
	}
	assert.LessOrEqual(t, node.size(), node.maxSize(), "page %d above max size", pid)

	if node.isLeaf() {
		leaf := asLeafPage(guard.Data())
		for i := 1; i < leaf.size(); i++ {
			assert.Negative(t, Int64KeyComparator(leaf.keyAt(i-1), leaf.keyAt(i)),
				"leaf %d keys not strictly increasing", pid)
		}
		return
	}

	internal := asInternalPage(guard.Data())
	if isRoot {
		assert.GreaterOrEqual(t, internal.size(), 2, "internal root must have >= 2 children")
	}
	for i := 0; i < internal.size(); i++ {
		checkNodeSizes(t, tree, internal.childAt(i), false)
	}
}

func TestBPlusTreeInsert(t *testing.T) {
	t.Run("空树插入建立叶子根", func(t *testing.T) {
		tree := newTestTree(t, 3, 3)
		require.True(t, tree.IsEmpty())

		require.True(t, tree.Insert(Int64Key(42), ridOf(42)))
		require.False(t, tree.IsEmpty())
		assert.NotEqual(t, basic.InvalidPageID, tree.GetRootPageID())

		rid, found := tree.GetValue(Int64Key(42))
		require.True(t, found)
		assert.Equal(t, ridOf(42), rid)
	})

	t.Run("重复键返回false", func(t *testing.T) {
		tree := newTestTree(t, 3, 3)
		require.True(t, tree.Insert(Int64Key(1), ridOf(1)))
		assert.False(t, tree.Insert(Int64Key(1), ridOf(1)))

		// 分裂路径上的重复键同样拒绝
		for _, k := range []int64{2, 3, 4, 5, 6, 7} {
			require.True(t, tree.Insert(Int64Key(k), ridOf(k)))
		}
		assert.False(t, tree.Insert(Int64Key(6), ridOf(6)))
	})

	t.Run("乱序插入后有序迭代", func(t *testing.T) {
		tree := newTestTree(t, 3, 3)
		keys := []int64{5, 9, 1, 3, 7, 2, 8, 4, 6, 10}
		for _, k := range keys {
			require.True(t, tree.Insert(Int64Key(k), ridOf(k)), "insert %d", k)
		}

		for _, k := range keys {
			rid, found := tree.GetValue(Int64Key(k))
			require.True(t, found, "get %d", k)
			assert.Equal(t, ridOf(k), rid)
		}
		_, found := tree.GetValue(Int64Key(11))
		assert.False(t, found)

		assert.Equal(t, []int64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}, collectKeys(t, tree))
		assert.Equal(t, 2, treeHeight(t, tree))
		checkNodeSizes(t, tree, tree.GetRootPageID(), true)
	})

	t.Run("分裂后右兄弟条目数", func(t *testing.T) {
		tree := newTestTree(t, 3, 3)
		for _, k := range []int64{1, 2, 3, 4} {
			require.True(t, tree.Insert(Int64Key(k), ridOf(k)))
		}
		// 容量3的叶子分裂后右兄弟持有 ⌊(3+1)/2⌋ = 2 条
		rootGuard := tree.bpm.FetchPageBasic(tree.GetRootPageID())
		require.NotNil(t, rootGuard)
		root := asInternalPage(rootGuard.Data())
		require.Equal(t, 2, root.size())
		rightPid := root.childAt(1)
		rootGuard.Drop()

		rightGuard := tree.bpm.FetchPageBasic(rightPid)
		require.NotNil(t, rightGuard)
		assert.Equal(t, 2, asLeafPage(rightGuard.Data()).size())
		rightGuard.Drop()
	})

	t.Run("大量插入", func(t *testing.T) {
		tree := newTestTree(t, 4, 5)
		for k := int64(0); k < 300; k++ {
			require.True(t, tree.Insert(Int64Key(k*7%300), ridOf(k*7%300)))
		}
		keys := collectKeys(t, tree)
		require.Len(t, keys, 300)
		for i, k := range keys {
			assert.Equal(t, int64(i), k)
		}
		checkNodeSizes(t, tree, tree.GetRootPageID(), true)
	})
}

func TestBPlusTreeRemove(t *testing.T) {
	buildTree := func(t *testing.T) *BPlusTree {
		tree := newTestTree(t, 3, 3)
		for _, k := range []int64{5, 9, 1, 3, 7, 2, 8, 4, 6, 10} {
			require.True(t, tree.Insert(Int64Key(k), ridOf(k)))
		}
		return tree
	}

	t.Run("删除触发合并与根收缩", func(t *testing.T) {
		tree := buildTree(t)
		for _, k := range []int64{5, 9, 7, 8, 3} {
			tree.Remove(Int64Key(k))
			_, found := tree.GetValue(Int64Key(k))
			require.False(t, found, "key %d still present", k)
		}

		assert.Equal(t, []int64{1, 2, 4, 6, 10}, collectKeys(t, tree))
		checkNodeSizes(t, tree, tree.GetRootPageID(), true)
	})

	t.Run("删到空树", func(t *testing.T) {
		tree := buildTree(t)
		for _, k := range []int64{5, 9, 1, 3, 7, 2, 8, 4, 6, 10} {
			tree.Remove(Int64Key(k))
		}
		assert.True(t, tree.IsEmpty())
		it := tree.Begin()
		assert.True(t, it.IsEnd())

		// 空树上可以重新开始
		require.True(t, tree.Insert(Int64Key(100), ridOf(100)))
		assert.Equal(t, []int64{100}, collectKeys(t, tree))
	})

	t.Run("单叶树删除最后一个键", func(t *testing.T) {
		tree := newTestTree(t, 3, 3)
		require.True(t, tree.Insert(Int64Key(1), ridOf(1)))
		tree.Remove(Int64Key(1))
		assert.True(t, tree.IsEmpty())
	})

	t.Run("删除不存在的键无副作用", func(t *testing.T) {
		tree := buildTree(t)
		tree.Remove(Int64Key(999))
		assert.Len(t, collectKeys(t, tree), 10)
		checkNodeSizes(t, tree, tree.GetRootPageID(), true)
	})

	t.Run("insert-remove-get回环", func(t *testing.T) {
		tree := newTestTree(t, 4, 5)
		for k := int64(0); k < 100; k++ {
			require.True(t, tree.Insert(Int64Key(k), ridOf(k)))
		}
		for k := int64(0); k < 100; k += 2 {
			tree.Remove(Int64Key(k))
		}
		for k := int64(0); k < 100; k++ {
			_, found := tree.GetValue(Int64Key(k))
			assert.Equal(t, k%2 == 1, found, "key %d", k)
		}
		checkNodeSizes(t, tree, tree.GetRootPageID(), true)
	})
}

func TestBPlusTreeIterator(t *testing.T) {
	t.Run("从指定键开始迭代", func(t *testing.T) {
		tree := newTestTree(t, 3, 3)
		for _, k := range []int64{10, 20, 30, 40, 50} {
			require.True(t, tree.Insert(Int64Key(k), ridOf(k)))
		}

		it := tree.BeginAt(Int64Key(25))
		var got []basic.RID
		for ; !it.IsEnd(); it.Next() {
			got = append(got, it.Value())
		}
		assert.Equal(t, []basic.RID{ridOf(30), ridOf(40), ridOf(50)}, got)

		// 正好命中的键从该键开始
		it = tree.BeginAt(Int64Key(40))
		require.False(t, it.IsEnd())
		assert.Equal(t, ridOf(40), it.Value())
		it.Drop()
	})

	t.Run("空树迭代器即是末尾", func(t *testing.T) {
		tree := newTestTree(t, 3, 3)
		assert.True(t, tree.Begin().IsEnd())
		assert.True(t, tree.BeginAt(Int64Key(1)).IsEnd())
		assert.True(t, tree.End().IsEnd())
	})

	t.Run("超出最大键的起点即是末尾", func(t *testing.T) {
		tree := newTestTree(t, 3, 3)
		for _, k := range []int64{1, 2, 3} {
			require.True(t, tree.Insert(Int64Key(k), ridOf(k)))
		}
		assert.True(t, tree.BeginAt(Int64Key(4)).IsEnd())
	})
}

func TestBPlusTreeConcurrency(t *testing.T) {
	t.Run("并发插入不重叠区间", func(t *testing.T) {
		tree := newTestTree(t, 3, 3)

		const numWorkers = 4
		const perWorker = 50
		var wg sync.WaitGroup
		for w := 0; w < numWorkers; w++ {
			wg.Add(1)
			go func(w int) {
				defer wg.Done()
				base := int64(w * perWorker)
				for i := int64(0); i < perWorker; i++ {
					tree.Insert(Int64Key(base+i), ridOf(base+i))
				}
			}(w)
		}
		wg.Wait()

		keys := collectKeys(t, tree)
		require.Len(t, keys, numWorkers*perWorker)
		for i, k := range keys {
			assert.Equal(t, int64(i), k)
		}
		checkNodeSizes(t, tree, tree.GetRootPageID(), true)
	})

	t.Run("并发读写混合", func(t *testing.T) {
		tree := newTestTree(t, 4, 5)
		for k := int64(0); k < 100; k++ {
			require.True(t, tree.Insert(Int64Key(k), ridOf(k)))
		}

		var wg sync.WaitGroup
		for w := 0; w < 4; w++ {
			wg.Add(1)
			go func(w int) {
				defer wg.Done()
				for i := 0; i < 200; i++ {
					k := int64((w*31 + i) % 100)
					if rid, found := tree.GetValue(Int64Key(k)); found {
						assert.Equal(t, ridOf(k), rid)
					}
				}
			}(w)
		}
		for w := 0; w < 2; w++ {
			wg.Add(1)
			go func(w int) {
				defer wg.Done()
				base := int64(100 + w*50)
				for i := int64(0); i < 50; i++ {
					tree.Insert(Int64Key(base+i), ridOf(base+i))
				}
			}(w)
		}
		wg.Wait()

		keys := collectKeys(t, tree)
		assert.Len(t, keys, 200)
		checkNodeSizes(t, tree, tree.GetRootPageID(), true)
	})
}
