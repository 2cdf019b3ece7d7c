package manager

import (
	"github.com/zhukovaskychina/xstorage/basic"
)

// IndexIterator B+树前向迭代器，按键序惰性产出(key, RID)。
// 持有当前叶子的读guard，跨叶子时先放掉当前叶子再取右兄弟，
// 因此对同一叶子的并发写会阻塞在读闩锁上而不是使迭代器失效
type IndexIterator struct {
	bpm       *BufferPoolManager
	leafGuard *ReadPageGuard
	index     int
}

func newIndexIterator(bpm *BufferPoolManager, leafGuard *ReadPageGuard, index int) *IndexIterator {
	it := &IndexIterator{bpm: bpm, leafGuard: leafGuard, index: index}
	it.normalize()
	return it
}

// normalize 跳过当前叶子尾部，必要时前进到右兄弟；没有更多条目时释放guard
func (it *IndexIterator) normalize() {
	for it.leafGuard != nil {
		leaf := asLeafPage(it.leafGuard.Data())
		if it.index < leaf.size() {
			return
		}
		next := leaf.nextPageID()
		it.leafGuard.Drop()
		it.leafGuard = nil
		if next == basic.InvalidPageID {
			return
		}
		nextGuard := it.bpm.FetchPageRead(next)
		basic.Assert(nextGuard != nil, "buffer pool exhausted during index scan")
		it.leafGuard = nextGuard
		it.index = 0
	}
}

// IsEnd 是否到达末尾
func (it *IndexIterator) IsEnd() bool {
	return it.leafGuard == nil
}

// Key 当前条目的键（拷贝）
func (it *IndexIterator) Key() []byte {
	basic.Assert(!it.IsEnd(), "dereference end iterator")
	leaf := asLeafPage(it.leafGuard.Data())
	key := make([]byte, KeySize)
	copy(key, leaf.keyAt(it.index))
	return key
}

// Value 当前条目的RID
func (it *IndexIterator) Value() basic.RID {
	basic.Assert(!it.IsEnd(), "dereference end iterator")
	return asLeafPage(it.leafGuard.Data()).ridAt(it.index)
}

// Next 前进一个条目
func (it *IndexIterator) Next() {
	basic.Assert(!it.IsEnd(), "advance end iterator")
	it.index++
	it.normalize()
}

// Drop 提前结束迭代，释放持有的叶子guard。重复调用是空操作
func (it *IndexIterator) Drop() {
	if it.leafGuard != nil {
		it.leafGuard.Drop()
		it.leafGuard = nil
	}
}
