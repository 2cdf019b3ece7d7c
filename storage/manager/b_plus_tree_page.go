package manager

import (
	"github.com/zhukovaskychina/xstorage/basic"
	"github.com/zhukovaskychina/xstorage/util"
)

// B+树节点的页内布局。
// 头页:   rootPageID(8)
// 叶子页: pageType(2) size(2) maxSize(2) nextPageID(8) | (key8, rid12)*size
// 内部页: pageType(2) size(2) maxSize(2) | (key8, child8)*size，0号条目的key无意义

const (
	pageTypeInvalid  uint16 = 0
	pageTypeLeaf     uint16 = 1
	pageTypeInternal uint16 = 2
)

const (
	// KeySize B+树键宽（字节）
	KeySize = 8

	offsetPageType = 0
	offsetSize     = 2
	offsetMaxSize  = 4

	leafOffsetNext = 6
	leafHeaderSize = 14
	leafEntrySize  = KeySize + 12

	internalHeaderSize = 6
	internalEntrySize  = KeySize + 8

	headerOffsetRoot = 0
)

// KeyComparator 键比较器，负数/零/正数分别表示 a<b / a==b / a>b
type KeyComparator func(a, b []byte) int

// Int64Key 将int64编码为8字节键
func Int64Key(v int64) []byte {
	buf := make([]byte, KeySize)
	util.PutInt64(buf, 0, v)
	return buf
}

// Int64KeyComparator 按int64值比较8字节键
func Int64KeyComparator(a, b []byte) int {
	av := util.GetInt64(a, 0)
	bv := util.GetInt64(b, 0)
	switch {
	case av < bv:
		return -1
	case av > bv:
		return 1
	default:
		return 0
	}
}

// headerPage 头页视图，只保存根页号
type headerPage struct {
	data []byte
}

func asHeaderPage(data []byte) headerPage {
	return headerPage{data: data}
}

func (h headerPage) rootPageID() basic.PageID {
	return basic.PageID(util.GetInt64(h.data, headerOffsetRoot))
}

func (h headerPage) setRootPageID(pid basic.PageID) {
	util.PutInt64(h.data, headerOffsetRoot, int64(pid))
}

// nodePage 节点公共头视图
type nodePage struct {
	data []byte
}

func asNodePage(data []byte) nodePage {
	return nodePage{data: data}
}

func (n nodePage) pageType() uint16 {
	return util.GetUint16(n.data, offsetPageType)
}

func (n nodePage) isLeaf() bool {
	return n.pageType() == pageTypeLeaf
}

func (n nodePage) size() int {
	return int(util.GetUint16(n.data, offsetSize))
}

func (n nodePage) setSize(size int) {
	util.PutUint16(n.data, offsetSize, uint16(size))
}

func (n nodePage) maxSize() int {
	return int(util.GetUint16(n.data, offsetMaxSize))
}

// minSize 非根节点的条目数下限 ⌈max/2⌉
func (n nodePage) minSize() int {
	return (n.maxSize() + 1) / 2
}

// leafEntry 叶子条目的堆上拷贝，分裂/合并时使用
type leafEntry struct {
	key []byte
	rid basic.RID
}

// leafPage 叶子节点视图
type leafPage struct {
	nodePage
}

func asLeafPage(data []byte) leafPage {
	lp := leafPage{nodePage{data: data}}
	basic.Assert(lp.pageType() == pageTypeLeaf, "page type mismatch: not a leaf page")
	return lp
}

func initLeafPage(data []byte, maxSize int) leafPage {
	basic.Assert(leafHeaderSize+maxSize*leafEntrySize <= len(data), "leaf max_size overflows page")
	util.PutUint16(data, offsetPageType, pageTypeLeaf)
	util.PutUint16(data, offsetSize, 0)
	util.PutUint16(data, offsetMaxSize, uint16(maxSize))
	util.PutInt64(data, leafOffsetNext, int64(basic.InvalidPageID))
	return leafPage{nodePage{data: data}}
}

func (l leafPage) entryOffset(i int) int {
	return leafHeaderSize + i*leafEntrySize
}

func (l leafPage) keyAt(i int) []byte {
	basic.Assert(i >= 0 && i < l.size(), "leaf key index out of range")
	off := l.entryOffset(i)
	return l.data[off : off+KeySize]
}

func (l leafPage) ridAt(i int) basic.RID {
	basic.Assert(i >= 0 && i < l.size(), "leaf rid index out of range")
	off := l.entryOffset(i) + KeySize
	return basic.RID{
		PageID:  basic.PageID(util.GetInt64(l.data, off)),
		SlotNum: util.GetUint32(l.data, off+8),
	}
}

func (l leafPage) setEntryAt(i int, key []byte, rid basic.RID) {
	off := l.entryOffset(i)
	copy(l.data[off:off+KeySize], key)
	util.PutInt64(l.data, off+KeySize, int64(rid.PageID))
	util.PutUint32(l.data, off+KeySize+8, rid.SlotNum)
}

func (l leafPage) nextPageID() basic.PageID {
	return basic.PageID(util.GetInt64(l.data, leafOffsetNext))
}

func (l leafPage) setNextPageID(pid basic.PageID) {
	util.PutInt64(l.data, leafOffsetNext, int64(pid))
}

// find 二分查找key，返回第一个不小于key的下标与是否命中
func (l leafPage) find(key []byte, cmp KeyComparator) (int, bool) {
	lo, hi := 0, l.size()
	for lo < hi {
		mid := (lo + hi) / 2
		if cmp(l.keyAt(mid), key) < 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	found := lo < l.size() && cmp(l.keyAt(lo), key) == 0
	return lo, found
}

// insert 有序插入，重复键返回false。前提：节点未满
func (l leafPage) insert(key []byte, rid basic.RID, cmp KeyComparator) bool {
	basic.Assert(l.size() < l.maxSize(), "insert into full leaf")
	pos, found := l.find(key, cmp)
	if found {
		return false
	}
	// 后移腾出位置
	base := l.entryOffset(pos)
	end := l.entryOffset(l.size())
	copy(l.data[base+leafEntrySize:end+leafEntrySize], l.data[base:end])
	l.setSize(l.size() + 1)
	l.setEntryAt(pos, key, rid)
	return true
}

// deleteAt 删除下标i处的条目
func (l leafPage) deleteAt(i int) {
	basic.Assert(i >= 0 && i < l.size(), "leaf delete index out of range")
	base := l.entryOffset(i)
	end := l.entryOffset(l.size())
	copy(l.data[base:], l.data[base+leafEntrySize:end])
	l.setSize(l.size() - 1)
}

// deleteEntry 按键删除，键不存在返回false
func (l leafPage) deleteEntry(key []byte, cmp KeyComparator) bool {
	pos, found := l.find(key, cmp)
	if !found {
		return false
	}
	l.deleteAt(pos)
	return true
}

// entries 拷贝所有条目
func (l leafPage) entries() []leafEntry {
	out := make([]leafEntry, 0, l.size()+1)
	for i := 0; i < l.size(); i++ {
		key := make([]byte, KeySize)
		copy(key, l.keyAt(i))
		out = append(out, leafEntry{key: key, rid: l.ridAt(i)})
	}
	return out
}

// setEntries 用给定条目整体覆盖
func (l leafPage) setEntries(entries []leafEntry) {
	basic.Assert(len(entries) <= l.maxSize(), "leaf entries overflow")
	l.setSize(len(entries))
	for i, e := range entries {
		l.setEntryAt(i, e.key, e.rid)
	}
}

// internalEntry 内部节点条目的堆上拷贝
type internalEntry struct {
	key   []byte
	child basic.PageID
}

// internalPage 内部节点视图。size为子指针个数，key[0]无意义
type internalPage struct {
	nodePage
}

func asInternalPage(data []byte) internalPage {
	ip := internalPage{nodePage{data: data}}
	basic.Assert(ip.pageType() == pageTypeInternal, "page type mismatch: not an internal page")
	return ip
}

func initInternalPage(data []byte, maxSize int) internalPage {
	basic.Assert(internalHeaderSize+maxSize*internalEntrySize <= len(data), "internal max_size overflows page")
	util.PutUint16(data, offsetPageType, pageTypeInternal)
	util.PutUint16(data, offsetSize, 0)
	util.PutUint16(data, offsetMaxSize, uint16(maxSize))
	return internalPage{nodePage{data: data}}
}

func (p internalPage) entryOffset(i int) int {
	return internalHeaderSize + i*internalEntrySize
}

func (p internalPage) keyAt(i int) []byte {
	basic.Assert(i > 0 && i < p.size(), "internal key index out of range")
	off := p.entryOffset(i)
	return p.data[off : off+KeySize]
}

func (p internalPage) setKeyAt(i int, key []byte) {
	basic.Assert(i > 0 && i < p.size(), "internal key index out of range")
	off := p.entryOffset(i)
	copy(p.data[off:off+KeySize], key)
}

func (p internalPage) childAt(i int) basic.PageID {
	basic.Assert(i >= 0 && i < p.size(), "internal child index out of range")
	return basic.PageID(util.GetInt64(p.data, p.entryOffset(i)+KeySize))
}

func (p internalPage) setEntryAt(i int, key []byte, child basic.PageID) {
	off := p.entryOffset(i)
	if key != nil {
		copy(p.data[off:off+KeySize], key)
	}
	util.PutInt64(p.data, off+KeySize, int64(child))
}

// lookup 路由：返回key应当进入的子树
func (p internalPage) lookup(key []byte, cmp KeyComparator) basic.PageID {
	// 上界查找第一个大于key的分隔键
	lo, hi := 1, p.size()
	for lo < hi {
		mid := (lo + hi) / 2
		if cmp(key, p.keyAt(mid)) < 0 {
			hi = mid
		} else {
			lo = mid + 1
		}
	}
	return p.childAt(lo - 1)
}

// insert 子节点分裂后插入新的(分隔键,右子)。前提：节点未满
func (p internalPage) insert(key []byte, child basic.PageID, cmp KeyComparator) {
	basic.Assert(p.size() < p.maxSize(), "insert into full internal page")
	pos := 1
	for ; pos < p.size(); pos++ {
		if cmp(key, p.keyAt(pos)) < 0 {
			break
		}
	}
	base := p.entryOffset(pos)
	end := p.entryOffset(p.size())
	copy(p.data[base+internalEntrySize:end+internalEntrySize], p.data[base:end])
	p.setSize(p.size() + 1)
	p.setEntryAt(pos, key, child)
}

// appendEntry 在尾部追加一个条目
func (p internalPage) appendEntry(key []byte, child basic.PageID) {
	basic.Assert(p.size() < p.maxSize(), "append into full internal page")
	p.setSize(p.size() + 1)
	p.setEntryAt(p.size()-1, key, child)
}

// insertFront 在头部插入子指针：新0号条目指向child，
// 原0号子指针整体右移，其分隔键位置写入sepKey
func (p internalPage) insertFront(sepKey []byte, child basic.PageID) {
	basic.Assert(p.size() < p.maxSize(), "insert into full internal page")
	base := p.entryOffset(0)
	end := p.entryOffset(p.size())
	copy(p.data[base+internalEntrySize:end+internalEntrySize], p.data[base:end])
	p.setSize(p.size() + 1)
	p.setEntryAt(0, nil, child)
	p.setKeyAt(1, sepKey)
}

// deleteAt 删除下标i处的条目
func (p internalPage) deleteAt(i int) {
	basic.Assert(i >= 0 && i < p.size(), "internal delete index out of range")
	base := p.entryOffset(i)
	end := p.entryOffset(p.size())
	copy(p.data[base:], p.data[base+internalEntrySize:end])
	p.setSize(p.size() - 1)
}

// deleteEntry 删除键等于key的分隔条目（连同其右子指针）
func (p internalPage) deleteEntry(key []byte, cmp KeyComparator) {
	for i := 1; i < p.size(); i++ {
		if cmp(key, p.keyAt(i)) == 0 {
			p.deleteAt(i)
			return
		}
	}
}

// childIndex 返回子指针pid所在下标
func (p internalPage) childIndex(pid basic.PageID) int {
	for i := 0; i < p.size(); i++ {
		if p.childAt(i) == pid {
			return i
		}
	}
	basic.Assert(false, "child page not found in parent")
	return 0
}

// populateNewRoot 初始化新根：左子、分隔键、右子
func (p internalPage) populateNewRoot(left basic.PageID, key []byte, right basic.PageID) {
	p.setSize(2)
	p.setEntryAt(0, nil, left)
	p.setEntryAt(1, key, right)
}

// entries 拷贝所有条目（含0号）
func (p internalPage) entries() []internalEntry {
	out := make([]internalEntry, 0, p.size()+1)
	for i := 0; i < p.size(); i++ {
		key := make([]byte, KeySize)
		off := p.entryOffset(i)
		copy(key, p.data[off:off+KeySize])
		out = append(out, internalEntry{key: key, child: p.childAt(i)})
	}
	return out
}

// setEntries 用给定条目整体覆盖
func (p internalPage) setEntries(entries []internalEntry) {
	basic.Assert(len(entries) <= p.maxSize(), "internal entries overflow")
	p.setSize(len(entries))
	for i, e := range entries {
		p.setEntryAt(i, e.key, e.child)
	}
}
