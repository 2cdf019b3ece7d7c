package manager

import (
	"github.com/zhukovaskychina/xstorage/basic"
	"github.com/zhukovaskychina/xstorage/logger"
)

// BPlusTree 页上的并发B+树索引。
// 根页号保存在独立的头页中；所有节点访问都通过缓冲池guard，
// 写操作采用latch crabbing：子节点安全（插入不满/删除大于下限）时
// 自顶向下释放全部祖先闩锁。
type BPlusTree struct {
	bpm          *BufferPoolManager
	headerPageID basic.PageID
	cmp          KeyComparator

	leafMaxSize     int
	internalMaxSize int
}

// treeContext 一次写操作持有的闩锁链。
// writeSet按root到当前节点的顺序保存写guard，证明安全后从前端释放
type treeContext struct {
	headerGuard *WritePageGuard
	writeSet    []*WritePageGuard
	rootPageID  basic.PageID
}

func (c *treeContext) isRootPage(pid basic.PageID) bool {
	return pid == c.rootPageID
}

// releaseAncestors 当前节点已证明安全，释放头页与所有祖先闩锁
func (c *treeContext) releaseAncestors() {
	for _, g := range c.writeSet {
		g.Drop()
	}
	c.writeSet = c.writeSet[:0]
	if c.headerGuard != nil {
		c.headerGuard.Drop()
		c.headerGuard = nil
	}
}

// keepParentOnly 只保留最近的父节点闩锁，其余祖先与头页全部释放
func (c *treeContext) keepParentOnly() {
	for len(c.writeSet) > 1 {
		c.writeSet[0].Drop()
		c.writeSet = c.writeSet[1:]
	}
	if c.headerGuard != nil {
		c.headerGuard.Drop()
		c.headerGuard = nil
	}
}

// releaseAll 操作结束，释放一切
func (c *treeContext) releaseAll() {
	c.releaseAncestors()
}

// NewBPlusTree 创建B+树。headerPageID为InvalidPageID时新分配头页。
// leafMaxSize/internalMaxSize不大于0时按页大小推导
func NewBPlusTree(bpm *BufferPoolManager, headerPageID basic.PageID, cmp KeyComparator,
	leafMaxSize int, internalMaxSize int) *BPlusTree {
	if leafMaxSize <= 0 {
		leafMaxSize = (bpm.PageSize() - leafHeaderSize) / leafEntrySize
	}
	if internalMaxSize <= 0 {
		internalMaxSize = (bpm.PageSize() - internalHeaderSize) / internalEntrySize
	}
	basic.Assert(leafMaxSize >= 2 && internalMaxSize >= 3, "b+tree max_size too small")

	if headerPageID == basic.InvalidPageID {
		pid, guard := bpm.NewPageGuarded()
		basic.Assert(guard != nil, "buffer pool exhausted while creating header page")
		headerPageID = pid
		guard.Drop()
	}

	t := &BPlusTree{
		bpm:             bpm,
		headerPageID:    headerPageID,
		cmp:             cmp,
		leafMaxSize:     leafMaxSize,
		internalMaxSize: internalMaxSize,
	}
	guard := bpm.FetchPageWrite(headerPageID)
	basic.Assert(guard != nil, "buffer pool exhausted while initializing header page")
	asHeaderPage(guard.DataMut()).setRootPageID(basic.InvalidPageID)
	guard.Drop()
	logger.Debugf("BPlusTree: header_page=%d leaf_max=%d internal_max=%d",
		headerPageID, leafMaxSize, internalMaxSize)
	return t
}

// HeaderPageID 头页页号
func (t *BPlusTree) HeaderPageID() basic.PageID {
	return t.headerPageID
}

// GetRootPageID 当前根页号
func (t *BPlusTree) GetRootPageID() basic.PageID {
	guard := t.bpm.FetchPageBasic(t.headerPageID)
	basic.Assert(guard != nil, "buffer pool exhausted while reading header page")
	defer guard.Drop()
	return asHeaderPage(guard.Data()).rootPageID()
}

// IsEmpty 树是否为空
func (t *BPlusTree) IsEmpty() bool {
	guard := t.bpm.FetchPageRead(t.headerPageID)
	basic.Assert(guard != nil, "buffer pool exhausted while reading header page")
	defer guard.Drop()
	return asHeaderPage(guard.Data()).rootPageID() == basic.InvalidPageID
}

// GetValue 点查。读闩锁crabbing：拿到子节点后立刻释放父节点
func (t *BPlusTree) GetValue(key []byte) (basic.RID, bool) {
	headerGuard := t.bpm.FetchPageRead(t.headerPageID)
	basic.Assert(headerGuard != nil, "buffer pool exhausted while reading header page")
	rootID := asHeaderPage(headerGuard.Data()).rootPageID()
	if rootID == basic.InvalidPageID {
		headerGuard.Drop()
		return basic.RID{}, false
	}

	guard := t.bpm.FetchPageRead(rootID)
	basic.Assert(guard != nil, "buffer pool exhausted during tree search")
	headerGuard.Drop()

	for {
		node := asNodePage(guard.Data())
		if node.isLeaf() {
			break
		}
		childID := asInternalPage(guard.Data()).lookup(key, t.cmp)
		childGuard := t.bpm.FetchPageRead(childID)
		basic.Assert(childGuard != nil, "buffer pool exhausted during tree search")
		guard.Drop()
		guard = childGuard
	}
	defer guard.Drop()

	leaf := asLeafPage(guard.Data())
	idx, found := leaf.find(key, t.cmp)
	if !found {
		return basic.RID{}, false
	}
	return leaf.ridAt(idx), true
}

// Insert 插入键值对，重复键返回false
func (t *BPlusTree) Insert(key []byte, rid basic.RID) bool {
	ctx := &treeContext{}
	defer ctx.releaseAll()

	ctx.headerGuard = t.bpm.FetchPageWrite(t.headerPageID)
	basic.Assert(ctx.headerGuard != nil, "buffer pool exhausted while locking header page")
	header := asHeaderPage(ctx.headerGuard.DataMut())

	rootID := header.rootPageID()
	if rootID == basic.InvalidPageID {
		// 空树：建立叶子根
		pid, newGuard := t.bpm.NewPageGuarded()
		basic.Assert(newGuard != nil, "buffer pool exhausted while creating root")
		newGuard.Drop()
		rootGuard := t.bpm.FetchPageWrite(pid)
		basic.Assert(rootGuard != nil, "buffer pool exhausted while creating root")
		root := initLeafPage(rootGuard.DataMut(), t.leafMaxSize)
		root.insert(key, rid, t.cmp)
		header.setRootPageID(pid)
		rootGuard.Drop()
		return true
	}

	ctx.rootPageID = rootID
	guard := t.bpm.FetchPageWrite(rootID)
	basic.Assert(guard != nil, "buffer pool exhausted during tree descent")
	ctx.writeSet = append(ctx.writeSet, guard)

	// 写闩锁crabbing下行
	node := asNodePage(guard.Data())
	for !node.isLeaf() {
		childID := asInternalPage(guard.Data()).lookup(key, t.cmp)
		childGuard := t.bpm.FetchPageWrite(childID)
		basic.Assert(childGuard != nil, "buffer pool exhausted during tree descent")
		childNode := asNodePage(childGuard.Data())
		if childNode.size() < childNode.maxSize() {
			// 子节点不满，不会向上分裂，释放全部祖先
			ctx.releaseAncestors()
		}
		ctx.writeSet = append(ctx.writeSet, childGuard)
		guard = childGuard
		node = childNode
	}

	leaf := asLeafPage(guard.DataMut())
	if leaf.size() < leaf.maxSize() {
		return leaf.insert(key, rid, t.cmp)
	}

	// 叶子分裂
	entries := leaf.entries()
	pos := 0
	for ; pos < len(entries); pos++ {
		c := t.cmp(key, entries[pos].key)
		if c == 0 {
			return false
		}
		if c < 0 {
			break
		}
	}
	keyCopy := make([]byte, KeySize)
	copy(keyCopy, key)
	entries = append(entries, leafEntry{})
	copy(entries[pos+1:], entries[pos:])
	entries[pos] = leafEntry{key: keyCopy, rid: rid}

	newPid, newBasic := t.bpm.NewPageGuarded()
	basic.Assert(newBasic != nil, "buffer pool exhausted during leaf split")
	newBasic.Drop()
	newGuard := t.bpm.FetchPageWrite(newPid)
	basic.Assert(newGuard != nil, "buffer pool exhausted during leaf split")
	newLeaf := initLeafPage(newGuard.DataMut(), t.leafMaxSize)

	// 左半保留 ⌈(max+1)/2⌉ 条
	leftCount := (t.leafMaxSize + 1 + 1) / 2
	leaf.setEntries(entries[:leftCount])
	newLeaf.setEntries(entries[leftCount:])

	newLeaf.setNextPageID(leaf.nextPageID())
	leaf.setNextPageID(newPid)

	sepKey := make([]byte, KeySize)
	copy(sepKey, newLeaf.keyAt(0))
	newGuard.Drop()

	t.insertInParent(ctx, sepKey, newPid)
	return true
}

// insertInParent 把分裂产生的(分隔键,右子)插入父节点，必要时级联分裂
func (t *BPlusTree) insertInParent(ctx *treeContext, key []byte, rightPid basic.PageID) {
	leftGuard := ctx.writeSet[len(ctx.writeSet)-1]
	ctx.writeSet = ctx.writeSet[:len(ctx.writeSet)-1]
	leftPid := leftGuard.PageID()

	if ctx.isRootPage(leftPid) {
		// 根分裂，建立新根
		newRootPid, newBasic := t.bpm.NewPageGuarded()
		basic.Assert(newBasic != nil, "buffer pool exhausted during root split")
		newBasic.Drop()
		rootGuard := t.bpm.FetchPageWrite(newRootPid)
		basic.Assert(rootGuard != nil, "buffer pool exhausted during root split")
		newRoot := initInternalPage(rootGuard.DataMut(), t.internalMaxSize)
		newRoot.populateNewRoot(leftPid, key, rightPid)
		rootGuard.Drop()

		basic.Assert(ctx.headerGuard != nil, "root latch release error")
		asHeaderPage(ctx.headerGuard.DataMut()).setRootPageID(newRootPid)
		ctx.rootPageID = newRootPid
		leftGuard.Drop()
		return
	}
	leftGuard.Drop()

	parentGuard := ctx.writeSet[len(ctx.writeSet)-1]
	parent := asInternalPage(parentGuard.DataMut())
	if parent.size() < parent.maxSize() {
		parent.insert(key, rightPid, t.cmp)
		return
	}

	// 内部节点分裂
	entries := parent.entries()
	pos := 1
	for ; pos < len(entries); pos++ {
		if t.cmp(key, entries[pos].key) < 0 {
			break
		}
	}
	keyCopy := make([]byte, KeySize)
	copy(keyCopy, key)
	entries = append(entries, internalEntry{})
	copy(entries[pos+1:], entries[pos:])
	entries[pos] = internalEntry{key: keyCopy, child: rightPid}

	unclePid, uncleBasic := t.bpm.NewPageGuarded()
	basic.Assert(uncleBasic != nil, "buffer pool exhausted during internal split")
	uncleBasic.Drop()
	uncleGuard := t.bpm.FetchPageWrite(unclePid)
	basic.Assert(uncleGuard != nil, "buffer pool exhausted during internal split")
	uncle := initInternalPage(uncleGuard.DataMut(), t.internalMaxSize)

	minSize := (t.internalMaxSize + 1) / 2
	parent.setEntries(entries[:minSize])
	uncle.setEntries(entries[minSize:])

	keyToUncle := make([]byte, KeySize)
	copy(keyToUncle, entries[minSize].key)
	uncleGuard.Drop()

	t.insertInParent(ctx, keyToUncle, unclePid)
}

// Remove 删除键，键不存在时无副作用
func (t *BPlusTree) Remove(key []byte) {
	ctx := &treeContext{}
	defer ctx.releaseAll()

	ctx.headerGuard = t.bpm.FetchPageWrite(t.headerPageID)
	basic.Assert(ctx.headerGuard != nil, "buffer pool exhausted while locking header page")
	rootID := asHeaderPage(ctx.headerGuard.Data()).rootPageID()
	if rootID == basic.InvalidPageID {
		return
	}
	ctx.rootPageID = rootID

	guard := t.bpm.FetchPageWrite(rootID)
	basic.Assert(guard != nil, "buffer pool exhausted during tree descent")
	ctx.writeSet = append(ctx.writeSet, guard)

	node := asNodePage(guard.Data())
	for !node.isLeaf() {
		childID := asInternalPage(guard.Data()).lookup(key, t.cmp)
		childGuard := t.bpm.FetchPageWrite(childID)
		basic.Assert(childGuard != nil, "buffer pool exhausted during tree descent")
		childNode := asNodePage(childGuard.Data())
		if childNode.size() > childNode.minSize() {
			// 子节点高于下限，不会向上合并，释放全部祖先
			ctx.releaseAncestors()
		}
		ctx.writeSet = append(ctx.writeSet, childGuard)
		guard = childGuard
		node = childNode
	}

	t.deleteEntry(ctx, key)
}

// deleteEntry 从当前节点（writeSet末尾）删除键，低于下限时合并或重分配
func (t *BPlusTree) deleteEntry(ctx *treeContext, key []byte) {
	guard := ctx.writeSet[len(ctx.writeSet)-1]
	ctx.writeSet = ctx.writeSet[:len(ctx.writeSet)-1]

	node := asNodePage(guard.Data())
	if node.isLeaf() {
		asLeafPage(guard.DataMut()).deleteEntry(key, t.cmp)
	} else {
		asInternalPage(guard.DataMut()).deleteEntry(key, t.cmp)
	}

	if ctx.isRootPage(guard.PageID()) {
		if node.isLeaf() {
			if node.size() == 0 {
				// 最后一个键被删除，树变空
				basic.Assert(ctx.headerGuard != nil, "root latch release error")
				asHeaderPage(ctx.headerGuard.DataMut()).setRootPageID(basic.InvalidPageID)
				pid := guard.PageID()
				guard.Drop()
				t.bpm.DeletePage(pid)
				return
			}
			guard.Drop()
			return
		}
		if node.size() == 1 {
			// 根只剩单子节点，子节点晋升为新根
			childID := asInternalPage(guard.Data()).childAt(0)
			basic.Assert(ctx.headerGuard != nil, "root latch release error")
			asHeaderPage(ctx.headerGuard.DataMut()).setRootPageID(childID)
			pid := guard.PageID()
			guard.Drop()
			t.bpm.DeletePage(pid)
			return
		}
		guard.Drop()
		return
	}

	if node.size() >= node.minSize() {
		guard.Drop()
		return
	}

	// 低于下限：经由父节点选择兄弟，合并或重分配
	parentGuard := ctx.writeSet[len(ctx.writeSet)-1]
	parent := asInternalPage(parentGuard.DataMut())
	idx := parent.childIndex(guard.PageID())

	var (
		leftGuard, rightGuard *WritePageGuard
		sepIdx                int
	)
	if idx < parent.size()-1 {
		// 右兄弟存在
		sepIdx = idx + 1
		sibGuard := t.bpm.FetchPageWrite(parent.childAt(sepIdx))
		basic.Assert(sibGuard != nil, "buffer pool exhausted during rebalance")
		leftGuard, rightGuard = guard, sibGuard
	} else {
		sepIdx = idx
		sibGuard := t.bpm.FetchPageWrite(parent.childAt(idx - 1))
		basic.Assert(sibGuard != nil, "buffer pool exhausted during rebalance")
		leftGuard, rightGuard = sibGuard, guard
	}
	sepKey := make([]byte, KeySize)
	copy(sepKey, parent.keyAt(sepIdx))

	left := asNodePage(leftGuard.Data())
	right := asNodePage(rightGuard.Data())

	if left.size()+right.size() <= left.maxSize() {
		// 合并到左节点，再从父节点删除分隔键
		if left.isLeaf() {
			leftLeaf := asLeafPage(leftGuard.DataMut())
			rightLeaf := asLeafPage(rightGuard.DataMut())
			leftLeaf.setNextPageID(rightLeaf.nextPageID())
			base := leftLeaf.size()
			leftLeaf.setSize(base + rightLeaf.size())
			for i := 0; i < rightLeaf.size(); i++ {
				leftLeaf.setEntryAt(base+i, rightLeaf.keyAt(i), rightLeaf.ridAt(i))
			}
		} else {
			leftInternal := asInternalPage(leftGuard.DataMut())
			rightInternal := asInternalPage(rightGuard.DataMut())
			rightEntries := rightInternal.entries()
			rightEntries[0].key = sepKey
			for _, e := range rightEntries {
				leftInternal.appendEntry(e.key, e.child)
			}
		}
		rightPid := rightGuard.PageID()
		// 先释放两个子节点的闩锁再递归，否则会死锁
		leftGuard.Drop()
		rightGuard.Drop()
		t.bpm.DeletePage(rightPid)
		t.deleteEntry(ctx, sepKey)
		return
	}

	// 重分配：从兄弟借一个条目。父节点不再变化，可以提前释放祖先
	ctx.keepParentOnly()

	if left.isLeaf() {
		leftLeaf := asLeafPage(leftGuard.DataMut())
		rightLeaf := asLeafPage(rightGuard.DataMut())
		if leftLeaf.size() < leftLeaf.minSize() {
			// 当前节点在左，从右兄弟借首条
			leftLeaf.insert(rightLeaf.keyAt(0), rightLeaf.ridAt(0), t.cmp)
			rightLeaf.deleteAt(0)
		} else {
			// 当前节点在右，从左兄弟借末条
			last := leftLeaf.size() - 1
			rightLeaf.insert(leftLeaf.keyAt(last), leftLeaf.ridAt(last), t.cmp)
			leftLeaf.deleteAt(last)
		}
		parent.setKeyAt(sepIdx, rightLeaf.keyAt(0))
	} else {
		leftInternal := asInternalPage(leftGuard.DataMut())
		rightInternal := asInternalPage(rightGuard.DataMut())
		if leftInternal.size() < leftInternal.minSize() {
			// 右兄弟的首子指针下放到左节点末尾，分隔键随之轮转
			leftInternal.appendEntry(sepKey, rightInternal.childAt(0))
			parent.setKeyAt(sepIdx, rightInternal.keyAt(1))
			rightInternal.deleteAt(0)
		} else {
			// 左兄弟的末子指针上移到右节点头部
			last := leftInternal.size() - 1
			newSep := make([]byte, KeySize)
			copy(newSep, leftInternal.keyAt(last))
			rightInternal.insertFront(sepKey, leftInternal.childAt(last))
			parent.setKeyAt(sepIdx, newSep)
			leftInternal.deleteAt(last)
		}
	}

	leftGuard.Drop()
	rightGuard.Drop()
}

// Begin 返回最左叶子首条目的迭代器
func (t *BPlusTree) Begin() *IndexIterator {
	headerGuard := t.bpm.FetchPageRead(t.headerPageID)
	basic.Assert(headerGuard != nil, "buffer pool exhausted while reading header page")
	rootID := asHeaderPage(headerGuard.Data()).rootPageID()
	if rootID == basic.InvalidPageID {
		headerGuard.Drop()
		return t.End()
	}

	guard := t.bpm.FetchPageRead(rootID)
	basic.Assert(guard != nil, "buffer pool exhausted during tree search")
	headerGuard.Drop()

	for {
		node := asNodePage(guard.Data())
		if node.isLeaf() {
			break
		}
		childGuard := t.bpm.FetchPageRead(asInternalPage(guard.Data()).childAt(0))
		basic.Assert(childGuard != nil, "buffer pool exhausted during tree search")
		guard.Drop()
		guard = childGuard
	}
	return newIndexIterator(t.bpm, guard, 0)
}

// BeginAt 返回第一个不小于key的条目的迭代器
func (t *BPlusTree) BeginAt(key []byte) *IndexIterator {
	headerGuard := t.bpm.FetchPageRead(t.headerPageID)
	basic.Assert(headerGuard != nil, "buffer pool exhausted while reading header page")
	rootID := asHeaderPage(headerGuard.Data()).rootPageID()
	if rootID == basic.InvalidPageID {
		headerGuard.Drop()
		return t.End()
	}

	guard := t.bpm.FetchPageRead(rootID)
	basic.Assert(guard != nil, "buffer pool exhausted during tree search")
	headerGuard.Drop()

	for {
		node := asNodePage(guard.Data())
		if node.isLeaf() {
			break
		}
		childGuard := t.bpm.FetchPageRead(asInternalPage(guard.Data()).lookup(key, t.cmp))
		basic.Assert(childGuard != nil, "buffer pool exhausted during tree search")
		guard.Drop()
		guard = childGuard
	}
	idx, _ := asLeafPage(guard.Data()).find(key, t.cmp)
	return newIndexIterator(t.bpm, guard, idx)
}

// End 尾后迭代器
func (t *BPlusTree) End() *IndexIterator {
	return &IndexIterator{bpm: t.bpm}
}

// PrintTree 打印树结构，调试用
func (t *BPlusTree) PrintTree() {
	rootID := t.GetRootPageID()
	if rootID == basic.InvalidPageID {
		logger.Infof("BPlusTree: (empty)")
		return
	}
	t.printSubtree(rootID, 0)
}

func (t *BPlusTree) printSubtree(pid basic.PageID, depth int) {
	guard := t.bpm.FetchPageBasic(pid)
	if guard == nil {
		return
	}
	defer guard.Drop()
	node := asNodePage(guard.Data())
	if node.isLeaf() {
		leaf := asLeafPage(guard.Data())
		logger.Infof("BPlusTree: depth=%d leaf page=%d size=%d next=%d",
			depth, pid, leaf.size(), leaf.nextPageID())
		return
	}
	internal := asInternalPage(guard.Data())
	logger.Infof("BPlusTree: depth=%d internal page=%d size=%d", depth, pid, internal.size())
	for i := 0; i < internal.size(); i++ {
		t.printSubtree(internal.childAt(i), depth+1)
	}
}
