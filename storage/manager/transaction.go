package manager

import (
	"sync"

	"github.com/zhukovaskychina/xstorage/basic"
)

// IsolationLevel 事务隔离级别
type IsolationLevel int

const (
	IsolationReadUncommitted IsolationLevel = iota
	IsolationReadCommitted
	IsolationRepeatableRead
)

func (l IsolationLevel) String() string {
	switch l {
	case IsolationReadUncommitted:
		return "READ_UNCOMMITTED"
	case IsolationReadCommitted:
		return "READ_COMMITTED"
	case IsolationRepeatableRead:
		return "REPEATABLE_READ"
	default:
		return "UNKNOWN"
	}
}

// ParseIsolationLevel 解析配置里的隔离级别字符串
func ParseIsolationLevel(s string) IsolationLevel {
	switch s {
	case "read_uncommitted":
		return IsolationReadUncommitted
	case "read_committed":
		return IsolationReadCommitted
	default:
		return IsolationRepeatableRead
	}
}

// TransactionState 事务状态，按严格2PL规则流转
type TransactionState int

const (
	TxnStateGrowing TransactionState = iota
	TxnStateShrinking
	TxnStateCommitted
	TxnStateAborted
)

func (s TransactionState) String() string {
	switch s {
	case TxnStateGrowing:
		return "GROWING"
	case TxnStateShrinking:
		return "SHRINKING"
	case TxnStateCommitted:
		return "COMMITTED"
	case TxnStateAborted:
		return "ABORTED"
	default:
		return "UNKNOWN"
	}
}

// tableLockTarget UnlockAll用的表锁快照条目
type tableLockTarget struct {
	mode LockMode
	oid  basic.TableID
}

// rowLockTarget UnlockAll用的行锁快照条目
type rowLockTarget struct {
	mode LockMode
	oid  basic.TableID
	rid  basic.RID
}

// Transaction 事务。状态与锁集由内部互斥锁保护：
// 死锁检测器会并发地读状态、把牺牲者置为ABORTED
type Transaction struct {
	mu    sync.RWMutex
	id    basic.TxnID
	iso   IsolationLevel
	state TransactionState

	sharedTableLockSet                   map[basic.TableID]struct{}
	exclusiveTableLockSet                map[basic.TableID]struct{}
	intentionSharedTableLockSet          map[basic.TableID]struct{}
	intentionExclusiveTableLockSet       map[basic.TableID]struct{}
	sharedIntentionExclusiveTableLockSet map[basic.TableID]struct{}

	sharedRowLockSet    map[basic.TableID]map[basic.RID]struct{}
	exclusiveRowLockSet map[basic.TableID]map[basic.RID]struct{}
}

// NewTransaction 创建事务，初始状态GROWING
func NewTransaction(id basic.TxnID, iso IsolationLevel) *Transaction {
	return &Transaction{
		id:    id,
		iso:   iso,
		state: TxnStateGrowing,

		sharedTableLockSet:                   make(map[basic.TableID]struct{}),
		exclusiveTableLockSet:                make(map[basic.TableID]struct{}),
		intentionSharedTableLockSet:          make(map[basic.TableID]struct{}),
		intentionExclusiveTableLockSet:       make(map[basic.TableID]struct{}),
		sharedIntentionExclusiveTableLockSet: make(map[basic.TableID]struct{}),

		sharedRowLockSet:    make(map[basic.TableID]map[basic.RID]struct{}),
		exclusiveRowLockSet: make(map[basic.TableID]map[basic.RID]struct{}),
	}
}

// ID 事务ID
func (t *Transaction) ID() basic.TxnID {
	return t.id
}

// IsolationLevel 隔离级别
func (t *Transaction) IsolationLevel() IsolationLevel {
	return t.iso
}

// State 当前状态
func (t *Transaction) State() TransactionState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state
}

// SetState 设置状态。已终止(COMMITTED/ABORTED)的事务不再回退
func (t *Transaction) SetState(state TransactionState) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == TxnStateCommitted || t.state == TxnStateAborted {
		return
	}
	t.state = state
}

func (t *Transaction) tableLockSetLocked(mode LockMode) map[basic.TableID]struct{} {
	switch mode {
	case LockModeShared:
		return t.sharedTableLockSet
	case LockModeExclusive:
		return t.exclusiveTableLockSet
	case LockModeIntentionShared:
		return t.intentionSharedTableLockSet
	case LockModeIntentionExclusive:
		return t.intentionExclusiveTableLockSet
	case LockModeSharedIntentionExclusive:
		return t.sharedIntentionExclusiveTableLockSet
	default:
		basic.Assert(false, "unknown table lock mode")
		return nil
	}
}

// TableLockMode 返回事务在表上持有的锁模式
func (t *Transaction) TableLockMode(oid basic.TableID) (LockMode, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, mode := range []LockMode{
		LockModeExclusive,
		LockModeSharedIntentionExclusive,
		LockModeIntentionExclusive,
		LockModeShared,
		LockModeIntentionShared,
	} {
		if _, ok := t.tableLockSetLocked(mode)[oid]; ok {
			return mode, true
		}
	}
	return 0, false
}

// AddTableLock 记录已授予的表锁
func (t *Transaction) AddTableLock(mode LockMode, oid basic.TableID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tableLockSetLocked(mode)[oid] = struct{}{}
}

// RemoveTableLock 移除表锁记录
func (t *Transaction) RemoveTableLock(mode LockMode, oid basic.TableID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.tableLockSetLocked(mode), oid)
}

func (t *Transaction) rowLockSetLocked(mode LockMode) map[basic.TableID]map[basic.RID]struct{} {
	switch mode {
	case LockModeShared:
		return t.sharedRowLockSet
	case LockModeExclusive:
		return t.exclusiveRowLockSet
	default:
		basic.Assert(false, "unknown row lock mode")
		return nil
	}
}

// RowLockMode 返回事务在行上持有的锁模式
func (t *Transaction) RowLockMode(oid basic.TableID, rid basic.RID) (LockMode, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if rids, ok := t.exclusiveRowLockSet[oid]; ok {
		if _, held := rids[rid]; held {
			return LockModeExclusive, true
		}
	}
	if rids, ok := t.sharedRowLockSet[oid]; ok {
		if _, held := rids[rid]; held {
			return LockModeShared, true
		}
	}
	return 0, false
}

// AddRowLock 记录已授予的行锁
func (t *Transaction) AddRowLock(mode LockMode, oid basic.TableID, rid basic.RID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	set := t.rowLockSetLocked(mode)
	if set[oid] == nil {
		set[oid] = make(map[basic.RID]struct{})
	}
	set[oid][rid] = struct{}{}
}

// RemoveRowLock 移除行锁记录
func (t *Transaction) RemoveRowLock(mode LockMode, oid basic.TableID, rid basic.RID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	set := t.rowLockSetLocked(mode)
	if rids, ok := set[oid]; ok {
		delete(rids, rid)
		if len(rids) == 0 {
			delete(set, oid)
		}
	}
}

// HasRowLocksOnTable 表下是否还有未释放的行锁
func (t *Transaction) HasRowLocksOnTable(oid basic.TableID) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.sharedRowLockSet[oid]) > 0 || len(t.exclusiveRowLockSet[oid]) > 0
}

// TableLocksSnapshot 表锁快照，UnlockAll遍历用
func (t *Transaction) TableLocksSnapshot() []tableLockTarget {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []tableLockTarget
	for _, mode := range []LockMode{
		LockModeIntentionShared,
		LockModeIntentionExclusive,
		LockModeShared,
		LockModeSharedIntentionExclusive,
		LockModeExclusive,
	} {
		for oid := range t.tableLockSetLocked(mode) {
			out = append(out, tableLockTarget{mode: mode, oid: oid})
		}
	}
	return out
}

// RowLocksSnapshot 行锁快照，UnlockAll遍历用
func (t *Transaction) RowLocksSnapshot() []rowLockTarget {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []rowLockTarget
	for oid, rids := range t.sharedRowLockSet {
		for rid := range rids {
			out = append(out, rowLockTarget{mode: LockModeShared, oid: oid, rid: rid})
		}
	}
	for oid, rids := range t.exclusiveRowLockSet {
		for rid := range rids {
			out = append(out, rowLockTarget{mode: LockModeExclusive, oid: oid, rid: rid})
		}
	}
	return out
}
