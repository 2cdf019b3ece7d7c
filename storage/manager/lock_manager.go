package manager

import (
	"sync"
	"time"

	"github.com/zhukovaskychina/xstorage/basic"
	"github.com/zhukovaskychina/xstorage/logger"
	"github.com/zhukovaskychina/xstorage/util"
)

// rowLockShardCount 行锁表分片数
const rowLockShardCount = 16

// rowLockShard 行锁表的一个分片，分片闩锁只保护map结构
type rowLockShard struct {
	mu     sync.Mutex
	queues map[basic.RID]*LockRequestQueue
}

// LockManager 层级2PL锁管理器。
// 表级五种模式(IS/IX/S/SIX/X)、行级两种(S/X)；每个目标一条FIFO等待队列，
// 升级者优先；后台死锁检测线程定期构建等待图并中止环中最年轻的事务。
//
// 闩锁顺序：锁表map闩锁 → 队列闩锁，不反向；队列闩锁之间不嵌套
type LockManager struct {
	tableLockMapMu sync.Mutex
	tableLockMap   map[basic.TableID]*LockRequestQueue

	rowShards [rowLockShardCount]rowLockShard

	txnManager *TransactionManager

	// 等待图，死锁检测专用
	waitsForMu sync.Mutex
	waitsFor   map[basic.TxnID][]basic.TxnID

	detectInterval time.Duration
	stopCh         chan struct{}
	stopOnce       sync.Once
}

// NewLockManager 创建锁管理器并启动死锁检测
func NewLockManager(detectInterval time.Duration) *LockManager {
	if detectInterval <= 0 {
		detectInterval = 50 * time.Millisecond
	}
	m := &LockManager{
		tableLockMap:   make(map[basic.TableID]*LockRequestQueue),
		waitsFor:       make(map[basic.TxnID][]basic.TxnID),
		detectInterval: detectInterval,
		stopCh:         make(chan struct{}),
	}
	for i := range m.rowShards {
		m.rowShards[i].queues = make(map[basic.RID]*LockRequestQueue)
	}
	go m.runCycleDetection()
	logger.Infof("LockManager: 启动死锁检测, interval=%v", detectInterval)
	return m
}

// Close 停止死锁检测
func (m *LockManager) Close() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
	})
}

// getTableQueue 取表的等待队列，没有则创建
func (m *LockManager) getTableQueue(oid basic.TableID) *LockRequestQueue {
	m.tableLockMapMu.Lock()
	defer m.tableLockMapMu.Unlock()
	q, ok := m.tableLockMap[oid]
	if !ok {
		q = newLockRequestQueue()
		m.tableLockMap[oid] = q
	}
	return q
}

// getRowQueue 取行的等待队列，按RID哈希分片
func (m *LockManager) getRowQueue(rid basic.RID) *LockRequestQueue {
	shard := &m.rowShards[util.HashCode(rid.Bytes())%rowLockShardCount]
	shard.mu.Lock()
	defer shard.mu.Unlock()
	q, ok := shard.queues[rid]
	if !ok {
		q = newLockRequestQueue()
		shard.queues[rid] = q
	}
	return q
}

// abortTxn 把事务置为ABORTED并返回对应的中止错误
func (m *LockManager) abortTxn(txn *Transaction, reason basic.AbortReason) error {
	txn.SetState(TxnStateAborted)
	logger.Debugf("LockManager: 事务 %d 中止: %s", txn.ID(), reason)
	return basic.NewTransactionAbortError(txn.ID(), reason)
}

// canTxnTakeLock 隔离级别×锁模式×事务状态的合法性校验
func (m *LockManager) canTxnTakeLock(txn *Transaction, mode LockMode) error {
	state := txn.State()
	basic.Assert(state != TxnStateCommitted && state != TxnStateAborted,
		"lock request on a finished transaction")

	switch txn.IsolationLevel() {
	case IsolationReadUncommitted:
		if mode == LockModeShared || mode == LockModeIntentionShared ||
			mode == LockModeSharedIntentionExclusive {
			return m.abortTxn(txn, basic.AbortReasonLockSharedOnReadUncommitted)
		}
		if state == TxnStateShrinking {
			return m.abortTxn(txn, basic.AbortReasonLockOnShrinking)
		}
	case IsolationReadCommitted:
		if state == TxnStateShrinking &&
			mode != LockModeShared && mode != LockModeIntentionShared {
			return m.abortTxn(txn, basic.AbortReasonLockOnShrinking)
		}
	case IsolationRepeatableRead:
		if state == TxnStateShrinking {
			return m.abortTxn(txn, basic.AbortReasonLockOnShrinking)
		}
	}
	return nil
}

// checkAppropriateLockOnTable 行锁的表级意向锁前置检查
func (m *LockManager) checkAppropriateLockOnTable(txn *Transaction, oid basic.TableID, rowMode LockMode) error {
	if rowMode != LockModeShared && rowMode != LockModeExclusive {
		return m.abortTxn(txn, basic.AbortReasonAttemptedIntentionLockOnRow)
	}
	tableMode, held := txn.TableLockMode(oid)
	if rowMode == LockModeExclusive {
		if !held || (tableMode != LockModeExclusive &&
			tableMode != LockModeIntentionExclusive &&
			tableMode != LockModeSharedIntentionExclusive) {
			return m.abortTxn(txn, basic.AbortReasonTableLockNotPresent)
		}
		return nil
	}
	// S行锁要求表上持有任意一种锁
	if !held {
		return m.abortTxn(txn, basic.AbortReasonTableLockNotPresent)
	}
	return nil
}

// grantNewLocksIfPossibleLocked 按FIFO授予一段极大兼容前缀。
// 一旦某个未授予请求无法授予立即停止，保证不饿死。调用方必须持有q.mu
func (m *LockManager) grantNewLocksIfPossibleLocked(q *LockRequestQueue) {
	grantedModes := make([]LockMode, 0, len(q.requests))
	for _, r := range q.requests {
		if r.granted {
			grantedModes = append(grantedModes, r.mode)
		}
	}

	newlyGranted := false
	for _, r := range q.requests {
		if r.granted {
			continue
		}
		compatible := true
		for _, gm := range grantedModes {
			if !areLocksCompatible(r.mode, gm) {
				compatible = false
				break
			}
		}
		if !compatible {
			break
		}
		if r.txnID == q.upgrading {
			q.upgrading = basic.InvalidTxnID
		}
		r.granted = true
		grantedModes = append(grantedModes, r.mode)
		newlyGranted = true
	}
	if newlyGranted {
		q.cond.Broadcast()
	}
}

// waitForGrant 在队列上等待请求被授予。
// 进入时必须持有q.mu，返回时已释放。事务被中止时清理请求并返回错误
func (m *LockManager) waitForGrant(txn *Transaction, q *LockRequestQueue, req *LockRequest) error {
	for {
		state := txn.State()
		if state == TxnStateAborted || state == TxnStateCommitted {
			if q.upgrading == req.txnID {
				q.upgrading = basic.InvalidTxnID
			}
			q.removeRequestLocked(req)
			q.cond.Broadcast()
			q.mu.Unlock()
			return basic.NewTransactionAbortError(req.txnID, basic.AbortReasonDeadlock)
		}
		m.grantNewLocksIfPossibleLocked(q)
		if req.granted {
			q.mu.Unlock()
			return nil
		}
		q.cond.Wait()
	}
}

// LockTable 获取表锁，阻塞直到授予或事务被中止
func (m *LockManager) LockTable(txn *Transaction, mode LockMode, oid basic.TableID) (bool, error) {
	logger.Debugf("LockTable(txn=%d mode=%s oid=%d state=%s)", txn.ID(), mode, oid, txn.State())
	if err := m.canTxnTakeLock(txn, mode); err != nil {
		return false, err
	}

	q := m.getTableQueue(oid)

	heldMode, held := txn.TableLockMode(oid)
	if held && heldMode == mode {
		// 重复加锁视为成功
		return true, nil
	}
	if held && !canLockUpgrade(heldMode, mode) {
		return false, m.abortTxn(txn, basic.AbortReasonIncompatibleUpgrade)
	}

	req := &LockRequest{txnID: txn.ID(), mode: mode, oid: oid, onTable: true}
	q.mu.Lock()
	if held {
		// 升级：每条队列同时只允许一个升级者
		if q.upgrading != basic.InvalidTxnID {
			q.mu.Unlock()
			return false, m.abortTxn(txn, basic.AbortReasonUpgradeConflict)
		}
		q.upgrading = txn.ID()
		q.removeTxnRequestLocked(txn.ID())
		txn.RemoveTableLock(heldMode, oid)
		q.insertBeforeUngrantedLocked(req)
	} else {
		q.requests = append(q.requests, req)
	}

	if err := m.waitForGrant(txn, q, req); err != nil {
		return false, err
	}

	txn.AddTableLock(mode, oid)
	return true, nil
}

// UnlockTable 释放表锁。表下还有行锁时中止事务
func (m *LockManager) UnlockTable(txn *Transaction, oid basic.TableID) (bool, error) {
	logger.Debugf("UnlockTable(txn=%d oid=%d iso=%s state=%s)", txn.ID(), oid, txn.IsolationLevel(), txn.State())
	if txn.HasRowLocksOnTable(oid) {
		return false, m.abortTxn(txn, basic.AbortReasonTableUnlockedBeforeUnlockingRows)
	}

	heldMode, held := txn.TableLockMode(oid)
	if !held {
		return false, m.abortTxn(txn, basic.AbortReasonAttemptedUnlockButNoLockHeld)
	}

	// 按隔离级别收缩
	if txn.State() == TxnStateGrowing {
		switch txn.IsolationLevel() {
		case IsolationReadUncommitted:
			basic.Assert(heldMode != LockModeShared && heldMode != LockModeIntentionShared,
				"shared lock held under READ_UNCOMMITTED")
			if heldMode == LockModeExclusive {
				txn.SetState(TxnStateShrinking)
			}
		case IsolationReadCommitted:
			if heldMode == LockModeExclusive {
				txn.SetState(TxnStateShrinking)
			}
		case IsolationRepeatableRead:
			if heldMode == LockModeExclusive || heldMode == LockModeShared {
				txn.SetState(TxnStateShrinking)
			}
		}
	}

	q := m.getTableQueue(oid)
	q.mu.Lock()
	q.removeTxnRequestLocked(txn.ID())
	q.cond.Broadcast()
	q.mu.Unlock()

	txn.RemoveTableLock(heldMode, oid)
	return true, nil
}

// LockRow 获取行锁，阻塞直到授予或事务被中止
func (m *LockManager) LockRow(txn *Transaction, mode LockMode, oid basic.TableID, rid basic.RID) (bool, error) {
	logger.Debugf("LockRow(txn=%d mode=%s oid=%d rid=%s state=%s)", txn.ID(), mode, oid, rid, txn.State())

	if heldMode, held := txn.RowLockMode(oid, rid); held {
		if heldMode == mode || heldMode == LockModeExclusive {
			// 已持有等强或更强的锁
			return true, nil
		}
	}

	if err := m.checkAppropriateLockOnTable(txn, oid, mode); err != nil {
		return false, err
	}
	if err := m.canTxnTakeLock(txn, mode); err != nil {
		return false, err
	}

	q := m.getRowQueue(rid)
	req := &LockRequest{txnID: txn.ID(), mode: mode, oid: oid, rid: rid}

	q.mu.Lock()
	if existing := q.findTxnRequestLocked(txn.ID()); existing != nil {
		// 升级S→X
		basic.Assert(existing.granted, "upgrade request was never granted")
		if q.upgrading != basic.InvalidTxnID {
			q.mu.Unlock()
			return false, m.abortTxn(txn, basic.AbortReasonUpgradeConflict)
		}
		if !canLockUpgrade(existing.mode, mode) {
			q.mu.Unlock()
			return false, m.abortTxn(txn, basic.AbortReasonIncompatibleUpgrade)
		}
		q.upgrading = txn.ID()
		txn.RemoveRowLock(existing.mode, oid, rid)
		q.removeRequestLocked(existing)
		q.insertBeforeUngrantedLocked(req)
	} else {
		q.requests = append(q.requests, req)
	}

	if err := m.waitForGrant(txn, q, req); err != nil {
		return false, err
	}

	txn.AddRowLock(mode, oid, rid)
	return true, nil
}

// UnlockRow 释放行锁。force为true时跳过2PL状态流转（事务结束时批量释放用）
func (m *LockManager) UnlockRow(txn *Transaction, oid basic.TableID, rid basic.RID, force bool) (bool, error) {
	logger.Debugf("UnlockRow(txn=%d oid=%d rid=%s force=%v)", txn.ID(), oid, rid, force)
	heldMode, held := txn.RowLockMode(oid, rid)
	if !held {
		return false, m.abortTxn(txn, basic.AbortReasonAttemptedUnlockButNoLockHeld)
	}

	if !force && txn.State() == TxnStateGrowing {
		switch txn.IsolationLevel() {
		case IsolationReadUncommitted:
			basic.Assert(heldMode != LockModeShared, "shared row lock held under READ_UNCOMMITTED")
			if heldMode == LockModeExclusive {
				txn.SetState(TxnStateShrinking)
			}
		case IsolationReadCommitted:
			if heldMode == LockModeExclusive {
				txn.SetState(TxnStateShrinking)
			}
		case IsolationRepeatableRead:
			txn.SetState(TxnStateShrinking)
		}
	}

	q := m.getRowQueue(rid)
	q.mu.Lock()
	q.removeTxnRequestLocked(txn.ID())
	q.cond.Broadcast()
	q.mu.Unlock()

	txn.RemoveRowLock(heldMode, oid, rid)
	return true, nil
}

// UnlockAll 释放事务持有的全部锁，提交/中止路径调用。
// 行锁先于表锁释放，不触发2PL状态流转
func (m *LockManager) UnlockAll(txn *Transaction) {
	for _, target := range txn.RowLocksSnapshot() {
		q := m.getRowQueue(target.rid)
		q.mu.Lock()
		q.removeTxnRequestLocked(txn.ID())
		q.cond.Broadcast()
		q.mu.Unlock()
		txn.RemoveRowLock(target.mode, target.oid, target.rid)
	}
	for _, target := range txn.TableLocksSnapshot() {
		q := m.getTableQueue(target.oid)
		q.mu.Lock()
		q.removeTxnRequestLocked(txn.ID())
		q.cond.Broadcast()
		q.mu.Unlock()
		txn.RemoveTableLock(target.mode, target.oid)
	}
}
