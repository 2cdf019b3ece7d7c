package manager

import (
	"sync"
	"sync/atomic"

	"github.com/zhukovaskychina/xstorage/basic"
	"github.com/zhukovaskychina/xstorage/logger"
)

// TransactionManager 事务管理器。创建事务、提交/中止时经由锁管理器
// 释放事务持有的全部锁；死锁检测器通过它把牺牲者id解析为事务
type TransactionManager struct {
	mu          sync.RWMutex
	txnMap      map[basic.TxnID]*Transaction
	nextTxnID   int64
	lockManager *LockManager
}

// NewTransactionManager 创建事务管理器并与锁管理器互相关联
func NewTransactionManager(lockManager *LockManager) *TransactionManager {
	tm := &TransactionManager{
		txnMap:      make(map[basic.TxnID]*Transaction),
		lockManager: lockManager,
	}
	lockManager.txnManager = tm
	return tm
}

// Begin 开启新事务
func (tm *TransactionManager) Begin(iso IsolationLevel) *Transaction {
	id := basic.TxnID(atomic.AddInt64(&tm.nextTxnID, 1))
	txn := NewTransaction(id, iso)

	tm.mu.Lock()
	tm.txnMap[id] = txn
	tm.mu.Unlock()

	logger.Debugf("TransactionManager: Begin(txn=%d iso=%s)", id, iso)
	return txn
}

// Commit 提交事务：释放全部锁后置为COMMITTED
func (tm *TransactionManager) Commit(txn *Transaction) {
	tm.lockManager.UnlockAll(txn)
	txn.SetState(TxnStateCommitted)
	logger.Debugf("TransactionManager: Commit(txn=%d)", txn.ID())
}

// Abort 中止事务：置为ABORTED后释放全部锁
func (tm *TransactionManager) Abort(txn *Transaction) {
	// 先置状态再释放锁，让等待中的加锁调用立刻失败返回
	txn.SetState(TxnStateAborted)
	tm.lockManager.UnlockAll(txn)
	logger.Debugf("TransactionManager: Abort(txn=%d)", txn.ID())
}

// GetTransaction 按id查事务
func (tm *TransactionManager) GetTransaction(id basic.TxnID) *Transaction {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	return tm.txnMap[id]
}
