package main

import (
	"flag"
	"os"
	"path/filepath"

	"github.com/zhukovaskychina/xstorage/basic"
	"github.com/zhukovaskychina/xstorage/conf"
	"github.com/zhukovaskychina/xstorage/logger"
	"github.com/zhukovaskychina/xstorage/storage/disk"
	"github.com/zhukovaskychina/xstorage/storage/manager"
)

// 存储核心演示：磁盘管理器 → 缓冲池 → B+树索引 → 锁管理器
func main() {
	configPath := flag.String("config", "", "配置文件路径")
	flag.Parse()

	cfg := conf.NewCfg().Load(*configPath)
	if err := logger.InitLogger(logger.LogConfig{
		ErrorLogPath: cfg.LogError,
		InfoLogPath:  cfg.LogInfos,
		LogLevel:     cfg.LogLevel,
	}); err != nil {
		os.Exit(1)
	}

	dataPath := filepath.Join(cfg.DataDir, cfg.DataFile)
	dm, err := disk.NewFileManager(dataPath, cfg.PageSize)
	if err != nil {
		logger.Fatalf("打开数据文件失败: %v", err)
	}
	defer dm.Close()

	bpm := manager.NewBufferPoolManager(cfg.PoolSize, cfg.ReplacerK, dm)
	tree := manager.NewBPlusTree(bpm, basic.InvalidPageID, manager.Int64KeyComparator,
		cfg.LeafMaxSize, cfg.InternalMaxSize)

	// 索引读写
	logger.Infof("==> B+树插入与范围扫描")
	for k := int64(1); k <= 100; k++ {
		tree.Insert(manager.Int64Key(k*37%101), basic.NewRID(basic.PageID(k), uint32(k)))
	}
	count := 0
	for it := tree.Begin(); !it.IsEnd(); it.Next() {
		count++
	}
	logger.Infof("B+树条目数: %d, root=%d", count, tree.GetRootPageID())

	for k := int64(1); k <= 50; k++ {
		tree.Remove(manager.Int64Key(k))
	}
	logger.Infof("删除后IsEmpty=%v", tree.IsEmpty())

	// 两事务锁场景
	logger.Infof("==> 锁管理器")
	lm := manager.NewLockManager(cfg.DeadlockDetectIntervalDuration)
	defer lm.Close()
	tm := manager.NewTransactionManager(lm)

	iso := manager.ParseIsolationLevel(cfg.IsolationLevel)
	t1 := tm.Begin(iso)
	t2 := tm.Begin(iso)

	if ok, err := lm.LockTable(t1, manager.LockModeIntentionExclusive, 1); !ok {
		logger.Errorf("t1加表锁失败: %v", err)
	}
	if ok, err := lm.LockRow(t1, manager.LockModeExclusive, 1, basic.NewRID(1, 1)); !ok {
		logger.Errorf("t1加行锁失败: %v", err)
	}
	if ok, err := lm.LockTable(t2, manager.LockModeIntentionShared, 1); !ok {
		logger.Errorf("t2加表锁失败: %v", err)
	}

	tm.Commit(t1)
	tm.Commit(t2)

	if err := bpm.FlushAllPages(); err != nil {
		logger.Errorf("刷盘失败: %v", err)
	}
	stats := bpm.Stats()
	logger.Infof("缓冲池命中率: %.2f%% (hit=%d miss=%d)",
		stats.HitRate()*100, stats.HitCount(), stats.MissCount())
}
