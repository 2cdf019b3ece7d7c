package conf

import (
	"os"
	"strings"
	"time"

	"github.com/zhukovaskychina/xstorage/logger"

	"gopkg.in/ini.v1"
)

// Cfg 存储引擎配置
type Cfg struct {
	Raw *ini.File

	// storage
	DataDir   string `default:"data" yaml:"data_dir" json:"data_dir,omitempty"`
	DataFile  string `default:"xstordata1" yaml:"data_file" json:"data_file,omitempty"`
	PageSize  int    `default:"4096" yaml:"page_size" json:"page_size,omitempty"`
	PoolSize  int    `default:"1024" yaml:"pool_size" json:"pool_size,omitempty"`
	ReplacerK int    `default:"2" yaml:"replacer_k" json:"replacer_k,omitempty"`

	// btree
	LeafMaxSize     int `default:"255" yaml:"leaf_max_size" json:"leaf_max_size,omitempty"`
	InternalMaxSize int `default:"255" yaml:"internal_max_size" json:"internal_max_size,omitempty"`

	// txn
	DeadlockDetectInterval         string `default:"50ms" yaml:"deadlock_detect_interval" json:"deadlock_detect_interval,omitempty"`
	DeadlockDetectIntervalDuration time.Duration
	IsolationLevel                 string `default:"repeatable_read" yaml:"isolation_level" json:"isolation_level,omitempty"`

	// logs
	LogError string `default:"" yaml:"log_error" json:"log_error,omitempty"`
	LogInfos string `default:"" yaml:"log_infos" json:"log_infos,omitempty"`
	LogLevel string `default:"info" yaml:"log_level" json:"log_level,omitempty"`
}

// NewCfg 返回带默认值的配置
func NewCfg() *Cfg {
	return &Cfg{
		Raw:                            ini.Empty(),
		DataDir:                        "data",
		DataFile:                       "xstordata1",
		PageSize:                       4096,
		PoolSize:                       1024,
		ReplacerK:                      2,
		LeafMaxSize:                    255,
		InternalMaxSize:                255,
		DeadlockDetectInterval:         "50ms",
		DeadlockDetectIntervalDuration: 50 * time.Millisecond,
		IsolationLevel:                 "repeatable_read",
		LogLevel:                       "info",
	}
}

// Load 从ini配置文件加载，文件不存在时使用默认配置
func (cfg *Cfg) Load(configPath string) *Cfg {
	iniFile, err := cfg.loadConfiguration(configPath)
	if err != nil {
		logger.Errorf("加载配置文件时有异常: %v", err)
		os.Exit(1)
	}
	cfg.Raw = iniFile

	cfg.parseStorageCfg(cfg.Raw.Section("storage"))
	cfg.parseBtreeCfg(cfg.Raw.Section("btree"))
	cfg.parseTxnCfg(cfg.Raw.Section("txn"))
	cfg.parseLogsCfg(cfg.Raw.Section("logs"))
	return cfg
}

func (cfg *Cfg) loadConfiguration(configPath string) (*ini.File, error) {
	configFile := "conf/xstorage.ini"
	if configPath != "" {
		configFile = configPath
	}

	if _, err := os.Stat(configFile); os.IsNotExist(err) {
		logger.Debugf("配置文件不存在: %s，使用默认配置", configFile)
		return ini.Empty(), nil
	}

	parsedFile, err := ini.Load(configFile)
	if err != nil {
		logger.Debugf("解析配置文件失败: %v，使用默认配置", err)
		return ini.Empty(), nil
	}

	logger.Debugf("成功加载配置文件: %s", configFile)
	return parsedFile, nil
}

func (cfg *Cfg) parseStorageCfg(section *ini.Section) *Cfg {
	if section == nil {
		return cfg
	}

	dataDir, err := valueAsString(section, "data_dir", cfg.DataDir)
	if err == nil {
		cfg.DataDir = dataDir
	}

	dataFile, err := valueAsString(section, "data_file", cfg.DataFile)
	if err == nil {
		cfg.DataFile = dataFile
	}

	cfg.PageSize = section.Key("page_size").MustInt(cfg.PageSize)
	cfg.PoolSize = section.Key("pool_size").MustInt(cfg.PoolSize)
	cfg.ReplacerK = section.Key("replacer_k").MustInt(cfg.ReplacerK)
	return cfg
}

func (cfg *Cfg) parseBtreeCfg(section *ini.Section) *Cfg {
	if section == nil {
		return cfg
	}

	cfg.LeafMaxSize = section.Key("leaf_max_size").MustInt(cfg.LeafMaxSize)
	cfg.InternalMaxSize = section.Key("internal_max_size").MustInt(cfg.InternalMaxSize)
	return cfg
}

func (cfg *Cfg) parseTxnCfg(section *ini.Section) *Cfg {
	if section == nil {
		return cfg
	}

	interval, err := valueAsString(section, "deadlock_detect_interval", cfg.DeadlockDetectInterval)
	if err == nil {
		cfg.DeadlockDetectInterval = interval
	}
	cfg.DeadlockDetectIntervalDuration, err = time.ParseDuration(cfg.DeadlockDetectInterval)
	if err != nil {
		logger.Warnf("非法的死锁检测间隔 '%s'，使用默认值 50ms", cfg.DeadlockDetectInterval)
		cfg.DeadlockDetectInterval = "50ms"
		cfg.DeadlockDetectIntervalDuration = 50 * time.Millisecond
	}

	iso, err := valueAsString(section, "isolation_level", cfg.IsolationLevel)
	if err == nil {
		cfg.IsolationLevel = strings.ToLower(iso)
		switch cfg.IsolationLevel {
		case "read_uncommitted", "read_committed", "repeatable_read":
		default:
			logger.Warnf("非法的隔离级别 '%s'，使用默认级别 'repeatable_read'", iso)
			cfg.IsolationLevel = "repeatable_read"
		}
	}
	return cfg
}

func (cfg *Cfg) parseLogsCfg(section *ini.Section) *Cfg {
	if section == nil {
		return cfg
	}

	logError, err := valueAsString(section, "log_error", cfg.LogError)
	if err == nil {
		cfg.LogError = logError
	}

	logInfos, err := valueAsString(section, "log_infos", cfg.LogInfos)
	if err == nil {
		cfg.LogInfos = logInfos
	}

	logLevel, err := valueAsString(section, "log_level", cfg.LogLevel)
	if err == nil {
		cfg.LogLevel = strings.ToLower(logLevel)
		validLevels := []string{"debug", "info", "warn", "error", "fatal", "panic"}
		isValid := false
		for _, level := range validLevels {
			if cfg.LogLevel == level {
				isValid = true
				break
			}
		}
		if !isValid {
			logger.Debugf("警告: 无效的日志级别 '%s', 使用默认级别 'info'", logLevel)
			cfg.LogLevel = "info"
		}
	}

	return cfg
}

func valueAsString(section *ini.Section, keyName string, defaultValue string) (value string, err error) {
	if section == nil {
		return defaultValue, nil
	}
	value = section.Key(keyName).MustString(defaultValue)
	if value == "" {
		value = defaultValue
	}
	return value, nil
}
