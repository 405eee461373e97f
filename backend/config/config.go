package config

import (
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/spf13/viper"
)

type Config struct {
	Running struct {
		Port int `mapstructure:"port"`
	} `mapstructure:"running"`
	Mysql struct {
		// 需要 parseTime=true；为空时文件和角色只存在内存里
		DSN string `mapstructure:"dsn"`
	} `mapstructure:"mysql"`
	Redis struct {
		Addrs    []string `mapstructure:"addrs"`
		Password string   `mapstructure:"password"`
	} `mapstructure:"redis"`
	Kafka struct {
		Brokers []string `mapstructure:"brokers"`
		Topic   string   `mapstructure:"topic"`
		Workers int      `mapstructure:"workers"`
	} `mapstructure:"kafka"`
	Auth struct {
		// 为空时读 JWT_SECRET
		Secret string `mapstructure:"secret"`
	} `mapstructure:"auth"`
	Bolt struct {
		Path string `mapstructure:"path"`
	} `mapstructure:"bolt"`
	Session struct {
		SnapshotInterval   time.Duration `mapstructure:"snapshotInterval"`
		ParticipantTimeout time.Duration `mapstructure:"participantTimeout"`
		StorageTimeout     time.Duration `mapstructure:"storageTimeout"`
		// 多节点时每个节点唯一；为空则启动时随机生成
		NodeID   string        `mapstructure:"nodeId"`
		LeaseTTL time.Duration `mapstructure:"leaseTTL"`
	} `mapstructure:"session"`
	Transport struct {
		// memory：单机；redis：多节点通过 Pub/Sub 转发
		Kind         string        `mapstructure:"kind"`
		PingInterval time.Duration `mapstructure:"pingInterval"`
	} `mapstructure:"transport"`
}

// Load 读取 collabConfig.yaml；兼容从项目根目录或 backend 目录启动。
// 传入 paths 时只在这些目录里找。
func Load(paths ...string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("collabConfig")
	v.SetConfigType("yaml")
	if len(paths) == 0 {
		paths = []string{"./backend/config", "./config", "."}
	}
	for _, p := range paths {
		v.AddConfigPath(p)
	}
	v.SetDefault("running.port", 3002)
	v.SetDefault("kafka.topic", "collab-ops")
	v.SetDefault("kafka.workers", 4)
	v.SetDefault("bolt.path", "collab-journal.db")
	v.SetDefault("session.snapshotInterval", "10s")
	v.SetDefault("session.participantTimeout", "1m")
	v.SetDefault("session.storageTimeout", "5s")
	v.SetDefault("session.leaseTTL", "30s")
	v.SetDefault("transport.kind", "memory")
	v.SetDefault("transport.pingInterval", "30s")

	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

const redactedMark = "******"

// Redacted 打日志用：去掉口令和密钥
func (c Config) Redacted() Config {
	if c.Mysql.DSN != "" {
		if dsn, err := mysql.ParseDSN(c.Mysql.DSN); err == nil {
			if dsn.Passwd != "" {
				dsn.Passwd = redactedMark
			}
			c.Mysql.DSN = dsn.FormatDSN()
		} else {
			c.Mysql.DSN = redactedMark
		}
	}
	if c.Redis.Password != "" {
		c.Redis.Password = redactedMark
	}
	if c.Auth.Secret != "" {
		c.Auth.Secret = redactedMark
	}
	return c
}
