package common

import (
	"gopkg.in/yaml.v2"
	"io/fs"
	"io/ioutil"
	"time"
)

// FileConfig is the YAML cluster file shared by servers and clients.
type FileConfig struct {
	Cluster           []Server
	HeartbeatTimeout  int // In milliseconds
	ElectionTimeout   int // In milliseconds
	RequestTimeout    int // In milliseconds
	Partitions        int
	SnapshotThreshold uint64
	// DataDir is the directory under which every server keeps its partitions.
	DataDir string
	// Codec names the wire and log encoding, gob or json. Every member and client must agree.
	Codec string `yaml:",omitempty"`
}

func LoadFileConfig(path string) (FileConfig, error) {
	var cfg FileConfig
	bytes, err := ioutil.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	err = yaml.Unmarshal(bytes, &cfg)
	return cfg, err
}

func (cfg FileConfig) Save(path string) error {
	bytes, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return ioutil.WriteFile(path, bytes, fs.ModePerm)
}

// ClusterConfig fills in defaults for everything the file leaves out.
func (cfg FileConfig) ClusterConfig() ClusterConfig {
	config := DefaultClusterConfig(cfg.Cluster)
	if cfg.HeartbeatTimeout > 0 {
		config.HeartBeatTimeout = time.Millisecond * time.Duration(cfg.HeartbeatTimeout)
	}
	if cfg.ElectionTimeout > 0 {
		config.ElectionTimeout = time.Millisecond * time.Duration(cfg.ElectionTimeout)
	}
	if cfg.RequestTimeout > 0 {
		config.RequestTimeout = time.Millisecond * time.Duration(cfg.RequestTimeout)
	}
	if cfg.Partitions > 0 {
		config.Partitions = cfg.Partitions
	}
	if cfg.SnapshotThreshold > 0 {
		config.SnapshotThreshold = cfg.SnapshotThreshold
	}
	return config
}
