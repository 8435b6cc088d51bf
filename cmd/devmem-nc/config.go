//go:build linux

package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/romshark/devmem-nc/devmem"
)

// yamlDefaults mirrors cmd/bench's YAML-backed Config: fields absent from
// the CLI fall back to this file's values, never the other way around.
type yamlDefaults struct {
	Listen     bool   `yaml:"listen"`
	PeerAddr   string `yaml:"peer-addr"`
	ClientAddr string `yaml:"client-addr"`
	Port       int    `yaml:"port"`
	Iface      string `yaml:"interface"`
	NumQueues  int    `yaml:"num-queues"`
	StartQueue int    `yaml:"start-queue"`
	Modulus    int    `yaml:"modulus"`
	MaxChunk   int    `yaml:"max-chunk"`
	PacePPS    uint64 `yaml:"pace-pps"`
}

// applyYAMLDefaults fills in cfg fields left at their flag.Parse zero value
// from path. A missing file named explicitly on the CLI is a
// ConfigurationError; an absent default path (not named here, since
// cmd/devmem-nc only loads -config when given) is never attempted.
func applyYAMLDefaults(cfg *devmem.Config, path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("%w: read config file %q: %w", devmem.ErrConfiguration, path, err)
	}
	var d yamlDefaults
	if err := yaml.Unmarshal(b, &d); err != nil {
		return fmt.Errorf("%w: parse config file %q: %w", devmem.ErrConfiguration, path, err)
	}

	if !cfg.Listen {
		cfg.Listen = d.Listen
	}
	if cfg.PeerAddr == "" {
		cfg.PeerAddr = d.PeerAddr
	}
	if cfg.ClientAddr == "" {
		cfg.ClientAddr = d.ClientAddr
	}
	if cfg.Port == 0 {
		cfg.Port = d.Port
	}
	if cfg.Iface == "" {
		cfg.Iface = d.Iface
	}
	if cfg.NumQueues == 0 {
		cfg.NumQueues = d.NumQueues
	}
	if cfg.StartQueue == -1 {
		cfg.StartQueue = d.StartQueue
	}
	if cfg.Modulus == 0 {
		cfg.Modulus = d.Modulus
	}
	if cfg.MaxChunk == 0 {
		cfg.MaxChunk = d.MaxChunk
	}
	if cfg.PacePPS == 0 {
		cfg.PacePPS = d.PacePPS
	}
	return nil
}
