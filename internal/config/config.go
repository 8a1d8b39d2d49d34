// Copyright 2026 CM4all GmbH. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads the proxy's static configuration from a TOML file.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Config is the top-level configuration document.
type Config struct {
	Listen      []string `toml:"listen"`
	ControlPath string   `toml:"control_path"`

	TranslationSocket string `toml:"translation_socket"`

	SlicePool SlicePoolConfig `toml:"slice_pool"`
	Rubber    RubberConfig    `toml:"rubber"`

	HTTPCache         CacheBudget `toml:"http_cache"`
	FilterCache       CacheBudget `toml:"filter_cache"`
	NFSCache          CacheBudget `toml:"nfs_cache"`
	TranslationCache  CacheBudget `toml:"translation_cache"`

	Session SessionConfig `toml:"session"`

	// InlineAuthPrefix gates the legacy inline-auth file handler path
	// (spec.md §9 Open Question: treated as a compatibility shim, off by
	// default). Empty disables it.
	InlineAuthPrefix string `toml:"inline_auth_prefix"`

	RedisAddr string `toml:"redis_addr"`

	// NumWorkers sizes the connection manager's rendezvous-hashed
	// cache-affinity tagging (component N). 0 disables it.
	NumWorkers int `toml:"num_workers"`
}

type SlicePoolConfig struct {
	SliceSize     int `toml:"slice_size"`
	SlicesPerArea int `toml:"slices_per_area"`
}

type RubberConfig struct {
	MaxSize uint32 `toml:"max_size"`
}

type CacheBudget struct {
	MaxSize int64         `toml:"max_size"`
	Sweep   time.Duration `toml:"sweep_interval"`
}

type SessionConfig struct {
	IdleTimeout  time.Duration `toml:"idle_timeout"`
	MaxSessions  int           `toml:"max_sessions"`
	NodeID       uint8         `toml:"node_id"`
	SidecarPath  string        `toml:"sidecar_path"`
}

// Default returns a configuration with sane defaults, matching the
// teacher's "apply sane defaults after flag parsing" idiom from
// cmd/tfd-proxy/main.go, adapted to a loaded document rather than flags.
func Default() Config {
	return Config{
		Listen:            []string{":8080"},
		ControlPath:       "/run/edgecore/control.sock",
		TranslationSocket: "/run/edgecore/translation.sock",
		SlicePool: SlicePoolConfig{
			SliceSize:     1024,
			SlicesPerArea: 512,
		},
		Rubber: RubberConfig{MaxSize: 256 * 1024 * 1024},
		HTTPCache: CacheBudget{
			MaxSize: 64 * 1024 * 1024,
			Sweep:   1 * time.Minute,
		},
		FilterCache: CacheBudget{
			MaxSize: 64 * 1024 * 1024,
			Sweep:   1 * time.Minute,
		},
		NFSCache: CacheBudget{
			MaxSize: 32 * 1024 * 1024,
			Sweep:   1 * time.Minute,
		},
		TranslationCache: CacheBudget{
			MaxSize: 16 * 1024 * 1024,
			Sweep:   1 * time.Minute,
		},
		Session: SessionConfig{
			IdleTimeout: 30 * time.Minute,
			MaxSessions: 1_000_000,
			SidecarPath: "",
		},
		NumWorkers: 8,
	}
}

// Load reads and parses a TOML configuration file on top of Default(), so
// anything the file does not set keeps its default value.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading config %s: %w", path, err)
	}
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return cfg, nil
}
