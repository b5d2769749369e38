// Copyright (c) Red Hat, Inc.
// Licensed under the Apache License 2.0.

// Package config loads and validates the magic-mirror configuration file.
//
// The file is JSON, located at ./config.json, falling back to
// /etc/magic-mirror/config.json. Validation is fail-fast: the process should
// not start with a configuration it cannot fully act on, and every validation
// error names the offending option path.
package config

import (
	"fmt"
	"os"

	"github.com/stolostron/magic-mirror/stringutil"
)

const configDir = "/etc/magic-mirror"

// DefaultSyncInterval is the tick period, in seconds, when syncInterval is not set.
const DefaultSyncInterval = 30

// DefaultPort is the webhook listener port when port is not set.
const DefaultPort = 8080

// OrgMapping describes how one upstream organization's repos map onto a fork
// organization's branches.
type OrgMapping struct {
	// BranchMappings maps an upstream branch name to the fork branch that
	// receives its merged PRs.
	BranchMappings map[string]string `json:"branchMappings"`
	// PRLabels are applied to every sync PR created for this mapping.
	PRLabels []string `json:"prLabels,omitempty"`
}

// Config is the validated configuration record.
type Config struct {
	AppID          int64  `json:"appID"`
	PrivateKeyPath string `json:"privateKeyPath,omitempty"`
	DBPath         string `json:"dbPath,omitempty"`
	LogLevel       string `json:"logLevel,omitempty"`
	SyncInterval   int    `json:"syncInterval,omitempty"`
	WebhookSecret  string `json:"webhookSecret,omitempty"`
	Port           int    `json:"port,omitempty"`
	// UpstreamMappings is keyed by fork organization, then upstream
	// organization.
	UpstreamMappings map[string]map[string]OrgMapping `json:"upstreamMappings"`

	// PrivateKey is the loaded contents of the GitHub App signing key. Not
	// part of the file format.
	PrivateKey []byte `json:"-"`
}

// Load reads the config file at path. If path is empty, ./config.json is
// probed, then /etc/magic-mirror/config.json.
func Load(path string) (*Config, error) {
	if path == "" {
		found, err := probeFile("config.json")
		if err != nil {
			return nil, err
		}
		path = found
	}

	var c Config
	if err := stringutil.ReadJSONFile(path, &c); err != nil {
		return nil, err
	}

	if err := c.validate(); err != nil {
		return nil, err
	}
	c.applyDefaults()

	key, err := c.loadPrivateKey()
	if err != nil {
		return nil, err
	}
	c.PrivateKey = key

	return &c, nil
}

// probeFile returns ./name if it exists, else the /etc/magic-mirror path.
// Errors if neither exists.
func probeFile(name string) (string, error) {
	local := "./" + name
	if _, err := os.Stat(local); err == nil {
		return local, nil
	}
	system := configDir + "/" + name
	if _, err := os.Stat(system); err == nil {
		return system, nil
	}
	return "", fmt.Errorf("unable to find %q in the current directory or %v", name, configDir)
}

func (c *Config) applyDefaults() {
	if c.SyncInterval == 0 {
		c.SyncInterval = DefaultSyncInterval
	}
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.DBPath == "" {
		local := "./magic-mirror.db"
		if _, err := os.Stat(local); err == nil {
			c.DBPath = local
		} else {
			c.DBPath = configDir + "/magic-mirror.db"
		}
	}
}

func (c *Config) loadPrivateKey() ([]byte, error) {
	path := c.PrivateKeyPath
	if path == "" {
		found, err := probeFile("auth.key")
		if err != nil {
			return nil, err
		}
		path = found
	}
	key, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("unable to read the GitHub App private key at %q: %w", path, err)
	}
	return key, nil
}

func (c *Config) validate() error {
	if c.AppID == 0 {
		return fmt.Errorf(`the option "appID" must be set to a non-zero integer`)
	}
	if c.PrivateKeyPath != "" {
		if _, err := os.Stat(c.PrivateKeyPath); err != nil {
			return fmt.Errorf(`the option "privateKeyPath" must point at an existing file: %v`, err)
		}
	}
	if c.SyncInterval < 0 {
		return fmt.Errorf(`the option "syncInterval" must be a positive integer`)
	}
	if c.Port < 0 {
		return fmt.Errorf(`the option "port" must be a positive integer`)
	}
	switch c.LogLevel {
	case "", "debug", "info", "error":
	default:
		return fmt.Errorf(`the option "logLevel" must be one of "debug", "info", or "error"`)
	}

	if len(c.UpstreamMappings) == 0 {
		return fmt.Errorf(`the option "upstreamMappings" must be set`)
	}
	for forkOrg, upstreams := range c.UpstreamMappings {
		if len(upstreams) == 0 {
			return fmt.Errorf(`the option "upstreamMappings.%v" must contain at least one upstream organization`, forkOrg)
		}
		for upstreamOrg, mapping := range upstreams {
			prefix := fmt.Sprintf("upstreamMappings.%v.%v", forkOrg, upstreamOrg)
			if len(mapping.BranchMappings) == 0 {
				return fmt.Errorf(`the option "%v.branchMappings" must be set`, prefix)
			}
			seenTargets := make(map[string]string, len(mapping.BranchMappings))
			for upstreamBranch, forkBranch := range mapping.BranchMappings {
				if forkBranch == "" {
					return fmt.Errorf(
						`the option "%v.branchMappings.%v" must be a non-empty string`, prefix, upstreamBranch,
					)
				}
				if other, ok := seenTargets[forkBranch]; ok {
					return fmt.Errorf(
						`the option "%v.branchMappings" maps both %q and %q to the fork branch %q`,
						prefix, other, upstreamBranch, forkBranch,
					)
				}
				seenTargets[forkBranch] = upstreamBranch
			}
			for i, label := range mapping.PRLabels {
				if label == "" {
					return fmt.Errorf(`the option "%v.prLabels[%v]" must be a non-empty string`, prefix, i)
				}
			}
		}
	}
	return nil
}
