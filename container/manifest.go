// Copyright © 2018 Intel Corporation
//
// SPDX-License-Identifier: GPL-3.0-only

package container

import (
	"io/ioutil"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/clearlinux/dim/dimerrors"
)

// Manifest is a human-readable sidecar written next to a .dim file, the way
// the teacher persists its install descriptor as YAML, so an operator can
// inspect what a job did without a container-aware tool.
type Manifest struct {
	Source    string    `yaml:"source"`
	Sink      string    `yaml:"sink"`
	Scopes    []string  `yaml:"scopesCompleted"`
	StartedAt time.Time `yaml:"startedAt"`
	EndedAt   time.Time `yaml:"endedAt"`
	Succeeded bool      `yaml:"succeeded"`
	Error     string    `yaml:"error,omitempty"`
}

// WriteManifestYAML renders m as YAML to path, overwriting any existing file
func WriteManifestYAML(path string, m Manifest) error {
	data, err := yaml.Marshal(m)
	if err != nil {
		return dimerrors.New(dimerrors.Io, "could not marshal manifest: %v", err)
	}

	if err := ioutil.WriteFile(path, data, 0644); err != nil {
		return dimerrors.New(dimerrors.Io, "could not write manifest %s: %v", path, err)
	}

	return nil
}

// ReadManifestYAML reads back a manifest written by WriteManifestYAML
func ReadManifestYAML(path string) (Manifest, error) {
	data, err := ioutil.ReadFile(path)
	if err != nil {
		return Manifest{}, dimerrors.New(dimerrors.Io, "could not read manifest %s: %v", path, err)
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return Manifest{}, dimerrors.New(dimerrors.Corrupt, "could not parse manifest %s: %v", path, err)
	}

	return m, nil
}

// ManifestPath derives the sidecar path for a .dim container path
func ManifestPath(containerPath string) string {
	return containerPath + ".manifest.yaml"
}
