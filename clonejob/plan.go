// Copyright © 2018 Intel Corporation
//
// SPDX-License-Identifier: GPL-3.0-only

package clonejob

import (
	"github.com/clearlinux/dim/diskinfo"
	"github.com/clearlinux/dim/diskstream"
)

// BuildSteps orders the scopes a clone/restore walks for disk, following
// spec.md §4.5's Clone_Head? -> Clone_PartitionTable? -> Clone_Partition x N
// -> Save_Info sequence. Whether a given step actually moves any bytes is
// decided later by the source and sink's HasScope, not here: BuildSteps
// only establishes the candidate order.
func BuildSteps(disk *diskinfo.DiskRef) []ScopeStep {
	steps := []ScopeStep{
		{Scope: diskstream.ScopeHead},
		{Scope: diskstream.ScopePartitionTable},
	}

	disk.SortPartitions()
	for _, p := range disk.Partitions {
		if !p.Cloneable() {
			continue
		}
		steps = append(steps, ScopeStep{Scope: diskstream.ScopePartition, Index: p.Index})
	}

	steps = append(steps, ScopeStep{Scope: diskstream.ScopeJsonInfo})

	return steps
}
