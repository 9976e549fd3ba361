// Copyright © 2018 Intel Corporation
//
// SPDX-License-Identifier: GPL-3.0-only

package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/clearlinux/dim/clonejob"
	"github.com/clearlinux/dim/conf"
	"github.com/clearlinux/dim/container"
	"github.com/clearlinux/dim/dimerrors"
	"github.com/clearlinux/dim/diskinfo"
	"github.com/clearlinux/dim/diskstream"
	"github.com/clearlinux/dim/log"
	"github.com/clearlinux/dim/osadapter"
	"github.com/clearlinux/dim/serialurl"
)

// version is set at release time; unset here since dim has no build pipeline yet
var version = "dev"

func fatal(err error) {
	log.ErrorError(err)
	os.Exit(exitCode(err))
}

// exitCode maps a dimerrors.Error's Kind to a distinct non-zero status, so
// scripted callers can distinguish "missing tool" from "device busy" without
// parsing the message, per spec.md §6's "exit code 0 success, non-zero typed
// failure".
func exitCode(err error) int {
	de, ok := err.(*dimerrors.Error)
	if !ok {
		return 1
	}
	return int(de.Kind) + 2
}

func main() {
	var (
		logFile      string
		bufferSize   int
		fixBoot      bool
		abortTimeout time.Duration
		showVersion  bool
	)

	flag.StringVar(&logFile, "log-file", "", "Log file path (overrides DIM_LOG_FILE)")
	flag.IntVar(&bufferSize, "buffer-size", 0, "Scope pump buffer size in bytes (overrides DIM_BUFFER_SIZE)")
	flag.BoolVar(&fixBoot, "fix-boot", true, "Run the post-restore boot fixup pass")
	flag.DurationVar(&abortTimeout, "abort-timeout", 0, "If > 0, abort the job if it makes no progress for this long")
	flag.BoolVarP(&showVersion, "version", "v", false, "Print the version and exit")
	flag.ErrHelp = fmt.Errorf("dim clones and restores whole-disk images: dim <source> <destination>")
	flag.Parse()

	if showVersion {
		fmt.Println("dim: " + version)
		return
	}

	if flag.NArg() != 2 {
		fmt.Fprintln(os.Stderr, "usage: dim [flags] <source> <destination>")
		os.Exit(1)
	}

	if logFile == "" {
		logFile = conf.LookupLogFile()
	}
	f, err := log.SetOutputFilename(logFile)
	if err != nil {
		fatal(err)
	}
	defer func() { _ = f.Close() }()

	log.SetLogLevel(log.LogLevelInfo)

	if bufferSize == 0 {
		bufferSize, err = conf.LookupBufferSize()
		if err != nil {
			fatal(err)
		}
	}

	adapter := osadapter.New()

	sourceArg, destArg := flag.Arg(0), flag.Arg(1)

	sourcePath, err := resolvePath(adapter, sourceArg)
	if err != nil {
		fatal(err)
	}
	destPath, err := resolvePath(adapter, destArg)
	if err != nil {
		fatal(err)
	}

	lockTarget := destPath
	if isContainerPath(destPath) {
		lockTarget = sourcePath
	}
	lock, err := clonejob.AcquireDeviceLock(lockTarget)
	if err != nil {
		fatal(err)
	}
	defer func() { _ = lock.Unlock() }()

	source, sourceDisk, err := openSource(adapter, sourcePath, bufferSize)
	if err != nil {
		fatal(err)
	}

	sink, err := openSink(adapter, destPath, sourceDisk, bufferSize)
	if err != nil {
		fatal(err)
	}

	steps := clonejob.BuildSteps(sourceDisk)

	var fixBootCfg *clonejob.FixBootConfig
	if fixBoot {
		fixBootCfg = &clonejob.FixBootConfig{Adapter: adapter}
	}

	job := clonejob.New(source, sink, steps, bufferSize, fixBootCfg)

	client := newBarClient()
	client.Desc("dim", fmt.Sprintf("%s -> %s", sourceArg, destArg))

	startedAt := time.Now()
	scopeNames := make([]string, 0, len(steps))
	for _, s := range steps {
		scopeNames = append(scopeNames, s.Scope.String())
	}

	var lastProgress time.Time
	job.Start()

	for e := range job.Events() {
		switch e.Status {
		case clonejob.Failed:
			client.Failure()
			writeManifest(sourceArg, destArg, scopeNames, startedAt, false, e.Err)
			fatal(e.Err)
		case clonejob.Stopped:
			if e.Err == nil {
				client.Success()
				writeManifest(sourceArg, destArg, scopeNames, startedAt, true, nil)
			}
		default:
			lastProgress = time.Now()
			client.Partial(100, int(e.Progress*100))
		}

		if abortTimeout > 0 && !lastProgress.IsZero() && time.Since(lastProgress) > abortTimeout {
			log.Warning("no progress for %s, aborting", abortTimeout)
			job.Abort()
		}
	}
}

// writeManifest persists a YAML sidecar describing the job next to whichever
// endpoint is a .dim container, for operator review without a container-aware
// tool. Failure to write it is logged but never changes the job's outcome.
func writeManifest(sourceArg, destArg string, scopes []string, startedAt time.Time, succeeded bool, jobErr error) {
	target := ""
	switch {
	case isContainerPath(destArg):
		target = destArg
	case isContainerPath(sourceArg):
		target = sourceArg
	default:
		return
	}

	m := container.Manifest{
		Source:    sourceArg,
		Sink:      destArg,
		Scopes:    scopes,
		StartedAt: startedAt,
		EndedAt:   time.Now(),
		Succeeded: succeeded,
	}
	if jobErr != nil {
		m.Error = jobErr.Error()
	}

	if err := container.WriteManifestYAML(container.ManifestPath(target), m); err != nil {
		log.Warning("could not write job manifest: %v", err)
	}
}

// resolvePath turns a serial:// reference into a live kernel path, leaving
// block-device and container paths unchanged.
func resolvePath(adapter *osadapter.Adapter, raw string) (string, error) {
	if serialurl.Looks(raw) {
		return serialurl.ResolvePath(adapter, raw)
	}
	return raw, nil
}

func isContainerPath(path string) bool {
	return strings.HasSuffix(path, ".dim")
}

// openSource builds the Stream and DiskRef for the source endpoint: a
// container file or a live block device.
func openSource(adapter *osadapter.Adapter, path string, bufferSize int) (diskstream.Stream, *diskinfo.DiskRef, error) {
	if isContainerPath(path) {
		r, err := diskstream.NewFileReader(path)
		if err != nil {
			return nil, nil, err
		}
		disk, err := r.RefreshDiskRef()
		if err != nil {
			return nil, nil, err
		}
		return r, disk, nil
	}

	disk, err := describeDevice(adapter, path)
	if err != nil {
		return nil, nil, err
	}
	return diskstream.NewDevice(adapter, disk, bufferSize), disk, nil
}

// openSink builds the Stream for the destination endpoint. A container
// destination is created fresh, described by the source's DiskRef. A
// device destination reuses the source's partition layout when its own
// table is not yet in place, since a successful restore leaves the
// destination with an identical table.
func openSink(adapter *osadapter.Adapter, path string, sourceDisk *diskinfo.DiskRef, bufferSize int) (diskstream.Stream, error) {
	if isContainerPath(path) {
		return diskstream.NewFileWriter(sourceDisk, path)
	}

	sinkDisk, err := describeDevice(adapter, path)
	if err != nil {
		return nil, err
	}

	if len(sinkDisk.Partitions) != len(sourceDisk.Partitions) {
		sinkDisk.Partitions = projectPartitions(sourceDisk, sinkDisk.Path)
		sinkDisk.PartTable = sourceDisk.PartTable
	}

	return diskstream.NewDevice(adapter, sinkDisk, bufferSize), nil
}

// describeDevice enumerates a single block device by path
func describeDevice(adapter *osadapter.Adapter, path string) (*diskinfo.DiskRef, error) {
	disks, err := adapter.EnumerateBlockDevices([]string{path})
	if err != nil {
		return nil, err
	}
	if len(disks) == 0 {
		return nil, dimerrors.New(dimerrors.Invalid, "no such block device %q", path)
	}
	return disks[0], nil
}

// projectPartitions clones source's partition layout onto a different disk
// path, used when the sink disk has not yet had its partition table applied
// (and so lsblk can't report its partitions yet).
func projectPartitions(source *diskinfo.DiskRef, sinkDiskPath string) []*diskinfo.PartitionRef {
	out := make([]*diskinfo.PartitionRef, 0, len(source.Partitions))
	for _, p := range source.Partitions {
		clone := *p
		clone.Path = osadapter.DevicePartitionPath(sinkDiskPath, p.Index)
		out = append(out, &clone)
	}
	return out
}
