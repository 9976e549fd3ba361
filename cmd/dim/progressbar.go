// Copyright © 2018 Intel Corporation
//
// SPDX-License-Identifier: GPL-3.0-only

package main

import (
	"time"

	"github.com/schollz/progressbar/v3"

	"github.com/clearlinux/dim/progress"
)

// barClient renders clonejob progress on the terminal via a
// schollz/progressbar/v3 bar. It implements progress.Client and is driven
// directly by main's event loop over Job.Events(), rather than through the
// teacher's package-level Set/Get singleton.
type barClient struct {
	bar *progressbar.ProgressBar
}

var _ progress.Client = (*barClient)(nil)

func newBarClient() *barClient {
	return &barClient{
		bar: progressbar.NewOptions(100,
			progressbar.OptionSetWidth(40),
			progressbar.OptionShowCount(),
			progressbar.OptionClearOnFinish(),
		),
	}
}

// Desc sets the bar's description line
func (b *barClient) Desc(printPrefix, desc string) {
	if printPrefix != "" {
		desc = printPrefix + ": " + desc
	}
	b.bar.Describe(desc)
}

// Partial advances the bar to step/total percent
func (b *barClient) Partial(total, step int) {
	if total <= 0 {
		return
	}
	_ = b.bar.Set(step * 100 / total)
}

// Step advances the bar by one tick, used for loop-style progress
func (b *barClient) Step() {
	_ = b.bar.Add(1)
}

// Success marks the bar complete
func (b *barClient) Success() {
	_ = b.bar.Finish()
}

// Failure leaves the bar where it stopped; the caller reports the error separately
func (b *barClient) Failure() {
	_ = b.bar.Exit()
}

// LoopWaitDuration is unused by dim's event-driven rendering, kept to
// satisfy progress.Client
func (b *barClient) LoopWaitDuration() time.Duration {
	return time.Second
}
