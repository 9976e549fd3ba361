// Copyright © 2018 Intel Corporation
//
// SPDX-License-Identifier: GPL-3.0-only

// Package progress defines the interface a presentation layer implements to
// render a running operation's status. Unlike the teacher, which drives this
// interface through a package-level Set/Get singleton so any subsystem can
// report progress without threading a dependency through its call chain,
// here only the CLI's terminal renderer implements it, and it is handed
// directly to the code that drives progress (clonejob.Job's caller) instead
// of being reached for through a global.
package progress

import "time"

// Client is the interface a frontend implements in order to be notified
// about a running operation's progress.
type Client interface {
	// Desc is called when a new progress unit is started
	Desc(printPrefix, desc string)

	// Partial is called for each partial step completion of a multi-step task
	Partial(total int, step int)

	// Step is called on behalf of a loop-style task, at the interval
	// returned by LoopWaitDuration
	Step()

	// Success is called whenever a progress task is completed successfully
	Success()

	// Failure is called whenever a progress task fails to complete
	Failure()

	// LoopWaitDuration gives the implementation the opportunity to
	// configure the loop-style progress step period
	LoopWaitDuration() time.Duration
}
