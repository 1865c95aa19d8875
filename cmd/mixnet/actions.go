// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

// actions selected by the command line flags.
type actions struct {
	Download, Train, Inspect, Eval, Classify bool
}

// NeedsBackend is true if any selected action runs the model.
func (a actions) NeedsBackend() bool { return a.Train || a.Eval || a.Classify }

// flagValues are the flags that select actions. TrainSet is whether -train was given explicitly.
type flagValues struct {
	Train, TrainSet, Download, Eval, Inspect bool
	Classify                                 string
}

// selectActions decides what to run: training runs by default, but is skipped when -eval, -inspect
// or -classify are given, unless -train is also set explicitly. MNIST is only downloaded if
// training or evaluation need it.
func selectActions(f flagValues) actions {
	a := actions{
		Train:    f.Train,
		Inspect:  f.Inspect,
		Eval:     f.Eval,
		Classify: f.Classify != "",
	}
	if !f.TrainSet && (a.Eval || a.Inspect || a.Classify) {
		a.Train = false
	}
	a.Download = f.Download && (a.Train || a.Eval)
	return a
}
