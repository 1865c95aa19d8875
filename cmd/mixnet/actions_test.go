// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSelectActions(t *testing.T) {
	testCases := []struct {
		name    string
		flags   flagValues
		want    actions
		backend bool
	}{
		{"defaults", flagValues{Train: true, Download: true},
			actions{Download: true, Train: true}, true},
		{"no download", flagValues{Train: true},
			actions{Train: true}, true},
		{"eval only", flagValues{Train: true, Download: true, Eval: true},
			actions{Download: true, Eval: true}, true},
		{"inspect only", flagValues{Train: true, Download: true, Inspect: true},
			actions{Inspect: true}, false},
		{"classify only", flagValues{Train: true, Download: true, Classify: "digit.png"},
			actions{Classify: true}, true},
		{"explicit train with eval", flagValues{Train: true, TrainSet: true, Download: true, Eval: true},
			actions{Download: true, Train: true, Eval: true}, true},
		{"explicit train with inspect", flagValues{Train: true, TrainSet: true, Inspect: true},
			actions{Train: true, Inspect: true}, true},
		{"train disabled", flagValues{Train: false, TrainSet: true, Download: true},
			actions{}, false},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got := selectActions(tc.flags)
			assert.Equal(t, tc.want, got)
			assert.Equal(t, tc.backend, got.NeedsBackend())
		})
	}
}
