// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package artifact

import (
	"fmt"
	"io"
	"math"
	"slices"
	"strings"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
)

var (
	headerRowStyle = lipgloss.NewStyle().Reverse(true).
			Padding(0, 2, 0, 2).Align(lipgloss.Center)
	oddRowStyle = lipgloss.NewStyle().Faint(false).
			PaddingLeft(1).PaddingRight(1)
	evenRowStyle = lipgloss.NewStyle().Faint(true).
			PaddingLeft(1).PaddingRight(1)
	titleStyle = lipgloss.NewStyle().Bold(true).Padding(1, 4, 1, 4)
)

func newTable(firstColumnRight bool) *lgtable.Table {
	return lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))).
		StyleFunc(func(row, col int) (s lipgloss.Style) {
			if row == lgtable.HeaderRow {
				return headerRowStyle
			}
			if row%2 == 0 {
				s = oddRowStyle
			} else {
				s = evenRowStyle
			}
			if col == 0 && firstColumnRight {
				return s.Align(lipgloss.Right)
			}
			return s.Align(lipgloss.Left)
		})
}

// Fprint writes a human-readable report of the artifact: a summary, the architecture,
// the hyperparameters and a table of variables with their magnitudes.
func Fprint(w io.Writer, a *Artifact) error {
	var memory uint64
	for _, v := range a.Variables {
		memory += uint64(v.Value.Shape().Memory())
	}
	h := a.Header

	summary := newTable(true)
	summary.Row("format", fmt.Sprintf("%s v%d", h.Magic, h.FormatVersion))
	summary.Row("run id", h.RunID)
	summary.Row("created", h.CreatedAt.Format("2006-01-02 15:04:05 MST"))
	summary.Row("# variables", humanize.Comma(int64(len(a.Variables))))
	summary.Row("# parameters", humanize.Comma(int64(a.NumParameters())))
	summary.Row("# bytes", humanize.Bytes(memory))

	arch := newTable(true)
	arch.Row("name", h.Architecture.Name)
	arch.Row("input", fmt.Sprintf("%dx%dx%d", h.Architecture.InputChannels, h.Architecture.InputHeight, h.Architecture.InputWidth))
	archParams := h.Architecture.Params()
	for _, key := range sortedKeys(archParams) {
		arch.Row(key, fmt.Sprintf("%v", archParams[key]))
	}

	params := newTable(true)
	params.Headers("Name", "Value")
	for _, key := range sortedKeys(h.Params) {
		params.Row(key, h.Params[key])
	}

	vars := newTable(false)
	vars.Headers("Scope", "Name", "Shape", "Size", "Bytes", "Trainable", "RMS", "MaxAV")
	rows := make([][]string, 0, len(a.Variables))
	for _, v := range a.Variables {
		shape := v.Value.Shape()
		rms, maxAV := magnitudes(v.Value)
		rows = append(rows, []string{
			v.Scope, v.Name, shape.String(),
			humanize.Comma(int64(shape.Size())),
			humanize.Bytes(uint64(shape.Memory())),
			fmt.Sprintf("%v", v.Trainable),
			rms, maxAV,
		})
	}
	slices.SortFunc(rows, func(a, b []string) int {
		if c := strings.Compare(a[0], b[0]); c != 0 {
			return c
		}
		return strings.Compare(a[1], b[1])
	})
	for _, row := range rows {
		vars.Row(row...)
	}

	for _, section := range []struct {
		title string
		table *lgtable.Table
	}{
		{"Summary", summary}, {"Architecture", arch}, {"Hyperparameters", params}, {"Variables", vars},
	} {
		if _, err := fmt.Fprintf(w, "%s\n%s\n", titleStyle.Render(section.title), section.table.Render()); err != nil {
			return err
		}
	}
	return nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	slices.Sort(keys)
	return keys
}

// magnitudes returns the root-mean-square and max absolute value of float32 tensors, or empty strings.
func magnitudes(t *tensors.Tensor) (rms, maxAV string) {
	if t.DType() != dtypes.Float32 || t.Size() == 0 {
		return "", ""
	}
	flat := tensors.MustCopyFlatData[float32](t)
	var sumSq, maxAbs float64
	for _, x := range flat {
		v := math.Abs(float64(x))
		sumSq += v * v
		maxAbs = max(maxAbs, v)
	}
	return fmt.Sprintf("%.3g", math.Sqrt(sumSq/float64(len(flat)))), fmt.Sprintf("%.3g", maxAbs)
}
