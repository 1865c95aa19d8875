// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package artifact saves and loads trained models as a single versioned file.
//
// The file is a gob stream with a Header (magic, format version, architecture descriptor,
// hyperparameters) followed by, for each model variable, a VariableHeader and the tensor value
// as serialized by tensors.Tensor.GobSerialize.
//
// A loaded Artifact implements context.Loader, so it can be attached to a fresh context and the
// model built from the stored architecture picks up the saved weights.
package artifact

import (
	"bufio"
	"encoding/gob"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/mixnet/pkg/model"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

const (
	// Magic identifies artifact files.
	Magic = "MIXNET"

	// FormatVersion is the version written by Save. Load accepts versions up to this one.
	FormatVersion = 1
)

// Header is the first record of an artifact file.
type Header struct {
	Magic         string
	FormatVersion int

	// Architecture to rebuild the model with.
	Architecture model.Architecture

	// Params are the hyperparameters used in training, formatted as strings. Informative only.
	Params map[string]string

	// RunID identifies the training run that produced the artifact.
	RunID string

	CreatedAt time.Time

	// NumVariables that follow the header.
	NumVariables int
}

// VariableHeader precedes each serialized tensor.
type VariableHeader struct {
	Scope, Name string
	Trainable   bool
}

// Variable is one saved model variable.
type Variable struct {
	VariableHeader
	Value *tensors.Tensor
}

// ParameterName is the unique name of the variable in a context, see context.VariableParameterNameFromScopeAndName.
func (v *Variable) ParameterName() string {
	return context.VariableParameterNameFromScopeAndName(v.Scope, v.Name)
}

// Artifact is a loaded model file.
type Artifact struct {
	Header    Header
	Variables []*Variable

	// pending are variables not yet consumed by a context, by parameter name.
	pending map[string]*Variable
}

var _ context.Loader = (*Artifact)(nil)

// ModelScope is the absolute scope of the variables saved: everything under it is part of the model,
// everything else (optimizer state, global step, metrics) is left out.
var ModelScope = context.ScopeSeparator + model.Scope

func inModelScope(scope string) bool {
	return scope == ModelScope || strings.HasPrefix(scope, ModelScope+context.ScopeSeparator)
}

// NewRunID returns a new random identifier for a training run.
func NewRunID() string { return uuid.NewString() }

// Save writes the model variables of ctx (those under ModelScope) to filePath, along with the
// architecture descriptor and the given hyperparameters.
//
// The parent directory of filePath must already exist. The file is written to a temporary file
// in the same directory first and renamed at the end, so a failed save never leaves a partial artifact.
func Save(filePath string, ctx *context.Context, arch model.Architecture, params map[string]string, runID string) error {
	dir := filepath.Dir(filePath)
	if info, err := os.Stat(dir); err != nil {
		return errors.Wrapf(err, "artifact directory %q is not available", dir)
	} else if !info.IsDir() {
		return errors.Errorf("artifact directory %q is not a directory", dir)
	}
	if err := arch.Validate(); err != nil {
		return errors.WithMessage(err, "refusing to save artifact with invalid architecture")
	}

	var vars []*context.Variable
	for v := range ctx.IterVariables() {
		if inModelScope(v.Scope()) {
			vars = append(vars, v)
		}
	}
	if len(vars) == 0 {
		return errors.Errorf("no model variables under scope %q to save", ModelScope)
	}

	f, err := os.CreateTemp(dir, filepath.Base(filePath)+".tmp-*")
	if err != nil {
		return errors.Wrapf(err, "failed to create temporary artifact file in %q", dir)
	}
	tmpPath := f.Name()
	fail := func(err error) error {
		_ = f.Close()
		_ = os.Remove(tmpPath)
		return err
	}

	w := bufio.NewWriter(f)
	enc := gob.NewEncoder(w)
	header := Header{
		Magic:         Magic,
		FormatVersion: FormatVersion,
		Architecture:  arch,
		Params:        params,
		RunID:         runID,
		CreatedAt:     time.Now().UTC(),
		NumVariables:  len(vars),
	}
	if err = enc.Encode(&header); err != nil {
		return fail(errors.Wrap(err, "failed to encode artifact header"))
	}
	for _, v := range vars {
		value, err := v.Value()
		if err != nil {
			return fail(errors.WithMessagef(err, "failed to read variable %s", v.ScopeAndName()))
		}
		vh := VariableHeader{Scope: v.Scope(), Name: v.Name(), Trainable: v.Trainable}
		if err = enc.Encode(&vh); err != nil {
			return fail(errors.Wrapf(err, "failed to encode header of variable %s", v.ScopeAndName()))
		}
		if err = value.GobSerialize(enc); err != nil {
			return fail(errors.WithMessagef(err, "failed to serialize variable %s", v.ScopeAndName()))
		}
	}
	if err = w.Flush(); err != nil {
		return fail(errors.Wrapf(err, "failed to write %q", tmpPath))
	}
	if err = f.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return errors.Wrapf(err, "failed to close %q", tmpPath)
	}
	if err = os.Rename(tmpPath, filePath); err != nil {
		_ = os.Remove(tmpPath)
		return errors.Wrapf(err, "failed to move artifact into %q", filePath)
	}
	klog.V(1).Infof("saved %d variables to %q", len(vars), filePath)
	return nil
}

// Load reads an artifact file.
func Load(filePath string) (*Artifact, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open artifact %q", filePath)
	}
	defer func() { _ = f.Close() }()
	a, err := Read(bufio.NewReader(f))
	if err != nil {
		return nil, errors.WithMessagef(err, "invalid artifact %q", filePath)
	}
	return a, nil
}

// Read decodes an artifact from r.
func Read(r io.Reader) (*Artifact, error) {
	dec := gob.NewDecoder(r)
	a := &Artifact{}
	if err := dec.Decode(&a.Header); err != nil {
		return nil, errors.Wrap(err, "failed to decode header")
	}
	if a.Header.Magic != Magic {
		return nil, errors.Errorf("not a model artifact (magic %q)", a.Header.Magic)
	}
	if a.Header.FormatVersion < 1 || a.Header.FormatVersion > FormatVersion {
		return nil, errors.Errorf("unsupported artifact format version %d, this build reads versions 1 to %d",
			a.Header.FormatVersion, FormatVersion)
	}
	if err := a.Header.Architecture.Validate(); err != nil {
		return nil, errors.WithMessage(err, "artifact has an invalid architecture")
	}
	if a.Header.NumVariables <= 0 {
		return nil, errors.Errorf("artifact must hold at least one variable, header says %d", a.Header.NumVariables)
	}
	a.pending = make(map[string]*Variable, a.Header.NumVariables)
	for i := range a.Header.NumVariables {
		v := &Variable{}
		if err := dec.Decode(&v.VariableHeader); err != nil {
			return nil, errors.Wrapf(err, "failed to decode variable #%d of %d", i, a.Header.NumVariables)
		}
		value, err := tensors.GobDeserialize(dec)
		if err != nil {
			return nil, errors.WithMessagef(err, "failed to deserialize variable %s/%s", v.Scope, v.Name)
		}
		v.Value = value
		if _, dup := a.pending[v.ParameterName()]; dup {
			return nil, errors.Errorf("variable %s/%s stored more than once", v.Scope, v.Name)
		}
		a.Variables = append(a.Variables, v)
		a.pending[v.ParameterName()] = v
	}
	if err := dec.Decode(nil); err != io.EOF {
		if err == nil {
			return nil, errors.Errorf("trailing data after the %d variables of the artifact", a.Header.NumVariables)
		}
		return nil, errors.Wrapf(err, "trailing data after the %d variables of the artifact", a.Header.NumVariables)
	}
	return a, nil
}

// Apply prepares ctx to rebuild the saved model: it sets the architecture hyperparameters and
// installs the artifact as the context loader. Variables are then loaded as the model graph creates them.
//
// An Artifact should be applied to a single context.
func (a *Artifact) Apply(ctx *context.Context) {
	a.Header.Architecture.SetParams(ctx)
	ctx.SetLoader(a)
}

// LoadVariable implements context.Loader. Each variable is handed over at most once.
func (a *Artifact) LoadVariable(_ *context.Context, scope, name string) (value *tensors.Tensor, found bool) {
	key := context.VariableParameterNameFromScopeAndName(scope, name)
	v, found := a.pending[key]
	if !found {
		return nil, false
	}
	delete(a.pending, key)
	return v.Value, true
}

// DeleteVariable implements context.Loader.
func (a *Artifact) DeleteVariable(_ *context.Context, scope, name string) error {
	delete(a.pending, context.VariableParameterNameFromScopeAndName(scope, name))
	return nil
}

// NumParameters is the total number of scalar values stored.
func (a *Artifact) NumParameters() int {
	var n int
	for _, v := range a.Variables {
		n += v.Value.Shape().Size()
	}
	return n
}

// NumPending is the number of variables not yet consumed by a context.
func (a *Artifact) NumPending() int { return len(a.pending) }

// String implements fmt.Stringer.
func (a *Artifact) String() string {
	return fmt.Sprintf("artifact{%s v%d, run %s, %d variables}",
		a.Header.Architecture.Name, a.Header.FormatVersion, a.Header.RunID, len(a.Variables))
}
