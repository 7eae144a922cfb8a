// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package slq

import (
	"bytes"
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/curioloop/trajopt/riccati"
)

// Strategy selects the step-acceptance policy of the outer loop.
type Strategy int

const (
	// LineSearch shrinking step sizes with Armijo acceptance.
	LineSearch Strategy = iota
	// LevenbergMarquardt full steps with adaptive regularization.
	LevenbergMarquardt
)

func (s Strategy) String() string {
	switch s {
	case LineSearch:
		return "lineSearch"
	case LevenbergMarquardt:
		return "levenbergMarquardt"
	}
	return "unknown"
}

// UnmarshalYAML accepts the strategy by name.
func (s *Strategy) UnmarshalYAML(value *yaml.Node) error {
	var name string
	if err := value.Decode(&name); err != nil {
		return err
	}
	switch name {
	case "lineSearch":
		*s = LineSearch
	case "levenbergMarquardt":
		*s = LevenbergMarquardt
	default:
		return fmt.Errorf("unknown strategy %q", name)
	}
	return nil
}

// Settings configures the outer globalization loop.
// Zero-valued fields take defaults; explicit fields override them.
type Settings struct {
	Strategy      Strategy `yaml:"strategy"`
	MaxIterations int      `yaml:"maxIterations"`
	MinRelCost    float64  `yaml:"minRelCost"` // relative cost improvement stopping threshold
	NPartitions   int      `yaml:"nPartitions"`
	NThreads      int      `yaml:"nThreads"`

	// line search
	MinStepLength     float64 `yaml:"minStepLength"`
	StepFactor        float64 `yaml:"stepFactor"` // step size shrink ratio per trial
	ArmijoCoefficient float64 `yaml:"armijoCoefficient"`

	// Levenberg-Marquardt
	RegInit     float64 `yaml:"regInit"`
	RegIncrease float64 `yaml:"regIncrease"` // multiplier after a rejected step
	RegDecrease float64 `yaml:"regDecrease"` // multiplier after an accepted step
	RegMin      float64 `yaml:"regMin"`
	RegMax      float64 `yaml:"regMax"`

	// partition stitching
	StitchTol float64 `yaml:"stitchTol"`

	QP riccati.Settings `yaml:"qp"`
}

func (s Settings) withDefaults() Settings {
	d := s
	if d.MaxIterations == 0 {
		d.MaxIterations = 10
	}
	if d.MinRelCost == 0 {
		d.MinRelCost = 1e-6
	}
	if d.NPartitions == 0 {
		d.NPartitions = 1
	}
	if d.NThreads == 0 {
		d.NThreads = d.NPartitions
	}
	if d.MinStepLength == 0 {
		d.MinStepLength = 1e-4
	}
	if d.StepFactor == 0 {
		d.StepFactor = 0.5
	}
	if d.ArmijoCoefficient == 0 {
		d.ArmijoCoefficient = 1e-4
	}
	if d.RegInit == 0 {
		d.RegInit = 1e-6
	}
	if d.RegIncrease == 0 {
		d.RegIncrease = 10
	}
	if d.RegDecrease == 0 {
		d.RegDecrease = 0.5
	}
	if d.RegMin == 0 {
		d.RegMin = 1e-9
	}
	if d.RegMax == 0 {
		d.RegMax = 1e4
	}
	if d.StitchTol == 0 {
		d.StitchTol = 1e-9
	}
	return d
}

func (s *Settings) check(n int) error {
	switch {
	case s.MaxIterations <= 0:
		return errors.New("iteration limit must greater than 0")
	case s.MinRelCost <= 0:
		return errors.New("relative cost tolerance must greater than 0")
	case s.NPartitions < 1 || s.NPartitions > n:
		return errors.New("partition count must lie in [1, N]")
	case s.NThreads < 1:
		return errors.New("thread count must greater than 0")
	case s.StepFactor <= 0 || s.StepFactor >= 1:
		return errors.New("step factor must lie in (0, 1)")
	case s.MinStepLength <= 0 || s.MinStepLength > 1:
		return errors.New("minimum step length must lie in (0, 1]")
	case s.ArmijoCoefficient <= 0 || s.ArmijoCoefficient >= 1:
		return errors.New("armijo coefficient must lie in (0, 1)")
	case s.RegIncrease <= 1 || s.RegDecrease <= 0 || s.RegDecrease >= 1:
		return errors.New("regularization factors must bracket 1")
	case s.RegMin <= 0 || s.RegMax < s.RegMin || s.RegInit < s.RegMin || s.RegInit > s.RegMax:
		return errors.New("regularization range is inconsistent")
	}
	return nil
}

// LoadSettings reads one YAML settings file.
// Unknown keys are rejected to catch typos in task files.
func LoadSettings(path string) (Settings, error) {
	var s Settings
	raw, err := os.ReadFile(path)
	if err != nil {
		return s, fmt.Errorf("read settings: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&s); err != nil {
		return s, fmt.Errorf("parse settings: %w", err)
	}
	return s, nil
}
