package model

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// FeatureCount is the length of the classifier feature vector.
const FeatureCount = 6

// Calibration holds logistic calibrator coefficients: p = sigmoid(A*z + B), z = Σ w_i x_i.
type Calibration struct {
	A        float64               `yaml:"a"`
	B        float64               `yaml:"b"`
	Weights  [FeatureCount]float64 `yaml:"weights"`
	Trusted  bool                  `yaml:"trusted"`
	Samples  int                   `yaml:"samples"`
	FittedAt time.Time             `yaml:"fitted_at,omitempty"`
}

// DefaultCalibration is used when no file exists; it is never trusted.
func DefaultCalibration() Calibration {
	c := Calibration{A: 1, B: 0}
	for i := range c.Weights {
		c.Weights[i] = 1.0 / FeatureCount
	}
	return c
}

// Probability evaluates the calibrated logistic model on features.
func (c Calibration) Probability(features [FeatureCount]float64) float64 {
	var z float64
	for i, x := range features {
		z += c.Weights[i] * x
	}
	return Sigmoid(c.A*z + c.B)
}

// LoadCalibration reads a calibration file; a missing file yields the untrusted default.
func LoadCalibration(path string) (Calibration, error) {
	if path == "" {
		return DefaultCalibration(), nil
	}
	body, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return DefaultCalibration(), nil
	}
	if err != nil {
		return Calibration{}, fmt.Errorf("read calibration: %w", err)
	}
	c := DefaultCalibration()
	if err := yaml.Unmarshal(body, &c); err != nil {
		return Calibration{}, fmt.Errorf("decode calibration: %w", err)
	}
	return c, nil
}

// SaveCalibration writes c atomically.
func SaveCalibration(path string, c Calibration) error {
	body, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode calibration: %w", err)
	}
	return writeAtomic(path, body)
}
