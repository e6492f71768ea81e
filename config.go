package graphslam

import (
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"
)

// Config holds the noise-model defaults and smart-landmark thresholds for an
// engine. Noise vectors are per-axis standard deviations; pose-valued noise
// uses the [tx ty tz rx ry rz] layout. A zero field in a loaded file keeps
// the default.
type Config struct {
	OdometryNoise    []float64 `yaml:"odometry_noise"`
	PriorPoseNoise   []float64 `yaml:"prior_pose_noise"`
	MeasurementNoise []float64 `yaml:"measurement_noise"`
	PxNoise          []float64 `yaml:"px_measurement_noise"`
	PriorPointNoise  []float64 `yaml:"prior_point_noise"`
	PxErrorThreshold float64   `yaml:"px_error_threshold"`
	MinLandmarkObs   int       `yaml:"min_landmark_obs"`
	RobustMode       bool      `yaml:"robust_mode"`
}

// DefaultConfig returns the configuration used when nothing is overridden.
func DefaultConfig() Config {
	return Config{
		OdometryNoise:    []float64{0.1, 0.1, 0.1, 0.1, 0.1, 0.1},
		PriorPoseNoise:   []float64{0.1, 0.1, 0.1, 0.05, 0.05, 0.05},
		MeasurementNoise: []float64{0.1, 0.1, 0.1, 0.1, 0.1, 0.1},
		PxNoise:          []float64{1.0, 1.0},
		PriorPointNoise:  []float64{0.05, 0.05, 0.05},
		PxErrorThreshold: 4.0,
		MinLandmarkObs:   2,
		RobustMode:       true,
	}
}

// LoadConfig reads a YAML config file over the defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrap(err, "unable to read config file")
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, errors.Wrap(err, "unable to parse config file")
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks dimension and threshold sanity.
func (c Config) Validate() error {
	dims := []struct {
		name string
		n    int
		want int
	}{
		{"odometry_noise", len(c.OdometryNoise), 6},
		{"prior_pose_noise", len(c.PriorPoseNoise), 6},
		{"measurement_noise", len(c.MeasurementNoise), 6},
		{"px_measurement_noise", len(c.PxNoise), 2},
		{"prior_point_noise", len(c.PriorPointNoise), 3},
	}
	for _, d := range dims {
		if d.n != d.want {
			return errors.Errorf("%s must have %d sigmas, got %d", d.name, d.want, d.n)
		}
	}
	if c.MinLandmarkObs < 2 {
		return errors.Errorf("min_landmark_obs must be at least 2, got %d", c.MinLandmarkObs)
	}
	if c.PxErrorThreshold <= 0 {
		return errors.Errorf("px_error_threshold must be positive, got %f", c.PxErrorThreshold)
	}
	return nil
}
