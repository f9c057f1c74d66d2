// Package scaninfo describes phantom study datasets. A Study is a series of
// ScanSessions examining the same sample tube; a ScanSession is a set of
// SingleScans of (different regions of) the sample; the tube contains a set
// of Phantoms, each printed with an infill Pattern whose geometry provides
// per-voxel ground truth.
//
// Studies can be described in YAML files so analysis runs are reproducible
// from a single description of the dataset.
package scaninfo

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Phantom documents the design and print parameters of one phantom. The
// print parameters have no intrinsic behavior; they are carried so derived
// results can be related to how the phantom was manufactured.
type Phantom struct {
	// HotendTemp is the 3D printing temperature in degrees Celsius.
	HotendTemp float64 `yaml:"hotend_temp"`

	// PrintSpeed is the print speed in mm/s.
	PrintSpeed float64 `yaml:"print_speed"`

	// LayerThickness is the printed layer thickness in mm.
	LayerThickness float64 `yaml:"layer_thickness"`

	// InfillDensity is the infill density as a percentage.
	InfillDensity float64 `yaml:"infill_density"`

	// Pattern describes the infill geometry.
	Pattern PatternSpec `yaml:"pattern"`
}

// WaterSlice is a placeholder for a scan slice containing only water, used
// as the fiducial reference.
type WaterSlice struct{}

// GeometryGenerators implements Pattern for the water placeholder.
func (WaterSlice) GeometryGenerators() map[string]Generator {
	return EmptyPattern{}.GeometryGenerators()
}

// SingleScan is one scan covering a contiguous subset of the tube's
// phantoms. There is one DWI per scan.
type SingleScan struct {
	// TubeStart and TubeEnd delimit the phantoms covered, as a half-open
	// range of tube indices.
	TubeStart int `yaml:"tube_start"`
	TubeEnd   int `yaml:"tube_end"`
}

// ScanSession is a single day of scans covering a set of phantoms.
type ScanSession struct {
	Date  time.Time    `yaml:"-"`
	Scans []SingleScan `yaml:"scans"`
}

// Study documents a series of scan sessions of one set of phantoms.
type Study struct {
	Name     string        `yaml:"name"`
	Tube     []Phantom     `yaml:"tube"`
	Sessions []ScanSession `yaml:"sessions"`
}

// sessionYAML carries the on-disk form of a session, with the date as a
// plain string.
type sessionYAML struct {
	Date  string       `yaml:"date"`
	Scans []SingleScan `yaml:"scans"`
}

// MarshalYAML implements custom date formatting for sessions.
func (s ScanSession) MarshalYAML() (interface{}, error) {
	return sessionYAML{
		Date:  s.Date.Format("2006-01-02"),
		Scans: s.Scans,
	}, nil
}

// UnmarshalYAML parses the session date from its YYYY-MM-DD form.
func (s *ScanSession) UnmarshalYAML(value *yaml.Node) error {
	var raw sessionYAML
	if err := value.Decode(&raw); err != nil {
		return err
	}

	date, err := time.Parse("2006-01-02", raw.Date)
	if err != nil {
		return fmt.Errorf("bad session date %q: %w", raw.Date, err)
	}

	s.Date = date
	s.Scans = raw.Scans
	return nil
}

// PatternSpec is the serializable form of an infill pattern. Type selects
// the pattern; the remaining fields are interpreted per type.
type PatternSpec struct {
	// Type is one of empty, parallel_lines, concentric_arcs, alternating,
	// arc_line.
	Type string `yaml:"type"`

	// CuraAngle is the slicer line angle for line-based patterns.
	CuraAngle float64 `yaml:"cura_angle,omitempty"`

	// Origin is the arc center relative to the phantom centroid, for
	// arc-based patterns.
	Origin []float64 `yaml:"origin,omitempty"`

	// A and B are the alternating sub-patterns.
	A *PatternSpec `yaml:"a,omitempty"`
	B *PatternSpec `yaml:"b,omitempty"`
}

// Build constructs the described pattern.
func (s PatternSpec) Build() (Pattern, error) {
	switch s.Type {
	case "", "empty":
		return EmptyPattern{}, nil

	case "parallel_lines":
		return ParallelLinePattern{CuraAngle: s.CuraAngle}, nil

	case "concentric_arcs":
		ox, oy, err := s.origin()
		if err != nil {
			return nil, err
		}
		return ConcentricArcPattern{OriginX: ox, OriginY: oy}, nil

	case "alternating":
		if s.A == nil || s.B == nil {
			return nil, fmt.Errorf("alternating pattern needs sub-patterns a and b")
		}
		a, err := s.A.Build()
		if err != nil {
			return nil, err
		}
		b, err := s.B.Build()
		if err != nil {
			return nil, err
		}
		return AlternatingPattern{A: a, B: b}, nil

	case "arc_line":
		ox, oy, err := s.origin()
		if err != nil {
			return nil, err
		}
		return ArcLinePattern{OriginX: ox, OriginY: oy, CuraAngle: s.CuraAngle}, nil
	}

	return nil, fmt.Errorf("unknown infill pattern type %q", s.Type)
}

func (s PatternSpec) origin() (float64, float64, error) {
	if len(s.Origin) != 2 {
		return 0, 0, fmt.Errorf("pattern type %q needs an origin of two coordinates", s.Type)
	}
	return s.Origin[0], s.Origin[1], nil
}

// LoadStudy reads a study description from a YAML file.
func LoadStudy(path string) (*Study, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading study file: %w", err)
	}

	var study Study
	if err := yaml.Unmarshal(data, &study); err != nil {
		return nil, fmt.Errorf("error parsing study file: %w", err)
	}

	// Validate the patterns up front so a bad file fails at load time.
	for i, phantom := range study.Tube {
		if _, err := phantom.Pattern.Build(); err != nil {
			return nil, fmt.Errorf("phantom %d: %w", i, err)
		}
	}

	return &study, nil
}

// SaveStudy writes a study description to a YAML file.
func SaveStudy(study *Study, path string) error {
	data, err := yaml.Marshal(study)
	if err != nil {
		return fmt.Errorf("error marshaling study: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("error writing study file: %w", err)
	}
	return nil
}
