package scaninfo

import (
	"math"
	"path/filepath"
	"testing"
	"time"
)

func almostEqual(t *testing.T, name string, got, want float64) {
	t.Helper()
	if math.Abs(got-want) > 1e-9 {
		t.Errorf("%s = %f, want %f", name, got, want)
	}
}

// TestConcentricArcDirection checks the tangent direction at points around
// the arc center.
func TestConcentricArcDirection(t *testing.T) {
	pattern := ConcentricArcPattern{}
	direction := pattern.GeometryGenerators()[GenDirection]

	cases := []struct {
		x, y, want float64
	}{
		{0, 0, 0},
		{1, 0, 90},
		{0, 1, 0},
		{-1, 0, 90},
		{0, -1, 0},
		{1, 1, -45},
		{1, -1, 45},
		{-1, 1, 45},
		{-1, -1, -45},
	}

	for _, c := range cases {
		almostEqual(t, "direction", direction(c.x, c.y), c.want)
	}
}

// TestConcentricArcRadius checks the arc radius generator.
func TestConcentricArcRadius(t *testing.T) {
	pattern := ConcentricArcPattern{}
	radius := pattern.GeometryGenerators()[GenArcRadius]
	almostEqual(t, "arc radius", radius(3, 4), 5)

	offCenter := ConcentricArcPattern{OriginX: 3, OriginY: 4}
	radius = offCenter.GeometryGenerators()[GenArcRadius]
	almostEqual(t, "off-center arc radius", radius(0, 0), 5)
}

// TestParallelLineDirection checks the constant line direction.
func TestParallelLineDirection(t *testing.T) {
	pattern := ParallelLinePattern{CuraAngle: 0}
	gens := pattern.GeometryGenerators()

	almostEqual(t, "direction", gens[GenDirection](1, 1), 90)
	almostEqual(t, "crossing angle", gens[GenCrossingAngle](1, 1), 0)

	angled := ParallelLinePattern{CuraAngle: 30}
	almostEqual(t, "angled direction",
		angled.GeometryGenerators()[GenDirection](0, 0), 60)
}

// TestAlternatingPattern checks crossing angle and arc radius of a
// line/arc alternation.
func TestAlternatingPattern(t *testing.T) {
	pattern := AlternatingPattern{
		A: ParallelLinePattern{CuraAngle: 0},
		B: ConcentricArcPattern{},
	}
	gens := pattern.GeometryGenerators()

	almostEqual(t, "crossing angle at origin", gens[GenCrossingAngle](0, 0), 90)
	almostEqual(t, "crossing angle on x axis", gens[GenCrossingAngle](1, 0), 0)

	almostEqual(t, "arc radius", gens[GenArcRadius](0, 1), 1)
	almostEqual(t, "arc radius", gens[GenArcRadius](3, 4), 5)

	// Two line patterns have no curvature anywhere.
	lines := AlternatingPattern{
		A: ParallelLinePattern{CuraAngle: 0},
		B: ParallelLinePattern{CuraAngle: 90},
	}
	almostEqual(t, "lines crossing angle",
		lines.GeometryGenerators()[GenCrossingAngle](2, 3), 90)
	almostEqual(t, "lines arc radius",
		lines.GeometryGenerators()[GenArcRadius](2, 3), 0)
}

// TestArcLinePattern checks the arc/line crossing angle generator.
func TestArcLinePattern(t *testing.T) {
	pattern := ArcLinePattern{CuraAngle: 0}
	gens := pattern.GeometryGenerators()

	// At the origin the tangent convention gives 0, the lines give 90.
	almostEqual(t, "crossing angle at origin", gens[GenCrossingAngle](0, 0), 90)
	// On the x axis the tangent is 90, parallel to the lines.
	almostEqual(t, "crossing angle on x axis", gens[GenCrossingAngle](1, 0), 0)
	almostEqual(t, "arc radius", gens[GenArcRadius](3, 4), 5)
}

// TestEmptyPattern verifies water slices expose no geometry.
func TestEmptyPattern(t *testing.T) {
	if n := len((EmptyPattern{}).GeometryGenerators()); n != 0 {
		t.Errorf("empty pattern should have no generators, got %d", n)
	}
	if n := len((WaterSlice{}).GeometryGenerators()); n != 0 {
		t.Errorf("water slice should have no generators, got %d", n)
	}
}

// TestPatternSpecBuild verifies spec construction and validation.
func TestPatternSpecBuild(t *testing.T) {
	spec := PatternSpec{
		Type: "alternating",
		A:    &PatternSpec{Type: "parallel_lines", CuraAngle: 0},
		B:    &PatternSpec{Type: "concentric_arcs", Origin: []float64{0, 0}},
	}

	pattern, err := spec.Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	gens := pattern.GeometryGenerators()
	almostEqual(t, "built crossing angle", gens[GenCrossingAngle](0, 0), 90)

	bad := []PatternSpec{
		{Type: "nonsense"},
		{Type: "concentric_arcs"},
		{Type: "concentric_arcs", Origin: []float64{1}},
		{Type: "alternating", A: &PatternSpec{Type: "parallel_lines"}},
	}
	for _, spec := range bad {
		if _, err := spec.Build(); err == nil {
			t.Errorf("expected error for spec %+v", spec)
		}
	}
}

// TestStudyRoundTrip verifies the YAML study description survives a
// save/load cycle.
func TestStudyRoundTrip(t *testing.T) {
	study := &Study{
		Name: "paper phantoms",
		Tube: []Phantom{
			{
				HotendTemp:     230,
				PrintSpeed:     40,
				LayerThickness: 0.2,
				InfillDensity:  45,
				Pattern:        PatternSpec{Type: "parallel_lines", CuraAngle: 30},
			},
			{
				HotendTemp:     210,
				PrintSpeed:     60,
				LayerThickness: 0.1,
				InfillDensity:  30,
				Pattern:        PatternSpec{Type: "concentric_arcs", Origin: []float64{0, -10}},
			},
		},
		Sessions: []ScanSession{
			{
				Date: mustDate(t, "2019-03-08"),
				Scans: []SingleScan{
					{TubeStart: 0, TubeEnd: 1},
					{TubeStart: 1, TubeEnd: 2},
				},
			},
		},
	}

	path := filepath.Join(t.TempDir(), "study.yaml")
	if err := SaveStudy(study, path); err != nil {
		t.Fatalf("SaveStudy failed: %v", err)
	}

	loaded, err := LoadStudy(path)
	if err != nil {
		t.Fatalf("LoadStudy failed: %v", err)
	}

	if loaded.Name != study.Name {
		t.Errorf("name %q, want %q", loaded.Name, study.Name)
	}
	if len(loaded.Tube) != 2 || len(loaded.Sessions) != 1 {
		t.Fatalf("unexpected study shape: %d phantoms, %d sessions",
			len(loaded.Tube), len(loaded.Sessions))
	}
	if !loaded.Sessions[0].Date.Equal(study.Sessions[0].Date) {
		t.Errorf("date %v, want %v", loaded.Sessions[0].Date, study.Sessions[0].Date)
	}
	if loaded.Tube[1].Pattern.Origin[1] != -10 {
		t.Errorf("pattern origin not preserved: %+v", loaded.Tube[1].Pattern)
	}
	if loaded.Sessions[0].Scans[1].TubeStart != 1 {
		t.Errorf("scan slice not preserved: %+v", loaded.Sessions[0].Scans[1])
	}
}

// TestLoadStudyRejectsBadPattern verifies validation at load time.
func TestLoadStudyRejectsBadPattern(t *testing.T) {
	study := &Study{
		Name: "broken",
		Tube: []Phantom{{Pattern: PatternSpec{Type: "concentric_arcs"}}},
	}

	path := filepath.Join(t.TempDir(), "study.yaml")
	if err := SaveStudy(study, path); err != nil {
		t.Fatal(err)
	}

	if _, err := LoadStudy(path); err == nil {
		t.Error("expected error for study with invalid pattern")
	}
}

func mustDate(t *testing.T, s string) time.Time {
	t.Helper()
	parsed, err := time.Parse("2006-01-02", s)
	if err != nil {
		t.Fatal(err)
	}
	return parsed
}
