package mapping

import (
	"math"
	"testing"

	"github.com/ivlev/reelforge/internal/template"
)

func scene(outStart, outEnd float64) template.Scene {
	return template.Scene{OutputStart: outStart, OutputEnd: outEnd}
}

func explicitScene(outStart, outEnd, srcStart, srcEnd float64) template.Scene {
	return template.Scene{
		OutputStart: outStart, OutputEnd: outEnd,
		SourceStart: &srcStart, SourceEnd: &srcEnd,
	}
}

func TestExplicitMappingPassesThrough(t *testing.T) {
	scenes := []template.Scene{
		explicitScene(0, 4, 10, 14),
		explicitScene(4, 8, 2, 6),
	}
	got := MapScenes(scenes, 60)
	if got[0].SourceStart != 10 || got[0].SourceEnd != 14 {
		t.Errorf("Scene 0 mapping changed: %+v", got[0])
	}
	if got[1].SourceStart != 2 || got[1].SourceEnd != 6 {
		t.Errorf("Scene 1 mapping changed: %+v", got[1])
	}
}

func TestEvenDistribution(t *testing.T) {
	// Two 5s scenes over a 20s source: scene 0 -> [0,5], scene 1 -> [10,15].
	scenes := []template.Scene{scene(0, 5), scene(5, 10)}
	got := MapScenes(scenes, 20)

	if got[0].SourceStart != 0 || got[0].SourceEnd != 5 {
		t.Errorf("Scene 0: expected source [0,5], got [%g,%g]", got[0].SourceStart, got[0].SourceEnd)
	}
	if got[1].SourceStart != 10 || got[1].SourceEnd != 15 {
		t.Errorf("Scene 1: expected source [10,15], got [%g,%g]", got[1].SourceStart, got[1].SourceEnd)
	}
}

func TestEvenDistributionInvariant(t *testing.T) {
	scenes := []template.Scene{scene(0, 3), scene(3, 7), scene(7, 12), scene(12, 20)}
	const sourceDuration = 31.0
	got := MapScenes(scenes, sourceDuration)

	prev := math.Inf(-1)
	for i, m := range got {
		if m.SourceStart <= prev {
			t.Errorf("SourceStart not monotonically increasing at scene %d: %g <= %g", i, m.SourceStart, prev)
		}
		prev = m.SourceStart
	}
	last := got[len(got)-1]
	if last.SourceEnd > sourceDuration {
		t.Errorf("Last sourceEnd %g exceeds source duration %g", last.SourceEnd, sourceDuration)
	}
}

func TestSegmentClampedToSourceEnd(t *testing.T) {
	// Long scene near the end of a short source gets clamped.
	scenes := []template.Scene{scene(0, 2), scene(2, 30)}
	got := MapScenes(scenes, 10)
	if got[1].SourceStart != 5 {
		t.Errorf("Scene 1 should start at 5, got %g", got[1].SourceStart)
	}
	if got[1].SourceEnd != 10 {
		t.Errorf("Scene 1 should clamp to 10, got %g", got[1].SourceEnd)
	}
}

func TestUnknownSourceDurationDegradesToFullClip(t *testing.T) {
	scenes := []template.Scene{scene(0, 4), scene(4, 9)}
	got := MapScenes(scenes, 0)
	for i, m := range got {
		if m.SourceStart != 0 {
			t.Errorf("Scene %d should reuse the clip from 0, got %g", i, m.SourceStart)
		}
		if m.SourceEnd != m.OutputEnd-m.OutputStart {
			t.Errorf("Scene %d should map its own length, got %g", i, m.SourceEnd)
		}
	}
}

func TestSourcePositionProportional(t *testing.T) {
	m := SceneMapping{OutputStart: 2, OutputEnd: 6, SourceStart: 10, SourceEnd: 18}
	tests := []struct {
		t    float64
		want float64
	}{
		{2, 10},
		{4, 14},
		{6, 18},
		{1, 10},  // before the window clamps
		{99, 18}, // after the window clamps
	}
	for _, tt := range tests {
		if got := m.SourcePosition(tt.t); math.Abs(got-tt.want) > 1e-9 {
			t.Errorf("SourcePosition(%g) = %g, want %g", tt.t, got, tt.want)
		}
	}
}

func TestIndexLookupCachesWindow(t *testing.T) {
	ix := NewIndex(MapScenes([]template.Scene{scene(0, 5), scene(5, 10)}, 20))

	m, ok := ix.Lookup(1.0)
	if !ok || m.SceneIndex != 0 {
		t.Fatalf("Expected scene 0, got %+v ok=%v", m, ok)
	}
	// Repeated lookups inside the window hit the cached scene.
	for _, tick := range []float64{1.5, 2.0, 4.99} {
		if m, ok = ix.Lookup(tick); !ok || m.SceneIndex != 0 {
			t.Errorf("Lookup(%g): expected scene 0, got %+v", tick, m)
		}
	}
	// Crossing the boundary re-searches.
	if m, ok = ix.Lookup(5.0); !ok || m.SceneIndex != 1 {
		t.Errorf("Lookup(5.0): expected scene 1, got %+v", m)
	}
}

func TestIndexLookupGap(t *testing.T) {
	ix := NewIndex(MapScenes([]template.Scene{scene(0, 2), scene(4, 6)}, 12))
	if _, ok := ix.Lookup(3.0); ok {
		t.Error("Lookup in an uncovered gap should report no scene")
	}
	if m, ok := ix.Lookup(4.5); !ok || m.SceneIndex != 1 {
		t.Errorf("Lookup after gap failed: %+v ok=%v", m, ok)
	}
}

func TestIndexNext(t *testing.T) {
	ix := NewIndex(MapScenes([]template.Scene{scene(0, 2), scene(2, 4)}, 8))
	next, ok := ix.Next(0)
	if !ok || next.SceneIndex != 1 {
		t.Errorf("Next(0) = %+v ok=%v", next, ok)
	}
	if _, ok := ix.Next(1); ok {
		t.Error("Next past the last scene should report none")
	}
}
