// Package mapping computes which slice of source footage each output scene
// displays, and answers "which scene is active at output time t" cheaply
// enough for a 30 Hz render loop.
package mapping

import "github.com/ivlev/reelforge/internal/template"

// SceneMapping is the derived per-scene record tying a window on the output
// timeline to a window on the source timeline. It is recomputed whenever
// the scene list or the source duration changes and never persisted.
type SceneMapping struct {
	SceneIndex  int
	OutputStart float64
	OutputEnd   float64
	SourceStart float64
	SourceEnd   float64
}

// Contains reports whether t falls inside the scene's half-open output
// window [OutputStart, OutputEnd).
func (m *SceneMapping) Contains(t float64) bool {
	return t >= m.OutputStart && t < m.OutputEnd
}

// SourcePosition maps an output time proportionally into the scene's
// source window.
func (m *SceneMapping) SourcePosition(t float64) float64 {
	outDur := m.OutputEnd - m.OutputStart
	if outDur <= 0 {
		return m.SourceStart
	}
	frac := (t - m.OutputStart) / outDur
	if frac < 0 {
		frac = 0
	} else if frac > 1 {
		frac = 1
	}
	return m.SourceStart + frac*(m.SourceEnd-m.SourceStart)
}

// Progress returns elapsed seconds within the scene and the scene duration.
func (m *SceneMapping) Progress(t float64) (elapsed, duration float64) {
	duration = m.OutputEnd - m.OutputStart
	elapsed = t - m.OutputStart
	if elapsed < 0 {
		elapsed = 0
	} else if elapsed > duration {
		elapsed = duration
	}
	return elapsed, duration
}

// MapScenes computes the source window for every scene in order. Explicit
// windows pass through verbatim. Scenes without one get an even split of
// the source: scene i starts at i*(sourceDuration/N) and runs for its own
// output length, clamped to the source end. The cuts this produces are
// arbitrary by construction; that is the documented default for templates
// authored without source mapping, not a defect. A zero or unknown source
// duration degrades to full-clip reuse from position zero.
func MapScenes(scenes []template.Scene, sourceDuration float64) []SceneMapping {
	mappings := make([]SceneMapping, len(scenes))
	n := float64(len(scenes))
	for i := range scenes {
		sc := &scenes[i]
		m := SceneMapping{
			SceneIndex:  i,
			OutputStart: sc.OutputStart,
			OutputEnd:   sc.OutputEnd,
		}
		switch {
		case sc.SourceStart != nil && sc.SourceEnd != nil:
			m.SourceStart = *sc.SourceStart
			m.SourceEnd = *sc.SourceEnd
		case sourceDuration <= 0:
			m.SourceStart = 0
			m.SourceEnd = sc.SceneDuration()
		default:
			segStart := float64(i) * (sourceDuration / n)
			segEnd := segStart + sc.SceneDuration()
			if segEnd > sourceDuration {
				segEnd = sourceDuration
			}
			m.SourceStart = segStart
			m.SourceEnd = segEnd
		}
		mappings[i] = m
	}
	return mappings
}

// Index answers active-scene lookups. It remembers the last hit and only
// re-searches linearly when the query leaves that scene's window, which
// keeps per-tick cost constant during playback.
type Index struct {
	mappings []SceneMapping
	cached   int
}

func NewIndex(mappings []SceneMapping) *Index {
	return &Index{mappings: mappings, cached: -1}
}

// Mappings exposes the full mapping list, e.g. for cache keys and logs.
func (ix *Index) Mappings() []SceneMapping { return ix.mappings }

// Lookup returns the mapping active at output time t. Scenes are
// interpreted in list order; with overlapping windows the first match
// wins. ok is false in a gap not covered by any scene.
func (ix *Index) Lookup(t float64) (SceneMapping, bool) {
	if ix.cached >= 0 && ix.cached < len(ix.mappings) && ix.mappings[ix.cached].Contains(t) {
		return ix.mappings[ix.cached], true
	}
	for i := range ix.mappings {
		if ix.mappings[i].Contains(t) {
			ix.cached = i
			return ix.mappings[i], true
		}
	}
	ix.cached = -1
	return SceneMapping{SceneIndex: -1}, false
}

// Next returns the mapping that follows scene index i in list order.
func (ix *Index) Next(i int) (SceneMapping, bool) {
	if i+1 >= len(ix.mappings) || i < -1 {
		return SceneMapping{SceneIndex: -1}, false
	}
	return ix.mappings[i+1], true
}
