// Package motion detects movement on the raw frame stream.
//
// The detector consumes every Kth frame exiting the frame source,
// independent of viewer count. It computes a cheap difference metric: the
// fraction of downsampled grayscale pixels whose value changed beyond a
// threshold. While inactive it compares against a calm reference frame (so a
// single spike followed by a return to the same scene reads as one noisy
// sample, not two), while active it compares frame-to-frame to notice the
// scene settling. Transitions are debounced: motion becomes active only
// after M consecutive above-threshold samples and inactive only after N
// consecutive below-threshold samples, so isolated sensor-noise spikes never
// flip the state.
package motion

import (
	"log/slog"
	"sync"
	"time"

	"github.com/Waupie/home-security-camera/internal/capture"
)

// Config tunes the detector.
type Config struct {
	// SampleEvery processes one frame out of every SampleEvery (1 = all).
	SampleEvery int
	// PixelThreshold is the per-pixel grayscale delta that counts as changed.
	PixelThreshold uint8
	// AreaRatio is the fraction of changed pixels that counts as motion.
	AreaRatio float64
	// ActivateAfter is the consecutive above-threshold samples before the
	// state flips to active (M).
	ActivateAfter int
	// DeactivateAfter is the consecutive below-threshold samples before
	// the state flips back to inactive (N).
	DeactivateAfter int
}

// DefaultConfig mirrors the tuning of the original deployment.
func DefaultConfig() Config {
	return Config{
		SampleEvery:     1,
		PixelThreshold:  40,
		AreaRatio:       0.05,
		ActivateAfter:   2,
		DeactivateAfter: 2,
	}
}

// TransitionFunc is invoked on every debounced state change.
type TransitionFunc func(active bool, at time.Time)

// Detector is the single writer of the process-wide motion state.
// Process is called from the frame loop only; State from anywhere.
type Detector struct {
	cfg          Config
	onTransition TransitionFunc

	// Detection state, owned by the frame loop.
	ref         []byte // downsampled grayscale of the calm reference
	prevSample  []byte // last sampled frame (for the active phase)
	sampleW     int
	sampleH     int
	frameIndex  uint64
	aboveStreak int
	belowStreak int

	// Published state, guarded independently so recording activity or a
	// slow subscriber can never block motion reporting.
	mu        sync.RWMutex
	active    bool
	changedAt time.Time
}

// New creates a detector. onTransition may be nil.
func New(cfg Config, onTransition TransitionFunc) *Detector {
	if cfg.SampleEvery < 1 {
		cfg.SampleEvery = 1
	}
	if cfg.ActivateAfter < 1 {
		cfg.ActivateAfter = 1
	}
	if cfg.DeactivateAfter < 1 {
		cfg.DeactivateAfter = 1
	}
	return &Detector{cfg: cfg, onTransition: onTransition}
}

// Process feeds one raw frame through the detector. Not safe for concurrent
// use; the frame loop is the only caller.
func (d *Detector) Process(f capture.Frame) {
	d.frameIndex++
	if d.frameIndex%uint64(d.cfg.SampleEvery) != 0 {
		return
	}
	if len(f.Data) < f.Width*f.Height*3 {
		// Corrupt frame; skip rather than poison the reference.
		return
	}

	gray := downsampleGray(f.Data, f.Width, f.Height)
	sw, sh := (f.Width+1)/2, (f.Height+1)/2

	if d.ref == nil || d.sampleW != sw || d.sampleH != sh {
		d.ref = gray
		d.prevSample = gray
		d.sampleW, d.sampleH = sw, sh
		return
	}

	d.mu.RLock()
	active := d.active
	d.mu.RUnlock()

	if !active {
		ratio := d.diffRatio(gray, d.ref)
		if ratio > d.cfg.AreaRatio {
			d.aboveStreak++
			// Reference stays frozen while a streak builds, so a
			// return to the calm scene reads as calm again.
			if d.aboveStreak >= d.cfg.ActivateAfter {
				d.setState(true, f.Timestamp)
				d.belowStreak = 0
				slog.Info("motion: detected", "ratio", ratio, "seq", f.Seq)
			}
		} else {
			d.aboveStreak = 0
			// Blend the reference toward the current scene so slow
			// lighting drift never accumulates into false motion.
			for i := range d.ref {
				d.ref[i] = uint8((int(d.ref[i])*6 + int(gray[i])*4) / 10)
			}
		}
	} else {
		// Active: watch for the scene to settle, frame to frame.
		ratio := d.diffRatio(gray, d.prevSample)
		if ratio > d.cfg.AreaRatio {
			d.belowStreak = 0
		} else {
			d.belowStreak++
			if d.belowStreak >= d.cfg.DeactivateAfter {
				d.setState(false, f.Timestamp)
				d.aboveStreak = 0
				// Whatever the scene looks like now is the new calm.
				d.ref = append(d.ref[:0], gray...)
				slog.Info("motion: cleared", "seq", f.Seq)
			}
		}
	}

	d.prevSample = gray
}

func (d *Detector) diffRatio(a, b []byte) float64 {
	changed := 0
	for i := range a {
		delta := int(a[i]) - int(b[i])
		if delta < 0 {
			delta = -delta
		}
		if delta > int(d.cfg.PixelThreshold) {
			changed++
		}
	}
	return float64(changed) / float64(len(a))
}

func (d *Detector) setState(active bool, at time.Time) {
	d.mu.Lock()
	d.active = active
	d.changedAt = at
	d.mu.Unlock()

	if d.onTransition != nil {
		d.onTransition(active, at)
	}
}

// State returns the current motion state and when it last changed.
func (d *Detector) State() (bool, time.Time) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.active, d.changedAt
}

// downsampleGray converts packed RGB to grayscale, keeping every 2nd pixel
// in both dimensions (BT.601 luma weights, integer math).
func downsampleGray(rgb []byte, width, height int) []byte {
	sw, sh := (width+1)/2, (height+1)/2
	out := make([]byte, sw*sh)
	for y := 0; y < sh; y++ {
		srcRow := (y * 2) * width * 3
		for x := 0; x < sw; x++ {
			i := srcRow + (x*2)*3
			r, g, b := int(rgb[i]), int(rgb[i+1]), int(rgb[i+2])
			out[y*sw+x] = uint8((299*r + 587*g + 114*b) / 1000)
		}
	}
	return out
}
