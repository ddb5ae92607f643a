package service

import "math"

// ProductivityWeights tunes the score. Rates at or above the reference count as full activity.
type ProductivityWeights struct {
	Active       float64
	Keystroke    float64
	Click        float64
	KeystrokeRef float64
	ClickRef     float64
}

var DefaultProductivityWeights = ProductivityWeights{
	Active:       0.5,
	Keystroke:    0.3,
	Click:        0.2,
	KeystrokeRef: 60,
	ClickRef:     20,
}

// ActivitySample is the raw input to the score. Nil fields were not reported by the agent.
type ActivitySample struct {
	SessionMinutes float64
	ActiveMinutes  *float64
	IdleSeconds    *float64
	KeystrokeCount int
	ClickCount     int
	KeystrokeRate  *float64
	ClickRate      *float64
	ClientScore    *float64
}

// Score returns a productivity figure in [0, 100] rounded to two decimals.
//
// When the sample carries no session length and no rates, the client-reported score is
// used as-is (clamped).
func (w ProductivityWeights) Score(s ActivitySample) float64 {
	keyRate, clickRate, haveRates := w.rates(s)
	if s.SessionMinutes <= 0 && !haveRates && s.ClientScore != nil {
		return round2(clamp(*s.ClientScore, 0, 100))
	}

	active := activeFraction(s)
	raw := w.Active*active +
		w.Keystroke*ratio(keyRate, w.KeystrokeRef) +
		w.Click*ratio(clickRate, w.ClickRef)
	return round2(clamp(100*raw, 0, 100))
}

func (w ProductivityWeights) rates(s ActivitySample) (key, click float64, ok bool) {
	if s.KeystrokeRate != nil {
		key, ok = *s.KeystrokeRate, true
	} else if s.SessionMinutes > 0 {
		key, ok = float64(s.KeystrokeCount)/s.SessionMinutes, true
	}
	if s.ClickRate != nil {
		click, ok = *s.ClickRate, true
	} else if s.SessionMinutes > 0 {
		click, ok = float64(s.ClickCount)/s.SessionMinutes, true
	}
	return key, click, ok
}

func activeFraction(s ActivitySample) float64 {
	switch {
	case s.SessionMinutes > 0 && s.ActiveMinutes != nil:
		return clamp(*s.ActiveMinutes/s.SessionMinutes, 0, 1)
	case s.SessionMinutes > 0 && s.IdleSeconds != nil:
		return clamp((s.SessionMinutes-*s.IdleSeconds/60)/s.SessionMinutes, 0, 1)
	case s.KeystrokeCount > 0 || s.ClickCount > 0:
		return 1
	}
	return 0
}

func ratio(v, ref float64) float64 {
	if ref <= 0 || v <= 0 || math.IsNaN(v) {
		return 0
	}
	return math.Min(v/ref, 1)
}

func clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return lo
	}
	return math.Max(lo, math.Min(hi, v))
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
