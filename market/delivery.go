package market

import "time"

// Stage is an ordinal delivery state.
type Stage string

const (
	Preparing Stage = "preparing"
	PickedUp  Stage = "picked_up"
	InTransit Stage = "in_transit"
	Nearby    Stage = "nearby"
	Arrived   Stage = "arrived"
	Delivered Stage = "delivered"
)

// Stages is the fixed delivery lifecycle, in order.
var Stages = []Stage{Preparing, PickedUp, InTransit, Nearby, Arrived, Delivered}

// Ordinal returns the position of s in Stages, or -1 for an unknown stage.
func (s Stage) Ordinal() int {
	for i, x := range Stages {
		if x == s {
			return i
		}
	}
	return -1
}

// Next returns the stage after s. ok is false for Delivered and unknown stages.
func (s Stage) Next() (next Stage, ok bool) {
	i := s.Ordinal()
	if i < 0 || i == len(Stages)-1 {
		return s, false
	}
	return Stages[i+1], true
}

// Terminal reports whether s is Delivered.
func (s Stage) Terminal() bool { return s == Delivered }

// Location is a sampled courier position.
type Location struct {
	Lat   float64 `json:"lat"`
	Lng   float64 `json:"lng"`
	Label string  `json:"label,omitempty"`
}

// DeliveryStatus is one observation of a delivery in progress.
type DeliveryStatus struct {
	Stage      Stage     `json:"stage"`
	At         time.Time `json:"at"`
	Location   Location  `json:"location"`
	Message    string    `json:"message"`
	ETAMinutes int       `json:"etaMinutes"`
	// DistanceKm is the remaining distance, never negative.
	DistanceKm float64 `json:"distanceKm"`
}
