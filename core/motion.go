package core

import (
	"math"
	"time"

	"github.com/signalsfoundry/swarm-sync/model"
)

// Move is a position delta: degrees for latitude/longitude, metres for
// altitude.
type Move struct {
	DLat float64 `json:"d_lat"`
	DLon float64 `json:"d_lon"`
	DAlt float64 `json:"d_alt"`
}

// IsZero reports whether the move leaves a position unchanged.
func (m Move) IsZero() bool {
	return m == Move{}
}

// MotionModel decides how the leader moves between broadcast rounds.
type MotionModel interface {
	// Next returns the delta to apply after the given round. step counts
	// from zero.
	Next(step int, def model.AgentDefinition) Move
}

// StaticMotion never moves the agent.
type StaticMotion struct{}

// Next implements MotionModel.
func (StaticMotion) Next(int, model.AgentDefinition) Move { return Move{} }

// ScriptedMotion replays a fixed list of moves, one per round. Once the
// script is exhausted the agent holds still, unless Loop is set.
type ScriptedMotion struct {
	Moves []Move
	Loop  bool
}

// Next implements MotionModel.
func (m ScriptedMotion) Next(step int, _ model.AgentDefinition) Move {
	if len(m.Moves) == 0 || step < 0 {
		return Move{}
	}
	if m.Loop {
		return m.Moves[step%len(m.Moves)]
	}
	if step >= len(m.Moves) {
		return Move{}
	}
	return m.Moves[step]
}

// VelocityMotion integrates the agent's velocity over a fixed round
// interval. Velocity is read as east/north/up in metres per second.
type VelocityMotion struct {
	Interval time.Duration
}

// Next implements MotionModel.
func (m VelocityMotion) Next(_ int, def model.AgentDefinition) Move {
	secs := m.Interval.Seconds()
	if secs <= 0 {
		return Move{}
	}
	east := def.Velocity.X * secs
	north := def.Velocity.Y * secs
	up := def.Velocity.Z * secs

	mv := Move{
		DLat: north / MetersPerDegreeLat,
		DAlt: up,
	}
	if cosLat := math.Cos(radians(def.Position.Latitude)); cosLat != 0 {
		mv.DLon = east / (MetersPerDegreeLat * cosLat)
	}
	return mv
}

// ApplyMotion asks m for the delta after round step and applies it to a.
// A zero delta leaves the agent untouched and emits nothing.
func ApplyMotion(a *Agent, m MotionModel, step int) Move {
	if a == nil || m == nil {
		return Move{}
	}
	mv := m.Next(step, a.Definition())
	if mv.IsZero() {
		return mv
	}
	a.UpdatePosition(mv.DLat, mv.DLon, mv.DAlt)
	return mv
}
