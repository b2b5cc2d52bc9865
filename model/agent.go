package model

import (
	"fmt"
	"strings"
)

// Role fixes what an agent may do in the swarm. It is set once at
// construction and never changes.
type Role int

const (
	RoleUnknown  Role = iota
	RoleLeader        // may broadcast its position
	RoleFollower      // must adjust on receipt of a leader position
)

func (r Role) String() string {
	switch r {
	case RoleLeader:
		return "leader"
	case RoleFollower:
		return "follower"
	default:
		return "unknown"
	}
}

// ParseRole converts "leader" or "follower" (case-insensitive) into a Role.
func ParseRole(s string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "leader":
		return RoleLeader, nil
	case "follower":
		return RoleFollower, nil
	default:
		return RoleUnknown, fmt.Errorf("unknown role %q", s)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (r Role) MarshalText() ([]byte, error) {
	if r != RoleLeader && r != RoleFollower {
		return nil, fmt.Errorf("cannot marshal role %d", int(r))
	}
	return []byte(r.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (r *Role) UnmarshalText(text []byte) error {
	parsed, err := ParseRole(string(text))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

// GeoPosition is a geographic position: degrees for latitude/longitude,
// metres for altitude.
type GeoPosition struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Altitude  float64 `json:"altitude"`
}

// Add returns the position shifted by the given deltas.
func (p GeoPosition) Add(dLat, dLon, dAlt float64) GeoPosition {
	return GeoPosition{
		Latitude:  p.Latitude + dLat,
		Longitude: p.Longitude + dLon,
		Altitude:  p.Altitude + dAlt,
	}
}

// Vector is a kinematic vector (velocity, acceleration).
type Vector struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// AgentDefinition is the construction record for a swarm agent.
type AgentDefinition struct {
	ID   string `json:"id"`
	Role Role   `json:"role"`
	// Mass is part of the agent's identity; the correction algorithm
	// does not use it.
	Mass         float64     `json:"mass"`
	Velocity     Vector      `json:"velocity"`
	Acceleration Vector      `json:"acceleration"`
	Position     GeoPosition `json:"position"`
}
