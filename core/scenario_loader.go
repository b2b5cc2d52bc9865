// core/scenario_loader.go
package core

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/signalsfoundry/swarm-sync/model"
)

// Scenario is a swarm to build plus the leader's motion script.
type Scenario struct {
	Name   string                  `json:"name,omitempty"`
	Agents []model.AgentDefinition `json:"agents"`
	// Moves are applied to the leader after each broadcast round.
	Moves []Move `json:"moves,omitempty"`
	// Loop replays Moves once they are exhausted.
	Loop bool `json:"loop,omitempty"`
}

// DefaultScenario is the three-agent demo swarm: leader A with followers B
// and C, and a single leader move between the first two broadcasts.
func DefaultScenario() *Scenario {
	return &Scenario{
		Name: "default",
		Agents: []model.AgentDefinition{
			{
				ID:       "A",
				Role:     model.RoleLeader,
				Mass:     1.5,
				Position: model.GeoPosition{Latitude: 28.7041, Longitude: 77.1025, Altitude: 100},
			},
			{
				ID:       "B",
				Role:     model.RoleFollower,
				Mass:     2.0,
				Position: model.GeoPosition{Latitude: 28.7040, Longitude: 77.1024, Altitude: 100},
			},
			{
				ID:       "C",
				Role:     model.RoleFollower,
				Mass:     1.8,
				Position: model.GeoPosition{Latitude: 28.7042, Longitude: 77.1026, Altitude: 100},
			},
		},
		Moves: []Move{{DLat: 0.00001, DLon: 0.00001, DAlt: 0}},
	}
}

// LoadScenario decodes and validates a JSON scenario from r.
func LoadScenario(r io.Reader) (*Scenario, error) {
	var s Scenario
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&s); err != nil {
		return nil, fmt.Errorf("LoadScenario: decode failed: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("LoadScenario: %w", err)
	}
	return &s, nil
}

// LoadScenarioFile opens path and loads it with LoadScenario.
func LoadScenarioFile(path string) (*Scenario, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("LoadScenarioFile: %w", err)
	}
	defer f.Close()
	return LoadScenario(f)
}

// Validate checks that ids are present and unique and that the swarm has
// exactly one leader and at least one follower.
func (s *Scenario) Validate() error {
	if s == nil {
		return fmt.Errorf("%w: nil scenario", ErrInvalidAgent)
	}

	var errs []error
	seen := make(map[string]bool, len(s.Agents))
	leaders, followers := 0, 0
	for i, def := range s.Agents {
		if def.ID == "" {
			errs = append(errs, fmt.Errorf("agent %d: %w: empty id", i, ErrInvalidAgent))
			continue
		}
		if seen[def.ID] {
			errs = append(errs, fmt.Errorf("agent %q: %w", def.ID, ErrAgentExists))
		}
		seen[def.ID] = true

		switch def.Role {
		case model.RoleLeader:
			leaders++
		case model.RoleFollower:
			followers++
		default:
			errs = append(errs, fmt.Errorf("agent %q: %w: role %s", def.ID, ErrInvalidAgent, def.Role))
		}
	}
	switch {
	case leaders == 0:
		errs = append(errs, fmt.Errorf("%w: scenario has no leader", ErrInvalidAgent))
	case leaders > 1:
		errs = append(errs, fmt.Errorf("scenario has %d leaders: %w", leaders, ErrLeaderExists))
	}
	if followers == 0 {
		errs = append(errs, fmt.Errorf("%w: scenario has no followers", ErrInvalidAgent))
	}
	return errors.Join(errs...)
}

// LeaderID returns the id of the scenario's leader, or "" if there is none.
func (s *Scenario) LeaderID() string {
	for _, def := range s.Agents {
		if def.Role == model.RoleLeader {
			return def.ID
		}
	}
	return ""
}

// Motion returns the leader's motion model: the scripted moves, or static
// motion when there are none.
func (s *Scenario) Motion() MotionModel {
	if len(s.Moves) == 0 {
		return StaticMotion{}
	}
	return ScriptedMotion{Moves: append([]Move(nil), s.Moves...), Loop: s.Loop}
}
