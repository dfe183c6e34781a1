package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Settings is the operator-tunable YAML file. Everything here is safe
// to commit; credentials stay in the environment.
type Settings struct {
	Controller ControllerSettings `yaml:"controller" json:"controller"`
	Consensus  ConsensusSettings  `yaml:"consensus" json:"consensus"`
	Throttle   ThrottleSettings   `yaml:"throttle" json:"throttle"`
	KillSwitch KillSwitchSettings `yaml:"kill_switch" json:"kill_switch"`
	Reviewers  []ReviewerSettings `yaml:"reviewers" json:"reviewers"`
	Alerts     []AlertSettings    `yaml:"alerts" json:"alerts"`
}

// ControllerSettings holds the control-loop gains and setpoints.
type ControllerSettings struct {
	GainThrottle  float64 `yaml:"gain_throttle" json:"gain_throttle"`
	GainThreshold float64 `yaml:"gain_threshold" json:"gain_threshold"`
	RefRisk       float64 `yaml:"ref_risk" json:"ref_risk"`
	RefQueue      int     `yaml:"ref_queue" json:"ref_queue"`
	PeriodSeconds int     `yaml:"period_seconds" json:"period_seconds"`
}

// ConsensusSettings holds the review gate thresholds.
type ConsensusSettings struct {
	MergeThreshold   float64 `yaml:"merge_threshold" json:"merge_threshold"`
	DissentThreshold float64 `yaml:"dissent_threshold" json:"dissent_threshold"`
	TimeoutSeconds   int     `yaml:"timeout_seconds" json:"timeout_seconds"`
}

// ThrottleSettings holds the admission valve defaults.
type ThrottleSettings struct {
	InitialPct float64 `yaml:"initial_pct" json:"initial_pct"`
}

// KillSwitchSettings holds escalation configuration.
type KillSwitchSettings struct {
	AckDelaySeconds  int    `yaml:"ack_delay_seconds" json:"ack_delay_seconds"`
	SecondaryContact string `yaml:"secondary_contact" json:"secondary_contact"`
}

// ReviewerSettings identifies one reviewer backend.
type ReviewerSettings struct {
	Name string `yaml:"name" json:"name"`
	URL  string `yaml:"url" json:"url"`
}

// AlertSettings identifies one alert webhook.
type AlertSettings struct {
	Name string `yaml:"name" json:"name"`
	URL  string `yaml:"url" json:"url"`
}

// DefaultSettings returns the values used when no settings file exists.
func DefaultSettings() *Settings {
	return &Settings{
		Controller: ControllerSettings{
			GainThrottle:  20,
			GainThreshold: 5,
			RefRisk:       0.25,
			RefQueue:      10,
			PeriodSeconds: 5,
		},
		Consensus: ConsensusSettings{
			MergeThreshold:   7.5,
			DissentThreshold: 2.0,
			TimeoutSeconds:   30,
		},
		Throttle: ThrottleSettings{InitialPct: 100},
		KillSwitch: KillSwitchSettings{
			AckDelaySeconds: 300,
		},
	}
}

// LoadSettings reads the YAML settings file, applying defaults for
// anything unset. A missing file is not an error; the defaults stand.
func LoadSettings(path string) (*Settings, error) {
	s := DefaultSettings()

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read settings %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("parse settings %s: %w", path, err)
	}

	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Validate rejects settings that would misconfigure the loop.
func (s *Settings) Validate() error {
	if s.Controller.GainThrottle <= 0 {
		return fmt.Errorf("settings: controller.gain_throttle must be positive")
	}
	if s.Controller.RefRisk < 0 || s.Controller.RefRisk > 1 {
		return fmt.Errorf("settings: controller.ref_risk must be in [0, 1]")
	}
	if s.Consensus.MergeThreshold < 0 || s.Consensus.MergeThreshold > 10 {
		return fmt.Errorf("settings: consensus.merge_threshold must be in [0, 10]")
	}
	if s.Throttle.InitialPct < 0 || s.Throttle.InitialPct > 100 {
		return fmt.Errorf("settings: throttle.initial_pct must be in [0, 100]")
	}
	for _, r := range s.Reviewers {
		if r.Name == "" || r.URL == "" {
			return fmt.Errorf("settings: every reviewer needs a name and url")
		}
	}
	return nil
}
