// Package rules loads the tumor-type rule file and resolves its enumerated
// option families into the flat scalar thresholds the assignment engine
// consumes. The engine never sees the option alternatives, only the resolved
// values.
package rules

import (
	"fmt"

	"github.com/spf13/viper"
)

// ConfigurationError reports an invalid or unresolvable rules file. It is
// fatal at load time: no processing may start with broken rules.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("rules configuration: %s: %s", e.Field, e.Reason)
}

// Option is one named alternative inside an option family. Exactly one
// option per family must be marked active.
type Option struct {
	Name   string `mapstructure:"name"`
	Days   int    `mapstructure:"days"`
	Active bool   `mapstructure:"active"`
}

// File mirrors the on-disk YAML rules structure.
type File struct {
	CancerType string `mapstructure:"cancer_type"`

	GapPeriodOptions []Option `mapstructure:"gap_period_options"`

	NewBiologicAgentOptions struct {
		GeneralWindow    []Option `mapstructure:"general_window"`
		ExceptionWindow  []Option `mapstructure:"exception_window"`
		ExceptionClasses []string `mapstructure:"exception_classes"`
	} `mapstructure:"new_biologic_agent_options"`

	NewChemoAgentOptions struct {
		FluoropyrimidineSupplementation []Option `mapstructure:"fluoropyrimidine_supplementation"`
	} `mapstructure:"new_chemo_agent_options"`

	DrugClasses             map[string][]string `mapstructure:"drug_classes"`
	Synonyms                map[string]string   `mapstructure:"synonyms"`
	InterchangeabilityGroups map[string][]string `mapstructure:"interchangeability_groups"`
	StandardRegimens        map[string][]string `mapstructure:"standard_regimens"`
	MaintenanceOptions      []string            `mapstructure:"maintenance_options"`
}

// Load reads and parses a rules file from path. Parsing errors and schema
// violations are ConfigurationErrors.
func Load(path string) (*File, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, &ConfigurationError{Field: path, Reason: fmt.Sprintf("read rules file: %v", err)}
	}

	var f File
	if err := v.Unmarshal(&f); err != nil {
		return nil, &ConfigurationError{Field: path, Reason: fmt.Sprintf("unmarshal rules file: %v", err)}
	}
	return &f, nil
}
