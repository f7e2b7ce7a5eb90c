// Package permission answers the droid's permission and ask-user prompts
// according to a fixed policy.
package permission

import (
	"fmt"
	"regexp"
	"slices"
	"strings"

	"github.com/kandev/droidctl/pkg/droid"
)

// UpdateStrategy controls when update_session_settings is sent after an
// exit-spec approval.
type UpdateStrategy string

const (
	UpdateNone   UpdateStrategy = "none"
	UpdateBefore UpdateStrategy = "before"
	UpdateAfter  UpdateStrategy = "after"
)

// ParseUpdateStrategy accepts "", none, before and after.
func ParseUpdateStrategy(s string) (UpdateStrategy, error) {
	switch UpdateStrategy(strings.ToLower(strings.TrimSpace(s))) {
	case "", UpdateNone:
		return UpdateNone, nil
	case UpdateBefore:
		return UpdateBefore, nil
	case UpdateAfter:
		return UpdateAfter, nil
	default:
		return UpdateNone, fmt.Errorf("invalid permission update strategy %q (want none, before or after)", s)
	}
}

// Config is the permission policy.
type Config struct {
	// ExitSpecAction is preferred for exit-spec prompts when offered.
	ExitSpecAction string
	// FallbackAction is preferred for every other prompt when offered.
	FallbackAction string
	UpdateStrategy UpdateStrategy
	// AutonomyLevel is sent with update_session_settings. Empty disables updates.
	AutonomyLevel string
}

var exitSpecPattern = regexp.MustCompile(`(?i)exit\s?spec`)

// ToolNames returns the last dot-separated segment of each tool use name.
func ToolNames(uses []droid.ToolUse) []string {
	names := make([]string, 0, len(uses))
	for _, u := range uses {
		name := u.Name
		if i := strings.LastIndexByte(name, '.'); i >= 0 {
			name = name[i+1:]
		}
		if name != "" {
			names = append(names, name)
		}
	}
	return names
}

// IsExitSpec reports whether any tool name is an exit-specification tool.
func IsExitSpec(toolNames []string) bool {
	return slices.ContainsFunc(toolNames, exitSpecPattern.MatchString)
}

// Select picks the option to answer with. Exit-spec prompts prefer the
// configured action, then proceed_auto_run, then proceed_once. Everything
// else, and exit-spec prompts offering none of those, prefers the configured
// fallback, then cancel, then the first offered option. With nothing offered
// the answer is cancel.
func Select(cfg Config, toolNames []string, options []string) (selected string, exitSpec bool) {
	exitSpec = IsExitSpec(toolNames)
	offered := func(v string) bool {
		return v != "" && slices.Contains(options, v)
	}

	if exitSpec {
		for _, candidate := range []string{cfg.ExitSpecAction, droid.OptionProceedAutoRun, droid.OptionProceedOnce} {
			if offered(candidate) {
				return candidate, true
			}
		}
	}
	for _, candidate := range []string{cfg.FallbackAction, droid.OptionCancel} {
		if offered(candidate) {
			return candidate, exitSpec
		}
	}
	if len(options) > 0 {
		return options[0], exitSpec
	}
	return droid.OptionCancel, exitSpec
}

// IsProceed reports whether an option approves the tool call.
func IsProceed(option string) bool {
	return strings.HasPrefix(option, "proceed")
}

func optionValues(opts []droid.PermissionOption) []string {
	out := make([]string, 0, len(opts))
	for _, o := range opts {
		if o.Value != "" {
			out = append(out, o.Value)
		}
	}
	return out
}
