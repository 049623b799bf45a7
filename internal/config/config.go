// Package config decodes the cold-boot policy embedded in the boot image
// next to the guest kernel payload (spec §6.4, "Configuration" in the
// ambient stack): a small yaml-encoded blob controlling which guest
// protocol-enforcement behaviors are active for this boot. Modeled on the
// teacher's cmd/ccapp/site_config.go (pointer fields to distinguish
// unset-vs-false, yaml.v3 decode, defaults for a missing or empty blob;
// a malformed blob is a parse error).
package config

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// BootPolicy is the decoded cold-boot policy blob (spec §6.4's "policy
// blob... embedded in the boot image next to the kernel payload").
// Pointer fields distinguish "not set in this image" from "set false",
// the same convention as SiteConfig.AutoUpdateEnabled.
type BootPolicy struct {
	// ForceDebugMode forces set:sys's GetDebugModeFlag to report enabled
	// regardless of the guest's own provisioning state (spec §4.9).
	ForceDebugMode *bool `yaml:"force_debug_mode"`

	// CPUOverclockHz overrides clkrst's CPU clock-rate target (spec
	// Scenario C). A nil value selects DefaultCPUOverclockHz.
	CPUOverclockHz *uint64 `yaml:"cpu_overclock_hz"`

	// LogVerbosity gates which debuglog tags are forwarded to the debug
	// channel; an empty value means "all".
	LogVerbosity string `yaml:"log_verbosity"`

	// OneShotBufferNoticeASIDs lists ASIDs the SMMU shadow pager should
	// log a one-time "first buffer seen" diagnostic for (spec §4.2).
	OneShotBufferNoticeASIDs []uint16 `yaml:"one_shot_buffer_notice_asids"`

	// ForceDisableContinuousRecording mirrors Scenario B's
	// am.debug::force_disable_continuous_recording force-read.
	ForceDisableContinuousRecording *bool `yaml:"force_disable_continuous_recording"`
}

// DefaultCPUOverclockHz is the rate internal/services/clkrst.go falls
// back to when the policy blob doesn't override it (spec Scenario C:
// "1_785_000_000").
const DefaultCPUOverclockHz = 1_785_000_000

// ForceDebugModeEnabled reports whether the policy forces debug mode on,
// defaulting to true (matching Scenario B's described behavior) when the
// blob is silent on the question.
func (p BootPolicy) ForceDebugModeEnabled() bool {
	if p.ForceDebugMode == nil {
		return true
	}
	return *p.ForceDebugMode
}

// ForceDisableContinuousRecordingEnabled mirrors ForceDebugModeEnabled
// for the am.debug settings key Scenario B forces to 1.
func (p BootPolicy) ForceDisableContinuousRecordingEnabled() bool {
	if p.ForceDisableContinuousRecording == nil {
		return true
	}
	return *p.ForceDisableContinuousRecording
}

// OverclockTargetHz returns the configured overclock target, or
// DefaultCPUOverclockHz if the blob doesn't set one.
func (p BootPolicy) OverclockTargetHz() uint64 {
	if p.CPUOverclockHz == nil {
		return DefaultCPUOverclockHz
	}
	return *p.CPUOverclockHz
}

// Parse decodes a BootPolicy from the yaml blob embedded alongside the
// kernel image. An empty blob yields the zero BootPolicy (all defaults
// apply), matching LoadSiteConfig's "missing file means empty config"
// tolerance. A non-empty blob that is not valid yaml returns an error
// rather than defaults; at cold boot there is no os.Stat-style "file not
// present" distinction, only "bytes were or weren't embedded."
func Parse(blob []byte) (BootPolicy, error) {
	var p BootPolicy
	if len(blob) == 0 {
		return p, nil
	}
	if err := yaml.Unmarshal(blob, &p); err != nil {
		return BootPolicy{}, fmt.Errorf("config: parse boot policy: %w", err)
	}
	return p, nil
}
