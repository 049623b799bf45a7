package config

import "testing"

func TestParseEmptyBlobYieldsDefaults(t *testing.T) {
	p, err := Parse(nil)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if !p.ForceDebugModeEnabled() {
		t.Fatal("expected ForceDebugModeEnabled default true")
	}
	if !p.ForceDisableContinuousRecordingEnabled() {
		t.Fatal("expected ForceDisableContinuousRecordingEnabled default true")
	}
	if p.OverclockTargetHz() != DefaultCPUOverclockHz {
		t.Fatalf("OverclockTargetHz = %d, want %d", p.OverclockTargetHz(), DefaultCPUOverclockHz)
	}
}

func TestParseOverridesDefaults(t *testing.T) {
	blob := []byte(`
force_debug_mode: false
cpu_overclock_hz: 1000000000
log_verbosity: smmu
one_shot_buffer_notice_asids: [1, 2, 3]
force_disable_continuous_recording: false
`)
	p, err := Parse(blob)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if p.ForceDebugModeEnabled() {
		t.Fatal("expected force_debug_mode override to false")
	}
	if p.ForceDisableContinuousRecordingEnabled() {
		t.Fatal("expected force_disable_continuous_recording override to false")
	}
	if p.OverclockTargetHz() != 1_000_000_000 {
		t.Fatalf("OverclockTargetHz = %d, want 1000000000", p.OverclockTargetHz())
	}
	if p.LogVerbosity != "smmu" {
		t.Fatalf("LogVerbosity = %q", p.LogVerbosity)
	}
	if len(p.OneShotBufferNoticeASIDs) != 3 {
		t.Fatalf("OneShotBufferNoticeASIDs = %v", p.OneShotBufferNoticeASIDs)
	}
}

func TestParseMalformedBlobErrors(t *testing.T) {
	if _, err := Parse([]byte("not: [valid: yaml")); err == nil {
		t.Fatal("expected an error for malformed yaml")
	}
}
