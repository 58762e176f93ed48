// Package config carries the board/device-class configuration that the
// reference firmware expressed as compile-time #ifdefs: a FeatureSet
// struct constructed once per build, plus a YAML-backed profile loader
// for the host CLI and provisioning tool.
package config

// FeatureSet replaces the reference firmware's conditional-compilation
// switches with runtime flags, so a single binary can model every device
// class instead of requiring a rebuild per combination.
type FeatureSet struct {
	// ExtendedSwupErrors selects the ~60-code extended SWUP status
	// taxonomy over the collapsed single SwupError code.
	ExtendedSwupErrors bool `mapstructure:"extended_swup_errors"`

	// BootTimeRecording enables boot-stage start/total timestamps in
	// persistent state.
	BootTimeRecording bool `mapstructure:"boot_time_recording"`

	// Benchmarking exposes the GetSBMPerformance secure API service.
	Benchmarking bool `mapstructure:"benchmarking"`

	// Firewall selects the hardware MPU/SAU buffer-permission strategy
	// over the static descriptor-table one.
	Firewall bool `mapstructure:"firewall"`

	// PPDHashCheck enables the PDB provisioned-data integrity hash
	// check (datastore_hash_check).
	PPDHashCheck bool `mapstructure:"ppd_hash_check"`

	// PDBEncrypted enables the AES-GCM decrypt-on-access path for an
	// encrypted PDB.
	PDBEncrypted bool `mapstructure:"pdb_encrypted"`

	// UpdateLogging enables the OEM update-log callback on install
	// outcomes.
	UpdateLogging bool `mapstructure:"update_logging"`

	// ImmediateLockdown elevates the lockdown level before SWUP
	// examination instead of after installation completes.
	ImmediateLockdown bool `mapstructure:"immediate_lockdown"`
}

// Default returns the conservative feature set: extended errors on
// (easier debugging), every optional subsystem off.
func Default() FeatureSet {
	return FeatureSet{ExtendedSwupErrors: true}
}
