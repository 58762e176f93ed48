// Package bootctl implements the boot orchestrator state machine: the
// sequence that runs from reset through provisioned-data verification,
// optional firmware update installation, installed-image integrity
// verification, lockdown elevation, and application launch.
package bootctl

import (
	"fmt"

	"github.com/rs/zerolog"

	"sbm/internal/config"
	"sbm/internal/memdev"
	"sbm/internal/oem"
	"sbm/internal/pdb"
	"sbm/internal/persist"
	"sbm/internal/piem"
	"sbm/internal/swup"
	"sbm/pkg/sbmerr"
)

// FeatureSet is an alias for config.FeatureSet. The orchestrator's
// behavior is governed by the same board/device-class configuration the
// CLI and provisioning tool load from a profile; aliasing here instead
// of importing config's Profile/Loader machinery keeps bootctl's import
// graph a leaf off config rather than pulling in viper/pflag.
type FeatureSet = config.FeatureSet

// LaunchFail captures the stage at which boot could not proceed and why,
// standing in for the reference firmware's infinite error-LED loop so
// host tests can assert on a value instead of the process hanging.
type LaunchFail struct {
	Stage oem.Stage
	Err   error
}

func (f *LaunchFail) Error() string {
	return fmt.Sprintf("bootctl: launch failed at %s: %v", f.Stage, f.Err)
}

// Outcome is the terminal result of a boot attempt.
type Outcome struct {
	// Launched is true iff HalRunApplication was reached and returned
	// nil — which, per the state machine, should never happen on real
	// hardware (control transfer does not return) but is the normal
	// terminal state for the host simulator.
	Launched bool
	Fail     *LaunchFail
}

// Dependencies supplies everything the orchestrator needs but does not
// itself own: the SWUP validator's cross-checks, per-candidate install
// key material, the installed-image signature check, lockdown
// elevation, the HAL launch entry point, and a clock for boot-time
// recording.
type Dependencies struct {
	SwupDeps    swup.Dependencies
	InstallDeps func(candidate swup.Candidate) swup.InstallDependencies

	DeviceUID     []byte
	ContextRandom [4]byte
	PDBDecryptKey [16]byte

	VerifyExecSignature func(hash [32]byte, sig [64]byte) (bool, error)

	ElevateLockdownImmediate func() error
	ElevateLockdownDelayed   func() error

	// HalRunApplication transfers control to the application at the
	// exec slot's start offset. On real hardware this never returns;
	// the host simulator returns nil on a "successful launch" and a
	// non-nil error if the handoff itself could not occur.
	HalRunApplication func(execStart int64) error

	// Now returns a monotonic-equivalent timestamp, injected so
	// boot-time recording is deterministic under test.
	Now func() int64
}

// Boot runs the orchestrator state machine once. cfg selects which
// optional subsystems are compiled in for this device class; p is the
// single persistent-state owner constructed for this boot; store is the
// already-opened (but not yet decrypted) provisioned data block;
// registry names the memory slots this device exposes.
func Boot(cfg FeatureSet, p *persist.SbmPersistent, store *pdb.Store, registry *memdev.Registry, deps Dependencies, sink oem.StatusSink, log zerolog.Logger) Outcome {
	sink.OnStage(oem.StageStarting)
	sink.OnLED(oem.LEDSolid)
	log.Info().Msg("boot starting")

	if cfg.BootTimeRecording && deps.Now != nil {
		p.BootTimeStart = deps.Now()
	}

	if cfg.ImmediateLockdown {
		if fail := elevateLockdown(sink, log, deps.ElevateLockdownImmediate); fail != nil {
			return Outcome{Fail: fail}
		}
	}

	if cfg.PDBEncrypted && store.PSR().Encrypted() {
		sink.OnStage(oem.StageDecryptingProvisionedData)
		p.PlaintextPDB = make([]byte, len(store.Raw()))
		decrypted, err := store.VerifyAndDecryptPDB(deps.PDBDecryptKey, p.PlaintextPDB)
		if err != nil {
			return launchFail(p, sink, log, oem.StageDecryptingProvisionedData, err)
		}
		store = decrypted
	}

	if !store.DataPresent() {
		return launchFail(p, sink, log, oem.StageCheckingProvisionedData, sbmerr.CommandFailed)
	}

	if cfg.PPDHashCheck {
		sink.OnStage(oem.StageCheckingProvisionedData)
		if !store.HashCheck(deps.ContextRandom, deps.DeviceUID) {
			sink.OnStage(oem.StageBadProvisionedData)
			return launchFail(p, sink, log, oem.StageCheckingProvisionedData, sbmerr.CommandFailed)
		}
	}
	sink.OnStage(oem.StageGoodProvisionedData)

	sink.OnStage(oem.StageExaminingUpdate)
	queue := swup.BuildPriorityQueue(registry.UpdateSlots, deps.SwupDeps)
	log.Info().Int("candidates", len(queue)).Msg("update priority queue built")

	candidate, result, attempted := swup.InstallFromQueue(queue, func(c swup.Candidate) sbmerr.InstallResult {
		sink.OnStage(oem.StageInstallingUpdate)
		return swup.Install(c.Buf, c.Result, deps.InstallDeps(c))
	})

	if attempted {
		p.LastInstallStatus = result
		p.LastInstalledUUID = swup.NewHeaderView(candidate.Buf).UpdateUUID()
		log.Info().Str("result", result.String()).Msg("update install attempted")

		if cfg.UpdateLogging {
			sink.OnUpdateLog(fmt.Sprintf("install %s on slot %d", result, candidate.DeviceIndex))
		}
		if result == sbmerr.InstallSuccess || result == sbmerr.InstallSuccessVerified {
			sink.OnReset()
		}
		if result == sbmerr.InstallBricked {
			return launchFail(p, sink, log, oem.StageInstallingUpdate, sbmerr.CommandFailed)
		}
	}

	if result != sbmerr.InstallSuccessVerified {
		sink.OnStage(oem.StageVerifyingInstalledImage)
		if err := verifyInstalledImage(registry, deps.VerifyExecSignature); err != nil {
			return launchFail(p, sink, log, oem.StageVerifyingInstalledImage, err)
		}
	}

	if !cfg.ImmediateLockdown {
		if fail := elevateLockdown(sink, log, deps.ElevateLockdownDelayed); fail != nil {
			return Outcome{Fail: fail}
		}
	}

	p.WipePlaintextPDB()

	if cfg.BootTimeRecording && deps.Now != nil {
		p.BootTimeTotal = deps.Now() - p.BootTimeStart
		log.Info().Int64("boot_time", p.BootTimeTotal).Msg("boot report")
	}

	p.WipeEphemeral()

	sink.OnStage(oem.StageLaunchingApplication)
	if deps.HalRunApplication == nil {
		return launchFail(p, sink, log, oem.StageLaunchingApplication, sbmerr.CommandFailed)
	}
	if err := deps.HalRunApplication(registry.Exec.Start); err != nil {
		return launchFail(p, sink, log, oem.StageLaunchingApplication, err)
	}
	return Outcome{Launched: true}
}

func elevateLockdown(sink oem.StatusSink, log zerolog.Logger, elevate func() error) *LaunchFail {
	if elevate == nil {
		return nil
	}
	sink.OnStage(oem.StageElevatingLockdown)
	if err := elevate(); err != nil {
		sink.OnStage(oem.StageLaunchFailed)
		sink.OnLED(oem.LEDErrorSOS)
		log.Error().Err(err).Msg("lockdown elevation failed")
		return &LaunchFail{Stage: oem.StageElevatingLockdown, Err: err}
	}
	return nil
}

// verifyInstalledImage re-runs the piem integrity chain against whatever
// is currently staged in app_status/exec, independent of whether an
// install just ran this boot.
func verifyInstalledImage(registry *memdev.Registry, verifySig func(hash [32]byte, sig [64]byte) (bool, error)) error {
	header := make([]byte, piem.HeaderSize)
	if err := registry.AppStatus.Read(0, header); err != nil {
		return err
	}
	hv := piem.NewHeaderView(header)
	vf := piem.Verifier{
		ExecImage: func(n int) ([]byte, error) {
			out := make([]byte, n)
			if err := registry.Exec.Read(0, out); err != nil {
				return nil, err
			}
			return out, nil
		},
		VerifySignature: verifySig,
	}
	return vf.Verify(hv, piem.NewIAVVCSView(hv.ExecInfo()))
}

func launchFail(p *persist.SbmPersistent, sink oem.StatusSink, log zerolog.Logger, stage oem.Stage, err error) Outcome {
	sink.OnStage(oem.StageLaunchFailed)
	sink.OnLED(oem.LEDErrorSOS)
	log.Error().Str("stage", stage.String()).Err(err).Msg("launch failed")
	p.WipeEphemeral()
	return Outcome{Fail: &LaunchFail{Stage: stage, Err: err}}
}
