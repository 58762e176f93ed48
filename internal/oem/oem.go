// Package oem models the reference firmware's weak-symbol board hooks as
// Go interfaces: LED patterns, reset, stage tracing, and the update log,
// each of which a real board overrides and the host simulator logs.
package oem

// Stage enumerates the boot/update lifecycle tags a board's status
// indicator (or a host log line) reports progress against.
type Stage int

const (
	StageStarting Stage = iota
	StageElevatingLockdown
	StageDecryptingProvisionedData
	StageCheckingProvisionedData
	StageExaminingUpdate
	StageInstallingUpdate
	StageVerifyingInstalledImage
	StageClearingProvisionedData
	StageLaunchingApplication
	StageGoodProvisionedData
	StageBadProvisionedData
	StageLaunchFailed
)

func (s Stage) String() string {
	if name, ok := stageNames[s]; ok {
		return name
	}
	return "unknown-stage"
}

var stageNames = map[Stage]string{
	StageStarting:                   "starting",
	StageElevatingLockdown:          "elevating-lockdown-level",
	StageDecryptingProvisionedData:  "decrypting-provisioned-data",
	StageCheckingProvisionedData:    "checking-provisioned-data",
	StageExaminingUpdate:            "examining-update",
	StageInstallingUpdate:           "installing-update",
	StageVerifyingInstalledImage:    "verifying-installed-image",
	StageClearingProvisionedData:    "clearing-provisioned-data",
	StageLaunchingApplication:       "launching-application",
	StageGoodProvisionedData:        "good-provisioned-data",
	StageBadProvisionedData:         "bad-provisioned-data",
	StageLaunchFailed:               "launch-failed",
}

// LEDPattern names the blink pattern a board's status LED should drive.
// The host simulator prints these instead of toggling a GPIO.
type LEDPattern int

const (
	LEDOff LEDPattern = iota
	LEDSolid
	LEDSlowBlink
	LEDFastBlink
	LEDErrorSOS
)

func (p LEDPattern) String() string {
	switch p {
	case LEDOff:
		return "off"
	case LEDSolid:
		return "solid"
	case LEDSlowBlink:
		return "slow-blink"
	case LEDFastBlink:
		return "fast-blink"
	case LEDErrorSOS:
		return "error-sos"
	default:
		return "unknown"
	}
}

// StatusSink is the board-integration seam the reference firmware exposes
// as weak symbols: a real board overrides each method to drive hardware,
// the host CLI logs and prints a simulated LED state, and tests use
// NoopSink to ignore the callbacks entirely.
type StatusSink interface {
	OnStage(stage Stage)
	OnLED(pattern LEDPattern)
	OnReset()
	OnUpdateLog(entry string)
}

// NoopSink discards every callback. It is the zero-value default an
// integrator gets for free when no board hook is wired up.
type NoopSink struct{}

func (NoopSink) OnStage(Stage)          {}
func (NoopSink) OnLED(LEDPattern)       {}
func (NoopSink) OnReset()               {}
func (NoopSink) OnUpdateLog(string)     {}
