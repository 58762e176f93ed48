package oem_test

import (
	"testing"

	"sbm/internal/oem"
)

// recordingSink captures every callback it receives, standing in for a
// board driver in tests that need to assert on the hook sequence.
type recordingSink struct {
	stages  []oem.Stage
	leds    []oem.LEDPattern
	resets  int
	entries []string
}

func (r *recordingSink) OnStage(s oem.Stage)      { r.stages = append(r.stages, s) }
func (r *recordingSink) OnLED(p oem.LEDPattern)   { r.leds = append(r.leds, p) }
func (r *recordingSink) OnReset()                 { r.resets++ }
func (r *recordingSink) OnUpdateLog(e string)      { r.entries = append(r.entries, e) }

func TestNoopSinkDiscardsEverything(t *testing.T) {
	t.Log("Test NoopSink implements StatusSink and drops every callback silently")

	var sink oem.StatusSink = oem.NoopSink{}
	sink.OnStage(oem.StageStarting)
	sink.OnLED(oem.LEDErrorSOS)
	sink.OnReset()
	sink.OnUpdateLog("ignored")
}

func TestRecordingSinkCapturesSequence(t *testing.T) {
	t.Log("Test a StatusSink implementation observes the exact callback sequence it's driven through")

	sink := &recordingSink{}
	sink.OnStage(oem.StageExaminingUpdate)
	sink.OnStage(oem.StageInstallingUpdate)
	sink.OnLED(oem.LEDSlowBlink)
	sink.OnReset()
	sink.OnUpdateLog("install succeeded")

	if len(sink.stages) != 2 || sink.stages[0] != oem.StageExaminingUpdate || sink.stages[1] != oem.StageInstallingUpdate {
		t.Fatalf("unexpected stage sequence: %v", sink.stages)
	}
	if len(sink.leds) != 1 || sink.leds[0] != oem.LEDSlowBlink {
		t.Fatalf("unexpected led sequence: %v", sink.leds)
	}
	if sink.resets != 1 {
		t.Fatalf("expected 1 reset, got %d", sink.resets)
	}
	if len(sink.entries) != 1 || sink.entries[0] != "install succeeded" {
		t.Fatalf("unexpected update log entries: %v", sink.entries)
	}
}

func TestStageStringNamesAreStable(t *testing.T) {
	t.Log("Test every declared Stage renders a non-default name")

	stages := []oem.Stage{
		oem.StageStarting, oem.StageElevatingLockdown, oem.StageDecryptingProvisionedData,
		oem.StageCheckingProvisionedData, oem.StageExaminingUpdate, oem.StageInstallingUpdate,
		oem.StageVerifyingInstalledImage, oem.StageClearingProvisionedData, oem.StageLaunchingApplication,
		oem.StageGoodProvisionedData, oem.StageBadProvisionedData, oem.StageLaunchFailed,
	}
	for _, s := range stages {
		if s.String() == "unknown-stage" {
			t.Fatalf("stage %d has no name", s)
		}
	}
}
