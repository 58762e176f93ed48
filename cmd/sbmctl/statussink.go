package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"

	"sbm/internal/oem"
)

// cliStatusSink is the host integration of the reference firmware's
// board-status weak symbols: every stage transition is traced through a
// structured zerolog event, and every LED pattern change is rendered as
// a short simulated pattern on stderr since there is no real LED to
// drive.
type cliStatusSink struct {
	log zerolog.Logger
}

func newCLIStatusSink(log zerolog.Logger) *cliStatusSink {
	return &cliStatusSink{log: log}
}

func (s *cliStatusSink) OnStage(stage oem.Stage) {
	s.log.Info().Str("stage", stage.String()).Msg("boot stage")
}

func (s *cliStatusSink) OnLED(pattern oem.LEDPattern) {
	s.log.Debug().Str("pattern", pattern.String()).Msg("led pattern")
	fmt.Fprintf(os.Stderr, "[led] %s\n", ledGlyph(pattern))
}

func (s *cliStatusSink) OnReset() {
	s.log.Warn().Msg("board reset requested")
}

func (s *cliStatusSink) OnUpdateLog(entry string) {
	s.log.Info().Str("entry", entry).Msg("update log")
}

// ledGlyph renders a LEDPattern as the kind of ASCII approximation of a
// blink sequence an operator watching a terminal instead of a board
// would want to see.
func ledGlyph(p oem.LEDPattern) string {
	switch p {
	case oem.LEDOff:
		return "·"
	case oem.LEDSolid:
		return "●"
	case oem.LEDSlowBlink:
		return "●···●···"
	case oem.LEDFastBlink:
		return "●·●·●·●·"
	case oem.LEDErrorSOS:
		return "●●● ··· ●●●"
	default:
		return "?"
	}
}
