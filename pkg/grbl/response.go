// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package grbl

import (
	"strings"

	"github.com/rs/zerolog/log"
)

// lineKind classifies a single response line from the controller.
type lineKind int

const (
	lineMessage lineKind = iota // [MSG:...] informational
	lineBanner                  // Grbl/GrblHAL boot or reset banner
	lineAlarm                   // asynchronous ALARM:n notice
	lineStatus                  // <State|MPos:...|...> report
	lineAck                     // "ok" or "error:n"
	lineUnknown
)

// classifyLine decides what a collected line is. The authoritative alarm
// signal is the <Alarm...> status state, not the asynchronous ALARM notice,
// so alarm notices are logged and dropped like MSG lines.
func classifyLine(line string) lineKind {
	switch {
	case strings.HasPrefix(line, "[MSG:") && strings.HasSuffix(line, "]"):
		return lineMessage
	case strings.HasPrefix(line, "GrblHAL") || strings.HasPrefix(line, "Grbl"):
		return lineBanner
	case strings.HasPrefix(line, "ALARM:"):
		return lineAlarm
	case strings.HasPrefix(line, "<") && strings.HasSuffix(line, ">"):
		return lineStatus
	case line == "ok" || strings.HasPrefix(line, "error:"):
		return lineAck
	default:
		return lineUnknown
	}
}

// response is the demultiplexed result of one command exchange.
type response struct {
	ack    string // "ok" or "error:n", empty if none seen
	status string // last status report seen, empty if none
}

// sortLines folds a batch of collected lines into a response, logging and
// discarding the asynchronous chatter the firmware interleaves with replies.
func sortLines(lines []string) response {
	var r response
	for _, line := range lines {
		switch classifyLine(line) {
		case lineMessage:
			log.Info().Str("msg", line[5:len(line)-1]).Msg("controller message")
		case lineBanner:
			log.Debug().Str("banner", line).Msg("controller boot message")
		case lineAlarm:
			log.Warn().Str("notice", line).Msg("asynchronous alarm notice")
		case lineStatus:
			r.status = line
		case lineAck:
			r.ack = line
		default:
			log.Warn().Str("line", line).Msg("unexpected controller response line")
		}
	}
	return r
}

// ackError converts an acknowledgement line into an error, or nil for "ok".
func ackError(ack string) error {
	if ack == "" {
		return ErrNoAckInResponse
	}
	if strings.HasPrefix(ack, "error:") {
		return &CommandError{Response: ack}
	}
	return nil
}
