// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package choreography

import (
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/hxrts/aura-sub026/lib/failure"
	"github.com/hxrts/aura-sub026/lib/ids"
)

// ErrCoordinationFailed ends a protocol run that cannot make progress.
var ErrCoordinationFailed = failure.New(failure.ProtocolViolation, "choreography: coordination failed")

const (
	// MinObservations is the number of interactions a participant
	// needs before it can be judged.
	MinObservations = 10
	// ByzantineFailureRate is the failure rate above which a judged
	// participant is Byzantine.
	ByzantineFailureRate = 0.5
	// MaxByzantineRatio is the share of Byzantine participants above
	// which a protocol aborts.
	MaxByzantineRatio = 0.33
)

// ParticipantStats counts one participant's interactions.
type ParticipantStats struct {
	Violations      uint64
	Timeouts        uint64
	InvalidMessages uint64
	Total           uint64
}

// Failures is the number of interactions that went wrong.
func (s ParticipantStats) Failures() uint64 {
	return s.Violations + s.Timeouts + s.InvalidMessages
}

// FailureRate is Failures over Total, zero before any interaction.
func (s ParticipantStats) FailureRate() float64 {
	if s.Total == 0 {
		return 0
	}
	return float64(s.Failures()) / float64(s.Total)
}

// ByzantineDetector tracks participant misbehaviour across protocol
// runs.
type ByzantineDetector struct {
	logger *slog.Logger

	mu    sync.RWMutex
	stats map[ids.DeviceID]*ParticipantStats
}

func NewByzantineDetector(logger *slog.Logger) *ByzantineDetector {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &ByzantineDetector{logger: logger, stats: make(map[ids.DeviceID]*ParticipantStats)}
}

func (d *ByzantineDetector) record(participant ids.DeviceID, update func(*ParticipantStats)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	stats, ok := d.stats[participant]
	if !ok {
		stats = &ParticipantStats{}
		d.stats[participant] = stats
	}
	wasByzantine := isByzantine(*stats)
	stats.Total++
	update(stats)
	if !wasByzantine && isByzantine(*stats) {
		d.logger.Warn("participant flagged as byzantine",
			"participant", participant,
			"failures", stats.Failures(),
			"total", stats.Total,
		)
	}
}

// RecordSuccess counts a well-formed, timely interaction.
func (d *ByzantineDetector) RecordSuccess(participant ids.DeviceID) {
	d.record(participant, func(*ParticipantStats) {})
}

// RecordViolation counts a protocol violation such as an invalid
// signature share.
func (d *ByzantineDetector) RecordViolation(participant ids.DeviceID) {
	d.record(participant, func(s *ParticipantStats) { s.Violations++ })
}

func (d *ByzantineDetector) RecordTimeout(participant ids.DeviceID) {
	d.record(participant, func(s *ParticipantStats) { s.Timeouts++ })
}

func (d *ByzantineDetector) RecordInvalidMessage(participant ids.DeviceID) {
	d.record(participant, func(s *ParticipantStats) { s.InvalidMessages++ })
}

// Stats returns participant's counters.
func (d *ByzantineDetector) Stats(participant ids.DeviceID) ParticipantStats {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if stats, ok := d.stats[participant]; ok {
		return *stats
	}
	return ParticipantStats{}
}

func isByzantine(s ParticipantStats) bool {
	return s.Total >= MinObservations && s.FailureRate() > ByzantineFailureRate
}

// IsByzantine reports whether participant has at least MinObservations
// interactions and a failure rate above ByzantineFailureRate.
func (d *ByzantineDetector) IsByzantine(participant ids.DeviceID) bool {
	return isByzantine(d.Stats(participant))
}

// Byzantine returns the flagged participants among participants,
// sorted.
func (d *ByzantineDetector) Byzantine(participants []ids.DeviceID) []ids.DeviceID {
	var flagged []ids.DeviceID
	for _, participant := range participants {
		if d.IsByzantine(participant) {
			flagged = append(flagged, participant)
		}
	}
	slices.SortFunc(flagged, ids.DeviceID.Compare)
	return flagged
}

// Check fails with ErrCoordinationFailed when more than
// MaxByzantineRatio of participants are Byzantine.
func (d *ByzantineDetector) Check(participants []ids.DeviceID) error {
	if len(participants) == 0 {
		return nil
	}
	flagged := d.Byzantine(participants)
	if float64(len(flagged))/float64(len(participants)) > MaxByzantineRatio {
		return fmt.Errorf("%w: Byzantine threshold exceeded (%d of %d participants)",
			ErrCoordinationFailed, len(flagged), len(participants))
	}
	return nil
}

// Reset forgets participant's history.
func (d *ByzantineDetector) Reset(participant ids.DeviceID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.stats, participant)
}
