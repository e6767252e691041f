// SPDX-FileCopyrightText: 2024 SAP SE or an SAP affiliate company
// SPDX-License-Identifier: Apache-2.0

package pump

import (
	"math"
	"testing"
	"time"

	"github.com/sapcc/waterbalance/internal/core"
	"github.com/sapcc/waterbalance/internal/db"
	"github.com/sapcc/waterbalance/internal/test"
)

var testDate = time.Date(2024, 3, 15, 10, 30, 0, 0, time.UTC)

func setupEngine(t *testing.T, features core.FeatureConfiguration) (test.Setup, *Engine) {
	t.Helper()
	s := test.NewSetup(t)
	engine := NewEngine(s.DB, s.Cache, features)
	engine.TimeNow = s.Clock.Now
	return s, engine
}

func insertFacility(t *testing.T, s test.Setup, facility db.Facility) {
	t.Helper()
	err := s.DB.Insert(&facility)
	if err != nil {
		t.Fatal(err)
	}
}

func facilityVolume(t *testing.T, s test.Setup, code string) float64 {
	t.Helper()
	var volume float64
	err := s.DB.SelectOne(&volume, `SELECT current_volume_m3 FROM facilities WHERE code = $1`, code)
	if err != nil {
		t.Fatal(err)
	}
	return volume
}

func assertNear(t *testing.T, label string, expected, actual float64) {
	t.Helper()
	if math.Abs(expected-actual) > 0.01 {
		t.Errorf("expected %s = %.2f, got %.2f", label, expected, actual)
	}
}

func TestProposeAndApplySingleTransfer(t *testing.T) {
	s, engine := setupEngine(t, core.FeatureConfiguration{})
	insertFacility(t, s, db.Facility{
		Code: "UG2N", Name: "UG2 North Dam", AreaCode: "UG2N",
		TotalCapacityM3: 100000, PumpStartPct: 75, PumpStopPct: 40,
		FeedsToJSON: `["MERM"]`, Active: true, CurrentVolumeM3: 80000,
	})
	insertFacility(t, s, db.Facility{
		Code: "MERM", Name: "Merensky Dam", AreaCode: "MERM",
		TotalCapacityM3: 100000, PumpStartPct: 75, PumpStopPct: 40,
		Active: true, CurrentVolumeM3: 60000,
	})

	transfers, err := engine.ProposeTransfers(testDate)
	if err != nil {
		t.Fatal(err)
	}
	if len(transfers) != 1 {
		t.Fatalf("expected 1 proposal, got %v", transfers)
	}
	proposal := transfers[0]
	if proposal.SourceCode != "UG2N" || proposal.DestCode != "MERM" {
		t.Fatalf("unexpected proposal %v", proposal)
	}
	// one round moves 5% of the source's capacity
	assertNear(t, "transfer volume", 5000, proposal.VolumeM3)
	assertNear(t, "source level before", 80, proposal.SourceLevelBeforePct)
	assertNear(t, "source level after", 75, proposal.SourceLevelAfterPct)
	assertNear(t, "dest level after", 65, proposal.DestLevelAfterPct)

	applied, err := engine.ApplyTransfers(testDate, transfers, "unittest")
	if err != nil {
		t.Fatal(err)
	}
	if applied != 1 {
		t.Fatalf("expected 1 applied transfer, got %d", applied)
	}
	assertNear(t, "UG2N volume", 75000, facilityVolume(t, s, "UG2N"))
	assertNear(t, "MERM volume", 65000, facilityVolume(t, s, "MERM"))

	var eventCount int
	err = s.DB.SelectOne(&eventCount, `SELECT COUNT(*) FROM pump_transfer_events`)
	if err != nil {
		t.Fatal(err)
	}
	if eventCount != 1 {
		t.Errorf("expected exactly 1 event row, got %d", eventCount)
	}
}

func TestApplyIsIdempotentPerDay(t *testing.T) {
	s, engine := setupEngine(t, core.FeatureConfiguration{})
	insertFacility(t, s, db.Facility{
		Code: "UG2N", Name: "UG2 North Dam", AreaCode: "UG2N",
		TotalCapacityM3: 100000, PumpStartPct: 75,
		FeedsToJSON: `["MERM"]`, Active: true, CurrentVolumeM3: 80000,
	})
	insertFacility(t, s, db.Facility{
		Code: "MERM", Name: "Merensky Dam", AreaCode: "MERM",
		TotalCapacityM3: 100000, PumpStartPct: 75,
		Active: true, CurrentVolumeM3: 60000,
	})

	transfers, err := engine.ProposeTransfers(testDate)
	if err != nil {
		t.Fatal(err)
	}
	applied, err := engine.ApplyTransfers(testDate, transfers, "unittest")
	if err != nil {
		t.Fatal(err)
	}
	if applied != 1 {
		t.Fatalf("expected 1 applied transfer, got %d", applied)
	}

	// a retry with the same proposals on the same day applies nothing and
	// does not double-move water
	applied, err = engine.ApplyTransfers(testDate, transfers, "unittest")
	if err != nil {
		t.Fatal(err)
	}
	if applied != 0 {
		t.Errorf("expected 0 applied transfers on retry, got %d", applied)
	}
	assertNear(t, "UG2N volume", 75000, facilityVolume(t, s, "UG2N"))
	assertNear(t, "MERM volume", 65000, facilityVolume(t, s, "MERM"))

	// a later time on the same calendar day is still the same idempotency key
	applied, err = engine.ApplyTransfers(testDate.Add(6*time.Hour), transfers, "unittest")
	if err != nil {
		t.Fatal(err)
	}
	if applied != 0 {
		t.Errorf("expected 0 applied transfers later the same day, got %d", applied)
	}
}

func TestPilotAreaGating(t *testing.T) {
	s, engine := setupEngine(t, core.FeatureConfiguration{
		AutoApplyPumpTransfers: true,
		AutoApplyScope:         "pilot-area",
		AutoApplyPilotAreas:    []string{"UG2N"},
	})
	insertFacility(t, s, db.Facility{
		Code: "UG2N", Name: "UG2 North Dam", AreaCode: "UG2N",
		TotalCapacityM3: 100000, PumpStartPct: 75,
		FeedsToJSON: `["RWD1"]`, Active: true, CurrentVolumeM3: 80000,
	})
	insertFacility(t, s, db.Facility{
		Code: "MERM", Name: "Merensky Dam", AreaCode: "MERM",
		TotalCapacityM3: 100000, PumpStartPct: 75,
		FeedsToJSON: `["RWD1"]`, Active: true, CurrentVolumeM3: 90000,
	})
	insertFacility(t, s, db.Facility{
		Code: "RWD1", Name: "Return Water Dam", AreaCode: "PLANT",
		TotalCapacityM3: 500000, PumpStartPct: 80,
		Active: true, CurrentVolumeM3: 100000,
	})

	transfers, err := engine.ProposeTransfers(testDate)
	if err != nil {
		t.Fatal(err)
	}
	// proposals are not gated, only application is
	if len(transfers) != 2 {
		t.Fatalf("expected 2 proposals, got %v", transfers)
	}

	applied, err := engine.ApplyTransfers(testDate, transfers, "unittest")
	if err != nil {
		t.Fatal(err)
	}
	if applied != 1 {
		t.Fatalf("expected only the pilot-area transfer to apply, got %d", applied)
	}
	// the UG2N transfer went through, the MERM one was skipped
	assertNear(t, "UG2N volume", 75000, facilityVolume(t, s, "UG2N"))
	assertNear(t, "MERM volume", 90000, facilityVolume(t, s, "MERM"))
	assertNear(t, "RWD1 volume", 105000, facilityVolume(t, s, "RWD1"))
}

func TestProposalSpreadsOverDestinations(t *testing.T) {
	s, engine := setupEngine(t, core.FeatureConfiguration{})
	insertFacility(t, s, db.Facility{
		Code: "SRC1", Name: "Source Dam", AreaCode: "NORTH",
		TotalCapacityM3: 100000, PumpStartPct: 75,
		FeedsToJSON: `["DST1", "DST2"]`, Active: true, CurrentVolumeM3: 90000,
	})
	// the first destination has only 2000 m³ of space left
	insertFacility(t, s, db.Facility{
		Code: "DST1", Name: "First Destination", AreaCode: "NORTH",
		TotalCapacityM3: 10000, PumpStartPct: 90,
		Active: true, CurrentVolumeM3: 8000,
	})
	insertFacility(t, s, db.Facility{
		Code: "DST2", Name: "Second Destination", AreaCode: "NORTH",
		TotalCapacityM3: 100000, PumpStartPct: 90,
		Active: true, CurrentVolumeM3: 10000,
	})

	transfers, err := engine.ProposeTransfers(testDate)
	if err != nil {
		t.Fatal(err)
	}
	// the 5000 m³ increment splits over both destinations in feeds_to order
	if len(transfers) != 2 {
		t.Fatalf("expected 2 proposals, got %v", transfers)
	}
	if transfers[0].DestCode != "DST1" || transfers[1].DestCode != "DST2" {
		t.Fatalf("expected feeds_to order, got %v", transfers)
	}
	assertNear(t, "first leg", 2000, transfers[0].VolumeM3)
	assertNear(t, "second leg", 3000, transfers[1].VolumeM3)
}

func TestProposalSkipsSourcesBelowThresholdAndFullDestinations(t *testing.T) {
	s, engine := setupEngine(t, core.FeatureConfiguration{})
	// below its start threshold: no proposal
	insertFacility(t, s, db.Facility{
		Code: "LOW1", Name: "Low Dam", AreaCode: "NORTH",
		TotalCapacityM3: 100000, PumpStartPct: 75,
		FeedsToJSON: `["DST1"]`, Active: true, CurrentVolumeM3: 50000,
	})
	// above threshold, but its only destination is itself above its start level
	insertFacility(t, s, db.Facility{
		Code: "SRC1", Name: "Source Dam", AreaCode: "NORTH",
		TotalCapacityM3: 100000, PumpStartPct: 75,
		FeedsToJSON: `["DST1"]`, Active: true, CurrentVolumeM3: 80000,
	})
	insertFacility(t, s, db.Facility{
		Code: "DST1", Name: "Full Destination", AreaCode: "NORTH",
		TotalCapacityM3: 100000, PumpStartPct: 75,
		Active: true, CurrentVolumeM3: 80000,
	})

	transfers, err := engine.ProposeTransfers(testDate)
	if err != nil {
		t.Fatal(err)
	}
	if len(transfers) != 0 {
		t.Fatalf("expected no proposals, got %v", transfers)
	}
}

func TestProposalsSeeEarlierProposals(t *testing.T) {
	s, engine := setupEngine(t, core.FeatureConfiguration{})
	// both sources feed the same destination; the second proposal must see
	// the level that the first one would produce
	insertFacility(t, s, db.Facility{
		Code: "SRCA", Name: "Source A", AreaCode: "NORTH",
		TotalCapacityM3: 100000, PumpStartPct: 75,
		FeedsToJSON: `["DST1"]`, Active: true, CurrentVolumeM3: 80000,
	})
	insertFacility(t, s, db.Facility{
		Code: "SRCB", Name: "Source B", AreaCode: "NORTH",
		TotalCapacityM3: 100000, PumpStartPct: 75,
		FeedsToJSON: `["DST1"]`, Active: true, CurrentVolumeM3: 80000,
	})
	insertFacility(t, s, db.Facility{
		Code: "DST1", Name: "Destination", AreaCode: "NORTH",
		TotalCapacityM3: 10000, PumpStartPct: 90,
		Active: true, CurrentVolumeM3: 2000,
	})

	transfers, err := engine.ProposeTransfers(testDate)
	if err != nil {
		t.Fatal(err)
	}
	if len(transfers) != 2 {
		t.Fatalf("expected 2 proposals, got %v", transfers)
	}
	// SRCA fills the destination to 7000 of 10000 (70% < 90%), SRCB tops it
	// up to capacity with the remaining space
	assertNear(t, "first proposal", 5000, transfers[0].VolumeM3)
	assertNear(t, "second proposal", 3000, transfers[1].VolumeM3)
	assertNear(t, "destination level after", 100, transfers[1].DestLevelAfterPct)
}
