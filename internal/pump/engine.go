// SPDX-FileCopyrightText: 2024 SAP SE or an SAP affiliate company
// SPDX-License-Identifier: Apache-2.0

// Package pump implements the automatic redistribution of water between
// storage facilities based on threshold rules.
package pump

import (
	"fmt"
	"sync"
	"time"

	"github.com/go-gorp/gorp/v3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sapcc/go-bits/logg"
	"github.com/sapcc/go-bits/sqlext"

	"github.com/sapcc/waterbalance/internal/cache"
	"github.com/sapcc/waterbalance/internal/core"
	"github.com/sapcc/waterbalance/internal/db"
)

// transferIncrementPct is the share of the source facility's capacity that
// one proposal round moves at most.
const transferIncrementPct = 0.05

// Transfer is one proposed water movement between two facilities. Proposals
// are pure; nothing is applied until ApplyTransfers.
type Transfer struct {
	SourceCode string  `json:"source_code"`
	DestCode   string  `json:"dest_code"`
	VolumeM3   float64 `json:"volume_m3"`

	SourceLevelBeforePct float64 `json:"src_before_pct"`
	SourceLevelAfterPct  float64 `json:"src_after_pct"`
	DestLevelBeforePct   float64 `json:"dst_before_pct"`
	DestLevelAfterPct    float64 `json:"dst_after_pct"`
}

var transfersAppliedCounter = prometheus.NewCounter(prometheus.CounterOpts{
	Name: "waterbalance_pump_transfers_applied",
	Help: "Counter for applied pump transfer events.",
})

func init() {
	prometheus.MustRegister(transfersAppliedCounter)
}

// Engine computes and applies pump transfers. Construct one instance at the
// composition root.
type Engine struct {
	DB       *gorp.DbMap
	Cache    *cache.Cache
	Features core.FeatureConfiguration
	// Usually logg.Error, but can be changed inside unit tests.
	LogError func(msg string, args ...any)
	// Usually time.Now, but can be changed inside unit tests.
	TimeNow func() time.Time

	// serialises facility volume writes so that two simultaneous Apply calls
	// cannot double-decrement
	applyMutex sync.Mutex
}

// NewEngine creates an Engine.
func NewEngine(dbm *gorp.DbMap, c *cache.Cache, features core.FeatureConfiguration) *Engine {
	return &Engine{
		DB:       dbm,
		Cache:    c,
		Features: features,
		LogError: logg.Error,
		TimeNow:  time.Now,
	}
}

// ProposeTransfers computes the set of transfers that the threshold rules
// call for on the given date. The result is deterministic: facilities are
// visited in code order, destinations in their configured feeds_to order,
// and one source moves at most 5% of its capacity per round, spread over as
// many destinations as needed.
func (e *Engine) ProposeTransfers(date time.Time) ([]Transfer, error) {
	facilities, err := e.loadFacilities()
	if err != nil {
		return nil, err
	}

	// work on local volume copies so that consecutive proposals see the
	// levels that earlier proposals would produce
	volumes := make(map[string]float64, len(facilities))
	byCode := make(map[string]db.Facility, len(facilities))
	for _, f := range facilities {
		volumes[f.Code] = f.CurrentVolumeM3
		byCode[f.Code] = f
	}

	var transfers []Transfer
	for _, source := range facilities {
		feedsTo := source.FeedsTo()
		if !source.Active || len(feedsTo) == 0 || source.TotalCapacityM3 <= 0 {
			continue
		}
		sourceLevelPct := 100 * volumes[source.Code] / source.TotalCapacityM3
		if sourceLevelPct < source.PumpStartPct {
			continue
		}

		remaining := source.TotalCapacityM3 * transferIncrementPct
		for _, destCode := range feedsTo {
			dest, ok := byCode[destCode]
			if !ok || !dest.Active || dest.TotalCapacityM3 <= 0 {
				continue
			}
			destLevelPct := 100 * volumes[dest.Code] / dest.TotalCapacityM3
			if destLevelPct >= dest.PumpStartPct {
				continue // destination is full enough itself
			}
			space := dest.TotalCapacityM3 - volumes[dest.Code]
			take := remaining
			if take > space {
				take = space
			}
			if take <= 0 {
				continue
			}

			transfers = append(transfers, Transfer{
				SourceCode:           source.Code,
				DestCode:             dest.Code,
				VolumeM3:             take,
				SourceLevelBeforePct: 100 * volumes[source.Code] / source.TotalCapacityM3,
				SourceLevelAfterPct:  100 * (volumes[source.Code] - take) / source.TotalCapacityM3,
				DestLevelBeforePct:   destLevelPct,
				DestLevelAfterPct:    100 * (volumes[dest.Code] + take) / dest.TotalCapacityM3,
			})
			volumes[source.Code] -= take
			volumes[dest.Code] += take
			remaining -= take
			// deliberately no break here: multiple destinations may absorb
			// from one source until the increment is used up
			if remaining <= 0 {
				break
			}
		}
	}
	return transfers, nil
}

func (e *Engine) loadFacilities() ([]db.Facility, error) {
	return e.Cache.GetOrComputeFacilities(func() ([]db.Facility, error) {
		var facilities []db.Facility
		_, err := e.DB.Select(&facilities, `SELECT * FROM facilities WHERE active ORDER BY code`)
		if err != nil {
			return nil, fmt.Errorf("while loading facilities: %w", err)
		}
		return facilities, nil
	})
}

var transferEventExistsQuery = sqlext.SimplifyWhitespace(`
	SELECT COUNT(*) FROM pump_transfer_events
	 WHERE calc_date = $1 AND source_code = $2 AND dest_code = $3
`)

// ApplyTransfers applies the given transfers for the given date and returns
// the number actually applied.
//
// Each (date, source, dest) pair is applied at most once, ever; retries skip
// already-recorded events. When pilot-area gating is configured, transfers
// whose source facility lies outside the pilot areas are skipped. Each
// transfer is one transactional unit: a failure rolls that transfer back and
// the remaining ones still run.
func (e *Engine) ApplyTransfers(date time.Time, transfers []Transfer, actor string) (int, error) {
	e.applyMutex.Lock()
	defer e.applyMutex.Unlock()

	calcDate := db.DayStart(date)
	applied := 0
	for _, transfer := range transfers {
		ok, err := e.applyOne(calcDate, transfer, actor)
		if err != nil {
			e.LogError("pump transfer %s -> %s on %s failed: %s",
				transfer.SourceCode, transfer.DestCode, calcDate.Format("2006-01-02"), err.Error())
			continue
		}
		if ok {
			applied++
			transfersAppliedCounter.Inc()
		}
	}

	if applied > 0 {
		e.Cache.InvalidateFacilities()
		e.Cache.InvalidateBalance(&calcDate)
		e.Cache.Notify(cache.EventTransfersApplied)
	}
	return applied, nil
}

func (e *Engine) applyOne(calcDate time.Time, transfer Transfer, actor string) (bool, error) {
	// idempotency guard (I4)
	var count int
	err := e.DB.QueryRow(transferEventExistsQuery, calcDate, transfer.SourceCode, transfer.DestCode).Scan(&count)
	if err != nil {
		return false, err
	}
	if count > 0 {
		return false, nil
	}

	// pilot gating considers the source facility's area
	var areaCode string
	err = e.DB.QueryRow(`SELECT area_code FROM facilities WHERE code = $1`, transfer.SourceCode).Scan(&areaCode)
	if err != nil {
		if db.IsNoRows(err) {
			return false, fmt.Errorf("unknown source facility %q", transfer.SourceCode)
		}
		return false, err
	}
	if !e.Features.IsPilotArea(areaCode) {
		logg.Debug("skipping pump transfer %s -> %s: area %s is not in the pilot set",
			transfer.SourceCode, transfer.DestCode, areaCode)
		return false, nil
	}

	err = db.WithTransaction(e.DB, func(tx *gorp.Transaction) error {
		result, err := tx.Exec(
			`UPDATE facilities SET current_volume_m3 = current_volume_m3 - $1 WHERE code = $2`,
			transfer.VolumeM3, transfer.SourceCode)
		if err != nil {
			return err
		}
		err = expectOneRow(result, transfer.SourceCode)
		if err != nil {
			return err
		}

		result, err = tx.Exec(
			`UPDATE facilities SET current_volume_m3 = current_volume_m3 + $1 WHERE code = $2`,
			transfer.VolumeM3, transfer.DestCode)
		if err != nil {
			return err
		}
		err = expectOneRow(result, transfer.DestCode)
		if err != nil {
			return err
		}

		return tx.Insert(&db.PumpTransferEvent{
			CalcDate:   calcDate,
			SourceCode: transfer.SourceCode,
			DestCode:   transfer.DestCode,
			VolumeM3:   transfer.VolumeM3,
			AppliedAt:  e.TimeNow(),
			AppliedBy:  actor,
		})
	})
	if err != nil {
		return false, err
	}
	return true, nil
}

func expectOneRow(result interface{ RowsAffected() (int64, error) }, facilityCode string) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows != 1 {
		return fmt.Errorf("unknown facility %q", facilityCode)
	}
	return nil
}
