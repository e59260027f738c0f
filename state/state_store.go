// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package state provides the scheduling engine's data layer: an in-memory
// MemDB holding lots, operations, machines, unavailability windows, and run
// records, optionally backed by a bolt file so seeded data and plan results
// survive across one-shot runs.
package state

import (
	"bytes"
	"fmt"
	"sort"
	"time"

	hclog "github.com/hashicorp/go-hclog"
	memdb "github.com/hashicorp/go-memdb"
	"github.com/hashicorp/go-msgpack/v2/codec"
	"go.etcd.io/bbolt"

	"github.com/hashicorp/loom/helper/uuid"
	"github.com/hashicorp/loom/structs"
)

/*
The bolt backing file mirrors the MemDB tables, one bucket per table:

lots/                -> <lot-id>        -> *structs.Lot (Operations stripped)
operations/          -> <lot-id>/<step> -> *structs.Operation
frozen_operations/   -> <lot-id>/<step> -> *structs.FrozenOperation
machines/            -> <machine-id>    -> *structs.Machine
unavailable_periods/ -> <period-id>     -> *structs.UnavailablePeriod
settings/            -> <name>          -> *structs.Setting
plan_raw/            -> <plan-id>       -> *structs.PlanRaw
job_history/         -> <schedule-id>   -> *structs.JobHistory
utilization/         -> <plan>/<group>  -> *structs.UtilizationRow

Rows are msgpack encoded with the shared handle. MemDB stays authoritative;
the file is hydrated once on open and written through on every commit.
*/

// StateStoreConfig is used to configure a new state store
type StateStoreConfig struct {
	// Logger is used to output the state store's logs
	Logger hclog.Logger

	// Path is the bolt backing file. Empty runs the store purely in memory,
	// which is what most tests want.
	Path string
}

// StateStore holds the scheduling data set. Reads hand out deep copies;
// callers never mutate stored rows in place.
type StateStore struct {
	logger hclog.Logger
	db     *memdb.MemDB
	bolt   *bbolt.DB
}

// NewStateStore is used to create a new state store
func NewStateStore(config *StateStoreConfig) (*StateStore, error) {
	db, err := memdb.NewMemDB(stateStoreSchema())
	if err != nil {
		return nil, fmt.Errorf("state store setup failed: %v", err)
	}

	s := &StateStore{
		logger: config.Logger.Named("state_store"),
		db:     db,
	}

	if config.Path != "" {
		bdb, err := bbolt.Open(config.Path, 0600, &bbolt.Options{Timeout: 5 * time.Second})
		if err != nil {
			return nil, fmt.Errorf("failed to open state file %q: %v", config.Path, err)
		}
		s.bolt = bdb
		if err := s.hydrate(); err != nil {
			bdb.Close()
			return nil, err
		}
	}
	return s, nil
}

// Close releases the bolt backing file, if any.
func (s *StateStore) Close() error {
	if s.bolt == nil {
		return nil
	}
	return s.bolt.Close()
}

// Snapshot returns a point-in-time read transaction over the store. Loaders
// use one snapshot for all reads of a run so the working set is consistent.
func (s *StateStore) Snapshot() *memdb.Txn {
	return s.db.Txn(false)
}

// ---------------------------------------------------------------------------
// reads

// Lots returns deep copies of every lot with its operations joined and
// ordered by sequence. With excludeCompleted set, lots carrying an actual
// finish date are skipped.
func (s *StateStore) Lots(excludeCompleted bool) ([]*structs.Lot, error) {
	txn := s.db.Txn(false)

	iter, err := txn.Get(TableLots, indexID)
	if err != nil {
		return nil, fmt.Errorf("lot lookup failed: %v", err)
	}

	var out []*structs.Lot
	for raw := iter.Next(); raw != nil; raw = iter.Next() {
		lot := raw.(*structs.Lot)
		if excludeCompleted && lot.ActualFinishDate != nil {
			continue
		}
		cp := lot.Copy()
		cp.Operations, err = s.lotOperationsTxn(txn, lot.LotId)
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}

	structs.SortLots(out)
	return out, nil
}

// Lot returns a deep copy of one lot with operations joined, or nil.
func (s *StateStore) Lot(lotID string) (*structs.Lot, error) {
	txn := s.db.Txn(false)

	raw, err := txn.First(TableLots, indexID, lotID)
	if err != nil {
		return nil, fmt.Errorf("lot lookup failed: %v", err)
	}
	if raw == nil {
		return nil, nil
	}
	cp := raw.(*structs.Lot).Copy()
	cp.Operations, err = s.lotOperationsTxn(txn, lotID)
	if err != nil {
		return nil, err
	}
	return cp, nil
}

func (s *StateStore) lotOperationsTxn(txn *memdb.Txn, lotID string) ([]*structs.Operation, error) {
	iter, err := txn.Get(TableOperations, indexLot, lotID)
	if err != nil {
		return nil, fmt.Errorf("operation lookup failed: %v", err)
	}
	var ops []*structs.Operation
	for raw := iter.Next(); raw != nil; raw = iter.Next() {
		ops = append(ops, raw.(*structs.Operation).Copy())
	}
	sort.Slice(ops, func(i, j int) bool { return ops[i].Sequence < ops[j].Sequence })
	return ops, nil
}

// FrozenOperations returns the pinned windows of one lot.
func (s *StateStore) FrozenOperations(lotID string) ([]*structs.FrozenOperation, error) {
	txn := s.db.Txn(false)

	iter, err := txn.Get(TableFrozenOperations, indexLot, lotID)
	if err != nil {
		return nil, fmt.Errorf("frozen operation lookup failed: %v", err)
	}
	var out []*structs.FrozenOperation
	for raw := iter.Next(); raw != nil; raw = iter.Next() {
		fo := *raw.(*structs.FrozenOperation)
		out = append(out, &fo)
	}
	return out, nil
}

// Machines returns every machine row.
func (s *StateStore) Machines() ([]*structs.Machine, error) {
	txn := s.db.Txn(false)

	iter, err := txn.Get(TableMachines, indexID)
	if err != nil {
		return nil, fmt.Errorf("machine lookup failed: %v", err)
	}
	var out []*structs.Machine
	for raw := iter.Next(); raw != nil; raw = iter.Next() {
		m := *raw.(*structs.Machine)
		out = append(out, &m)
	}
	return out, nil
}

// ActiveMachineGroups returns group id to member machine ids, active members
// only, members sorted. Groups whose members are all inactive are dropped.
func (s *StateStore) ActiveMachineGroups() (map[string][]string, error) {
	machines, err := s.Machines()
	if err != nil {
		return nil, err
	}
	groups := make(map[string][]string)
	for _, m := range machines {
		if !m.Active {
			continue
		}
		groups[m.GroupId] = append(groups[m.GroupId], m.MachineId)
	}
	for _, members := range groups {
		sort.Strings(members)
	}
	return groups, nil
}

// UnavailablePeriods returns every unavailability window. Status filtering is
// the loader's concern.
func (s *StateStore) UnavailablePeriods() ([]*structs.UnavailablePeriod, error) {
	txn := s.db.Txn(false)

	iter, err := txn.Get(TableUnavailablePeriods, indexID)
	if err != nil {
		return nil, fmt.Errorf("unavailable period lookup failed: %v", err)
	}
	var out []*structs.UnavailablePeriod
	for raw := iter.Next(); raw != nil; raw = iter.Next() {
		out = append(out, raw.(*structs.UnavailablePeriod).Copy())
	}
	return out, nil
}

// Setting returns a named setting value, reporting whether it exists.
func (s *StateStore) Setting(name string) (string, bool, error) {
	txn := s.db.Txn(false)

	raw, err := txn.First(TableSettings, indexID, name)
	if err != nil {
		return "", false, fmt.Errorf("setting lookup failed: %v", err)
	}
	if raw == nil {
		return "", false, nil
	}
	return raw.(*structs.Setting).Value, true, nil
}

// SettingBool reads a setting as a boolean. Missing or unrecognized values
// report ok=false.
func (s *StateStore) SettingBool(name string) (bool, bool, error) {
	v, ok, err := s.Setting(name)
	if err != nil || !ok {
		return false, false, err
	}
	switch v {
	case "true", "1", "yes", "on":
		return true, true, nil
	case "false", "0", "no", "off":
		return false, true, nil
	default:
		return false, false, nil
	}
}

// PlanRaw returns one stored input snapshot, or nil.
func (s *StateStore) PlanRaw(planID string) (*structs.PlanRaw, error) {
	txn := s.db.Txn(false)

	raw, err := txn.First(TablePlanRaw, indexID, planID)
	if err != nil {
		return nil, fmt.Errorf("plan raw lookup failed: %v", err)
	}
	if raw == nil {
		return nil, nil
	}
	pr := *raw.(*structs.PlanRaw)
	return &pr, nil
}

// JobHistories returns run records newest first, at most limit entries when
// limit is positive.
func (s *StateStore) JobHistories(limit int) ([]*structs.JobHistory, error) {
	txn := s.db.Txn(false)

	iter, err := txn.Get(TableJobHistory, indexID)
	if err != nil {
		return nil, fmt.Errorf("job history lookup failed: %v", err)
	}
	var out []*structs.JobHistory
	for raw := iter.Next(); raw != nil; raw = iter.Next() {
		jh := *raw.(*structs.JobHistory)
		out = append(out, &jh)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Utilization returns the stored utilization rows of one plan, sorted by
// group.
func (s *StateStore) Utilization(planID string) ([]*structs.UtilizationRow, error) {
	txn := s.db.Txn(false)

	iter, err := txn.Get(TableUtilization, indexPlan, planID)
	if err != nil {
		return nil, fmt.Errorf("utilization lookup failed: %v", err)
	}
	var out []*structs.UtilizationRow
	for raw := iter.Next(); raw != nil; raw = iter.Next() {
		row := *raw.(*structs.UtilizationRow)
		out = append(out, &row)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].GroupId < out[j].GroupId })
	return out, nil
}

// ---------------------------------------------------------------------------
// writes

// UpsertLots inserts lots and their operations. Lot rows are stored without
// operations; the operation table owns those. A single write transaction is
// used, so any error commits nothing.
func (s *StateStore) UpsertLots(lots []*structs.Lot) error {
	var lotRows []*structs.Lot
	var opRows []*structs.Operation
	for _, lot := range lots {
		row := lot.Copy()
		ops := row.Operations
		row.Operations = nil
		lotRows = append(lotRows, row)
		for _, op := range ops {
			if op.LotId == "" {
				op.LotId = row.LotId
			}
			opRows = append(opRows, op)
		}
	}

	txn := s.db.Txn(true)
	defer txn.Abort()

	for _, row := range lotRows {
		if err := txn.Insert(TableLots, row); err != nil {
			return fmt.Errorf("lot insert failed: %v", err)
		}
	}
	for _, op := range opRows {
		if err := txn.Insert(TableOperations, op); err != nil {
			return fmt.Errorf("operation insert failed: %v", err)
		}
	}
	txn.Commit()

	return s.persist(func(tx *bbolt.Tx) error {
		for _, row := range lotRows {
			if err := putRow(tx, TableLots, row.LotId, row); err != nil {
				return err
			}
		}
		for _, op := range opRows {
			key := structs.TaskKey{LotId: op.LotId, Step: op.Step}.String()
			if err := putRow(tx, TableOperations, key, op); err != nil {
				return err
			}
		}
		return nil
	})
}

// UpsertFrozenOperations inserts pinned operation windows.
func (s *StateStore) UpsertFrozenOperations(frozen []*structs.FrozenOperation) error {
	txn := s.db.Txn(true)
	defer txn.Abort()

	for _, fo := range frozen {
		cp := *fo
		if err := txn.Insert(TableFrozenOperations, &cp); err != nil {
			return fmt.Errorf("frozen operation insert failed: %v", err)
		}
	}
	txn.Commit()

	return s.persist(func(tx *bbolt.Tx) error {
		for _, fo := range frozen {
			key := structs.TaskKey{LotId: fo.LotId, Step: fo.Step}.String()
			if err := putRow(tx, TableFrozenOperations, key, fo); err != nil {
				return err
			}
		}
		return nil
	})
}

// UpsertMachines inserts machine rows.
func (s *StateStore) UpsertMachines(machines []*structs.Machine) error {
	txn := s.db.Txn(true)
	defer txn.Abort()

	for _, m := range machines {
		cp := *m
		if err := txn.Insert(TableMachines, &cp); err != nil {
			return fmt.Errorf("machine insert failed: %v", err)
		}
	}
	txn.Commit()

	return s.persist(func(tx *bbolt.Tx) error {
		for _, m := range machines {
			if err := putRow(tx, TableMachines, m.MachineId, m); err != nil {
				return err
			}
		}
		return nil
	})
}

// UpsertUnavailablePeriods inserts unavailability windows, assigning an ID to
// any window that arrives without one.
func (s *StateStore) UpsertUnavailablePeriods(periods []*structs.UnavailablePeriod) error {
	txn := s.db.Txn(true)
	defer txn.Abort()

	rows := make([]*structs.UnavailablePeriod, 0, len(periods))
	for _, p := range periods {
		row := p.Copy()
		if row.ID == "" {
			row.ID = uuid.Generate()
		}
		if err := txn.Insert(TableUnavailablePeriods, row); err != nil {
			return fmt.Errorf("unavailable period insert failed: %v", err)
		}
		rows = append(rows, row)
	}
	txn.Commit()

	return s.persist(func(tx *bbolt.Tx) error {
		for _, row := range rows {
			if err := putRow(tx, TableUnavailablePeriods, row.ID, row); err != nil {
				return err
			}
		}
		return nil
	})
}

// SetSetting writes one named setting.
func (s *StateStore) SetSetting(name, value string) error {
	txn := s.db.Txn(true)
	defer txn.Abort()

	setting := &structs.Setting{Name: name, Value: value}
	if err := txn.Insert(TableSettings, setting); err != nil {
		return fmt.Errorf("setting insert failed: %v", err)
	}
	txn.Commit()

	return s.persist(func(tx *bbolt.Tx) error {
		return putRow(tx, TableSettings, name, setting)
	})
}

// SavePlanRaw stores the pre-solve input snapshot of a run.
func (s *StateStore) SavePlanRaw(pr *structs.PlanRaw) error {
	txn := s.db.Txn(true)
	defer txn.Abort()

	cp := *pr
	if err := txn.Insert(TablePlanRaw, &cp); err != nil {
		return fmt.Errorf("plan raw insert failed: %v", err)
	}
	txn.Commit()

	return s.persist(func(tx *bbolt.Tx) error {
		return putRow(tx, TablePlanRaw, pr.PlanID, pr)
	})
}

// SaveJobHistory stores the record of one completed run.
func (s *StateStore) SaveJobHistory(jh *structs.JobHistory) error {
	txn := s.db.Txn(true)
	defer txn.Abort()

	cp := *jh
	if err := txn.Insert(TableJobHistory, &cp); err != nil {
		return fmt.Errorf("job history insert failed: %v", err)
	}
	txn.Commit()

	return s.persist(func(tx *bbolt.Tx) error {
		return putRow(tx, TableJobHistory, jh.ScheduleId, jh)
	})
}

// SaveUtilization stores the utilization rows of one plan.
func (s *StateStore) SaveUtilization(rows []*structs.UtilizationRow) error {
	txn := s.db.Txn(true)
	defer txn.Abort()

	for _, row := range rows {
		cp := *row
		if err := txn.Insert(TableUtilization, &cp); err != nil {
			return fmt.Errorf("utilization insert failed: %v", err)
		}
	}
	txn.Commit()

	return s.persist(func(tx *bbolt.Tx) error {
		for _, row := range rows {
			key := row.PlanID + "/" + row.GroupId
			if err := putRow(tx, TableUtilization, key, row); err != nil {
				return err
			}
		}
		return nil
	})
}

// ---------------------------------------------------------------------------
// plan result sessions

// Session is a writeback handle used by one writer worker. Each worker owns
// its own session; commits are serialized by the underlying store.
type Session struct {
	store *StateStore
}

// NewSession returns a writeback session.
func (s *StateStore) NewSession() (*Session, error) {
	return &Session{store: s}, nil
}

// Close releases the session.
func (se *Session) Close() error { return nil }

// UpdatePlanResults applies one chunk of plan results atomically: each
// operation's planned fields are replaced, its plan history is appended, and
// lot-level plan fields are set. A missing operation aborts the whole chunk.
func (se *Session) UpdatePlanResults(lotUpdates []*structs.LotPlanUpdate, opUpdates []*structs.OpPlanUpdate) error {
	s := se.store
	txn := s.db.Txn(true)
	defer txn.Abort()

	updatedOps := make([]*structs.Operation, 0, len(opUpdates))
	for _, up := range opUpdates {
		raw, err := txn.First(TableOperations, indexID, up.LotId, up.Step)
		if err != nil {
			return fmt.Errorf("operation lookup failed: %v", err)
		}
		if raw == nil {
			return fmt.Errorf("operation %s/%s not found", up.LotId, up.Step)
		}
		op := raw.(*structs.Operation).Copy()
		start, end := up.Start, up.End
		op.PlanCheckInTime = &start
		op.PlanCheckOutTime = &end
		op.PlanMachineId = up.Machine
		if up.History != nil {
			rec := *up.History
			op.PlanHistory = append(op.PlanHistory, &rec)
		}
		if err := txn.Insert(TableOperations, op); err != nil {
			return fmt.Errorf("operation update failed: %v", err)
		}
		updatedOps = append(updatedOps, op)
	}

	updatedLots := make([]*structs.Lot, 0, len(lotUpdates))
	for _, up := range lotUpdates {
		raw, err := txn.First(TableLots, indexID, up.LotId)
		if err != nil {
			return fmt.Errorf("lot lookup failed: %v", err)
		}
		if raw == nil {
			return fmt.Errorf("lot %s not found", up.LotId)
		}
		lot := raw.(*structs.Lot).Copy()
		start, finish := up.PlanStartTime, up.PlanFinishDate
		lot.PlanStartTime = &start
		lot.PlanFinishDate = &finish
		lot.DelayDays = up.DelayDays
		if err := txn.Insert(TableLots, lot); err != nil {
			return fmt.Errorf("lot update failed: %v", err)
		}
		updatedLots = append(updatedLots, lot)
	}
	txn.Commit()

	return s.persist(func(tx *bbolt.Tx) error {
		for _, op := range updatedOps {
			key := structs.TaskKey{LotId: op.LotId, Step: op.Step}.String()
			if err := putRow(tx, TableOperations, key, op); err != nil {
				return err
			}
		}
		for _, lot := range updatedLots {
			if err := putRow(tx, TableLots, lot.LotId, lot); err != nil {
				return err
			}
		}
		return nil
	})
}

// ---------------------------------------------------------------------------
// bolt backing

var boltTables = []string{
	TableLots,
	TableOperations,
	TableFrozenOperations,
	TableMachines,
	TableUnavailablePeriods,
	TableSettings,
	TablePlanRaw,
	TableJobHistory,
	TableUtilization,
}

// persist runs fn inside a bolt update when a backing file is attached.
func (s *StateStore) persist(fn func(tx *bbolt.Tx) error) error {
	if s.bolt == nil {
		return nil
	}
	err := s.bolt.Update(func(tx *bbolt.Tx) error {
		return fn(tx)
	})
	if err != nil {
		return fmt.Errorf("state file write failed: %v", err)
	}
	return nil
}

func putRow(tx *bbolt.Tx, table, key string, row any) error {
	bkt, err := tx.CreateBucketIfNotExists([]byte(table))
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	if err := codec.NewEncoder(&buf, structs.MsgpackHandle).Encode(row); err != nil {
		return fmt.Errorf("encode %s row: %v", table, err)
	}
	return bkt.Put([]byte(key), buf.Bytes())
}

// hydrate loads every bolt bucket into MemDB. Unknown buckets are ignored so
// newer files stay readable.
func (s *StateStore) hydrate() error {
	txn := s.db.Txn(true)
	defer txn.Abort()

	rows := 0
	err := s.bolt.View(func(tx *bbolt.Tx) error {
		for _, table := range boltTables {
			bkt := tx.Bucket([]byte(table))
			if bkt == nil {
				continue
			}
			err := bkt.ForEach(func(k, v []byte) error {
				row, err := decodeRow(table, v)
				if err != nil {
					return fmt.Errorf("decode %s/%s: %v", table, string(k), err)
				}
				rows++
				return txn.Insert(table, row)
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("state file restore failed: %v", err)
	}
	txn.Commit()

	if rows > 0 {
		s.logger.Debug("restored state file", "rows", rows)
	}
	return nil
}

func decodeRow(table string, data []byte) (any, error) {
	var row any
	switch table {
	case TableLots:
		row = &structs.Lot{}
	case TableOperations:
		row = &structs.Operation{}
	case TableFrozenOperations:
		row = &structs.FrozenOperation{}
	case TableMachines:
		row = &structs.Machine{}
	case TableUnavailablePeriods:
		row = &structs.UnavailablePeriod{}
	case TableSettings:
		row = &structs.Setting{}
	case TablePlanRaw:
		row = &structs.PlanRaw{}
	case TableJobHistory:
		row = &structs.JobHistory{}
	case TableUtilization:
		row = &structs.UtilizationRow{}
	default:
		return nil, fmt.Errorf("unknown table %q", table)
	}
	if err := codec.NewDecoder(bytes.NewReader(data), structs.MsgpackHandle).Decode(row); err != nil {
		return nil, err
	}
	return row, nil
}
