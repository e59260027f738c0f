// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package state

import (
	"fmt"

	memdb "github.com/hashicorp/go-memdb"
)

const (
	TableLots               = "lots"
	TableOperations         = "operations"
	TableFrozenOperations   = "frozen_operations"
	TableMachines           = "machines"
	TableUnavailablePeriods = "unavailable_periods"
	TableSettings           = "settings"
	TablePlanRaw            = "plan_raw"
	TableJobHistory         = "job_history"
	TableUtilization        = "utilization"
)

const (
	indexID      = "id"
	indexLot     = "lot"
	indexGroup   = "group"
	indexMachine = "machine"
	indexPlan    = "plan"
)

var (
	schemaFactories SchemaFactories
)

// SchemaFactory is the factory method for returning a table schema
type SchemaFactory func() *memdb.TableSchema
type SchemaFactories []SchemaFactory

// RegisterSchemaFactories is used to register a table schema.
func RegisterSchemaFactories(factories ...SchemaFactory) {
	schemaFactories = append(schemaFactories, factories...)
}

func GetFactories() SchemaFactories {
	return schemaFactories
}

func init() {
	RegisterSchemaFactories([]SchemaFactory{
		lotTableSchema,
		operationTableSchema,
		frozenOperationTableSchema,
		machineTableSchema,
		unavailablePeriodTableSchema,
		settingTableSchema,
		planRawTableSchema,
		jobHistoryTableSchema,
		utilizationTableSchema,
	}...)
}

// stateStoreSchema is used to return the combined schema for the state store.
func stateStoreSchema() *memdb.DBSchema {
	db := &memdb.DBSchema{
		Tables: make(map[string]*memdb.TableSchema),
	}

	for _, fn := range GetFactories() {
		schema := fn()
		if _, ok := db.Tables[schema.Name]; ok {
			panic(fmt.Sprintf("duplicate table name: %s", schema.Name))
		}
		db.Tables[schema.Name] = schema
	}
	return db
}

// lotTableSchema returns the MemDB schema for the lot table. Lot rows do not
// carry their operations; those live in the operation table and are joined by
// the reader.
func lotTableSchema() *memdb.TableSchema {
	return &memdb.TableSchema{
		Name: TableLots,
		Indexes: map[string]*memdb.IndexSchema{
			indexID: {
				Name:         indexID,
				AllowMissing: false,
				Unique:       true,
				Indexer: &memdb.StringFieldIndex{
					Field: "LotId",
				},
			},
		},
	}
}

// operationTableSchema returns the MemDB schema for the operation table,
// keyed by lot and step.
func operationTableSchema() *memdb.TableSchema {
	return &memdb.TableSchema{
		Name: TableOperations,
		Indexes: map[string]*memdb.IndexSchema{
			indexID: {
				Name:         indexID,
				AllowMissing: false,
				Unique:       true,
				Indexer: &memdb.CompoundIndex{
					Indexes: []memdb.Indexer{
						&memdb.StringFieldIndex{Field: "LotId"},
						&memdb.StringFieldIndex{Field: "Step"},
					},
				},
			},
			indexLot: {
				Name:         indexLot,
				AllowMissing: false,
				Unique:       false,
				Indexer: &memdb.StringFieldIndex{
					Field: "LotId",
				},
			},
		},
	}
}

// frozenOperationTableSchema returns the MemDB schema for pre-pinned
// operations.
func frozenOperationTableSchema() *memdb.TableSchema {
	return &memdb.TableSchema{
		Name: TableFrozenOperations,
		Indexes: map[string]*memdb.IndexSchema{
			indexID: {
				Name:         indexID,
				AllowMissing: false,
				Unique:       true,
				Indexer: &memdb.CompoundIndex{
					Indexes: []memdb.Indexer{
						&memdb.StringFieldIndex{Field: "LotId"},
						&memdb.StringFieldIndex{Field: "Step"},
					},
				},
			},
			indexLot: {
				Name:         indexLot,
				AllowMissing: false,
				Unique:       false,
				Indexer: &memdb.StringFieldIndex{
					Field: "LotId",
				},
			},
		},
	}
}

// machineTableSchema returns the MemDB schema for the machine table.
func machineTableSchema() *memdb.TableSchema {
	return &memdb.TableSchema{
		Name: TableMachines,
		Indexes: map[string]*memdb.IndexSchema{
			indexID: {
				Name:         indexID,
				AllowMissing: false,
				Unique:       true,
				Indexer: &memdb.StringFieldIndex{
					Field: "MachineId",
				},
			},
			indexGroup: {
				Name:         indexGroup,
				AllowMissing: false,
				Unique:       false,
				Indexer: &memdb.StringFieldIndex{
					Field: "GroupId",
				},
			},
		},
	}
}

// unavailablePeriodTableSchema returns the MemDB schema for machine
// unavailability windows.
func unavailablePeriodTableSchema() *memdb.TableSchema {
	return &memdb.TableSchema{
		Name: TableUnavailablePeriods,
		Indexes: map[string]*memdb.IndexSchema{
			indexID: {
				Name:         indexID,
				AllowMissing: false,
				Unique:       true,
				Indexer: &memdb.StringFieldIndex{
					Field: "ID",
				},
			},
			indexMachine: {
				Name:         indexMachine,
				AllowMissing: false,
				Unique:       false,
				Indexer: &memdb.StringFieldIndex{
					Field: "MachineId",
				},
			},
		},
	}
}

// settingTableSchema returns the MemDB schema for named settings shared with
// the control panel.
func settingTableSchema() *memdb.TableSchema {
	return &memdb.TableSchema{
		Name: TableSettings,
		Indexes: map[string]*memdb.IndexSchema{
			indexID: {
				Name:         indexID,
				AllowMissing: false,
				Unique:       true,
				Indexer: &memdb.StringFieldIndex{
					Field: "Name",
				},
			},
		},
	}
}

// planRawTableSchema returns the MemDB schema for pre-solve input snapshots.
func planRawTableSchema() *memdb.TableSchema {
	return &memdb.TableSchema{
		Name: TablePlanRaw,
		Indexes: map[string]*memdb.IndexSchema{
			indexID: {
				Name:         indexID,
				AllowMissing: false,
				Unique:       true,
				Indexer: &memdb.StringFieldIndex{
					Field: "PlanID",
				},
			},
		},
	}
}

// jobHistoryTableSchema returns the MemDB schema for completed run records.
func jobHistoryTableSchema() *memdb.TableSchema {
	return &memdb.TableSchema{
		Name: TableJobHistory,
		Indexes: map[string]*memdb.IndexSchema{
			indexID: {
				Name:         indexID,
				AllowMissing: false,
				Unique:       true,
				Indexer: &memdb.StringFieldIndex{
					Field: "ScheduleId",
				},
			},
		},
	}
}

// utilizationTableSchema returns the MemDB schema for per-group utilization
// rows, keyed by plan and group.
func utilizationTableSchema() *memdb.TableSchema {
	return &memdb.TableSchema{
		Name: TableUtilization,
		Indexes: map[string]*memdb.IndexSchema{
			indexID: {
				Name:         indexID,
				AllowMissing: false,
				Unique:       true,
				Indexer: &memdb.CompoundIndex{
					Indexes: []memdb.Indexer{
						&memdb.StringFieldIndex{Field: "PlanID"},
						&memdb.StringFieldIndex{Field: "GroupId"},
					},
				},
			},
			indexPlan: {
				Name:         indexPlan,
				AllowMissing: false,
				Unique:       false,
				Indexer: &memdb.StringFieldIndex{
					Field: "PlanID",
				},
			},
		},
	}
}
