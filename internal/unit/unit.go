// Package unit materializes work units: one directory per partition holding
// the serialized input, the runner artifact, and the unit's recorded state.
package unit

import (
	"errors"
	"os"
	"time"

	"github.com/signalnine/batcheval/internal/result"
	"github.com/signalnine/batcheval/internal/sample"
	"github.com/signalnine/batcheval/internal/scheduler"
)

// Unit is one materialized partition.
type Unit struct {
	ID        int
	Partition sample.Partition
	Dir       string
	State     result.UnitState
	Handle    *scheduler.Handle
	SubmitErr error
}

// Target returns what the scheduler needs to run the unit.
func (u *Unit) Target() scheduler.Target {
	return scheduler.Target{Unit: u.ID, Dir: u.Dir}
}

// Meta is the persisted form of a unit, stored in meta.json.
type Meta struct {
	Unit        int               `json:"unit"`
	Partition   sample.Partition  `json:"partition"`
	State       result.UnitState  `json:"state"`
	Handle      *scheduler.Handle `json:"handle,omitempty"`
	Reason      string            `json:"reason,omitempty"`
	Attempt     int               `json:"attempt,omitempty"`
	RestartFrom string            `json:"restart_from,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

func WriteMeta(unitDir string, m *Meta) error {
	m.UpdatedAt = time.Now().UTC()
	return result.WriteJSON(result.MetaPath(unitDir), m)
}

func ReadMeta(unitDir string) (*Meta, error) {
	var m Meta
	if err := result.ReadJSON(result.MetaPath(unitDir), &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// Record updates the unit's meta.json with its current state, handle, and
// submission error.
func Record(u *Unit, reason string) error {
	m, err := ReadMeta(u.Dir)
	if errors.Is(err, os.ErrNotExist) {
		m = &Meta{Unit: u.ID, Partition: u.Partition, CreatedAt: time.Now().UTC()}
	} else if err != nil {
		return err
	}
	m.State = u.State
	m.Handle = u.Handle
	m.Reason = reason
	if reason == "" && u.SubmitErr != nil {
		m.Reason = u.SubmitErr.Error()
	}
	return WriteMeta(u.Dir, m)
}

// Load rebuilds the unit stored in unitDir.
func Load(unitDir string) (*Unit, error) {
	m, err := ReadMeta(unitDir)
	if err != nil {
		return nil, err
	}
	return &Unit{ID: m.Unit, Partition: m.Partition, Dir: unitDir, State: m.State, Handle: m.Handle}, nil
}

// LoadRun rebuilds every unit of a run in id order.
func LoadRun(runDir string) ([]*Unit, error) {
	ids, err := result.ListUnits(runDir)
	if err != nil {
		return nil, err
	}
	units := make([]*Unit, 0, len(ids))
	for _, id := range ids {
		u, err := Load(result.UnitDir(runDir, id))
		if err != nil {
			return nil, err
		}
		units = append(units, u)
	}
	return units, nil
}
