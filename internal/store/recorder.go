package store

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/avaropoint/devmirror/internal/fleet"
)

// Recorder persists fleet updates. Removed devices keep their row with
// state disconnected.
type Recorder struct {
	store Store
	log   *zap.Logger
}

// NewRecorder returns a recorder writing to s.
func NewRecorder(s Store, log *zap.Logger) *Recorder {
	if log == nil {
		log = zap.NewNop()
	}
	return &Recorder{store: s, log: log.Named("recorder")}
}

// Run records every update until updates is closed or ctx ends.
func (r *Recorder) Run(ctx context.Context, updates <-chan fleet.Update) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case u, ok := <-updates:
			if !ok {
				return nil
			}
			if err := r.Record(ctx, u); err != nil {
				r.log.Warn("record fleet update", zap.Error(err))
			}
		}
	}
}

// Record writes the devices an update touched.
func (r *Recorder) Record(ctx context.Context, u fleet.Update) error {
	byUDID := make(map[string]fleet.DeviceDescriptor, len(u.Devices))
	for _, d := range u.Devices {
		byUDID[d.UDID] = d
	}

	var errs []error
	for _, udid := range u.Changed {
		d, ok := byUDID[udid]
		if !ok {
			continue
		}
		if err := r.store.UpsertDevice(ctx, RecordFromDescriptor(d, u.At)); err != nil {
			errs = append(errs, err)
		}
	}
	for _, udid := range u.Removed {
		if err := r.store.MarkDisconnected(ctx, udid, u.At); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// RecordFromDescriptor converts a descriptor seen at the given time.
func RecordFromDescriptor(d fleet.DeviceDescriptor, at time.Time) *DeviceRecord {
	return &DeviceRecord{
		UDID:         d.UDID,
		State:        string(d.State),
		Manufacturer: d.Manufacturer,
		Model:        d.Model,
		Release:      d.Release,
		SDK:          d.SDK,
		ABI:          d.ABI,
		AgentPID:     d.PID,
		LastSeen:     at,
	}
}
