package recovery

import (
	"context"

	"pkt.systems/lra/internal/lra"
	"pkt.systems/lra/internal/txlog"
)

// LoadRecovering rebuilds every live record in log and hands each action to
// into. Records that decode but cannot be rebuilt are reported through skip
// and do not stop the load.
func LoadRecovering(ctx context.Context, log *txlog.Log, deps lra.Deps, into func(*lra.Action), skip func(uid string, err error)) error {
	return log.Scan(ctx, func(e txlog.Entry) error {
		a, err := lra.FromRecord(deps, e.Record, e.ETag)
		if err != nil {
			if skip != nil {
				skip(e.Record.UID, err)
			}
			return nil
		}
		into(a)
		return nil
	})
}

// LoadFailed returns summaries of every action recorded as failed, keyed by
// id.
func LoadFailed(ctx context.Context, log *txlog.Log) (map[string]lra.Data, error) {
	records, err := log.LoadFailed(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]lra.Data, len(records))
	for _, rec := range records {
		out[rec.ID] = rec.Data()
	}
	return out, nil
}
