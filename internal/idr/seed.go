package idr

import (
	"context"
	"io"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/apihub/internal/model"
	"github.com/sells-group/apihub/pkg/dnb"
)

// Seed creates one entity per DUNS in r (D&B data blocks, one JSON document
// per line) under stage. Rows that already exist are left untouched, so a
// seed can be re-run after a crash.
func (d *Driver) Seed(ctx context.Context, stage *model.Stage, r io.Reader) (*Summary, error) {
	start := time.Now()
	sum := newSummary(stage)
	log := stageLogger(stage)

	batchSize := d.opts.ChunkSize
	if stage.Params.ChunkSize > 0 {
		batchSize = stage.Params.ChunkSize
	}
	batch := make([]model.Entity, 0, batchSize)

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		var n int64
		err := d.write(ctx, func(ctx context.Context) error {
			var err error
			n, err = d.store.InsertEntities(ctx, batch)
			return err
		})
		if err != nil {
			return eris.Wrapf(err, "idr: insert %d entities", len(batch))
		}
		sum.Inserted += n
		sum.Chunks++
		log.Debug("idr: seeded batch", zap.Int("entities", len(batch)), zap.Int64("inserted", n))
		batch = batch[:0]
		return nil
	}

	seen := make(map[string]bool)
	err := dnb.ReadDataBlocks(r, func(line int, db *dnb.DataBlock) error {
		if err := ctx.Err(); err != nil {
			return eris.Wrap(err, "idr: seed interrupted")
		}
		e, ok := entityFromDataBlock(stage, db)
		if !ok || seen[e.DUNS] {
			sum.States[StateSkipped]++
			log.Debug("idr: skipping data block", zap.Int("line", line), zap.String("duns", e.DUNS))
			return nil
		}
		seen[e.DUNS] = true
		sum.States[StateEligible]++
		batch = append(batch, e)
		if len(batch) >= batchSize {
			return flush()
		}
		return nil
	})
	if err == nil {
		err = flush()
	}
	sum.Duration = time.Since(start)
	return sum, err
}

func entityFromDataBlock(stage *model.Stage, db *dnb.DataBlock) (model.Entity, bool) {
	org := db.Organization
	e := model.Entity{
		ProjectID: stage.ProjectID,
		StageID:   stage.StageID,
		DUNS:      strings.TrimSpace(org.DUNS),
		Name:      strings.TrimSpace(org.PrimaryName),
		Country:   strings.ToUpper(strings.TrimSpace(org.Country())),
		City:      strings.TrimSpace(org.City()),
		TouchedAt: time.Now().UTC(),
	}
	if e.DUNS == "" {
		return e, false
	}
	for _, rn := range org.RegistrationNumbers {
		if strings.TrimSpace(rn.RegistrationNumber) == "" {
			continue
		}
		e.RegNumbers = append(e.RegNumbers, model.RegNumber{
			Type:        rn.TypeDnBCode,
			Value:       rn.RegistrationNumber,
			IsPreferred: rn.IsPreferredRegistrationNumber,
		})
	}
	return e, true
}
