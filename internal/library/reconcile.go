package library

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/libraryd/internal/metastore"
)

// VectorRef identifies one (chunk, model) vector slot.
type VectorRef struct {
	ChunkID string `json:"chunk_id"`
	Model   string `json:"model"`
}

// ReconcileReport describes what a reconciliation pass found and did.
//
// MissingVectors are chunks the metadata store reports EMBEDDED with no
// vector behind them. OrphanVectors are vectors whose chunk state says not
// embedded. UnaccountedVectors is the difference between the raw vector
// count and the embedded-row count that per-row checks could not attribute,
// which happens when a vector outlives its chunk record entirely.
type ReconcileReport struct {
	Library            string      `json:"library"`
	CheckedRows        int         `json:"checked_rows"`
	MissingVectors     []VectorRef `json:"missing_vectors,omitempty"`
	OrphanVectors      []VectorRef `json:"orphan_vectors,omitempty"`
	UnaccountedVectors int         `json:"unaccounted_vectors,omitempty"`
	Repaired           bool        `json:"repaired"`
}

// Consistent reports whether the pass found no violations.
func (r *ReconcileReport) Consistent() bool {
	return len(r.MissingVectors) == 0 && len(r.OrphanVectors) == 0 && r.UnaccountedVectors == 0
}

// Reconcile verifies that a chunk is EMBEDDED for a model exactly when a
// vector exists for that pair. Violations are returned in the report; the
// call fails with ErrInconsistentState unless repair is requested. Repair
// marks vectorless EMBEDDED chunks FAILED so the next embed call redoes
// them, and deletes vectors whose chunk state is not EMBEDDED.
func (s *service) Reconcile(ctx context.Context, name string, repair bool) (*ReconcileReport, error) {
	ctx, span := s.tracer.Start(ctx, "library.reconcile")
	defer span.End()
	span.SetAttributes(
		attribute.String("library", name),
		attribute.Bool("repair", repair),
	)

	if _, err := s.store.GetLibrary(ctx, name); err != nil {
		return nil, fmt.Errorf("looking up library: %w", err)
	}

	rows, err := s.store.ListChunkEmbeddingsByLibrary(ctx, name, "")
	if err != nil {
		return nil, fmt.Errorf("listing embedding state: %w", err)
	}

	report := &ReconcileReport{Library: name, CheckedRows: len(rows)}
	embedded := 0
	attributed := 0

	for _, row := range rows {
		has, err := s.vectors.HasVector(ctx, name, row.Model, row.ChunkID)
		if err != nil {
			return nil, fmt.Errorf("checking vector for chunk %s: %w", row.ChunkID, err)
		}

		switch {
		case row.Status == metastore.ChunkEmbedded:
			embedded++
			if has {
				attributed++
			} else {
				report.MissingVectors = append(report.MissingVectors, VectorRef{
					ChunkID: row.ChunkID, Model: row.Model,
				})
			}
		case has:
			attributed++
			report.OrphanVectors = append(report.OrphanVectors, VectorRef{
				ChunkID: row.ChunkID, Model: row.Model,
			})
		}
	}

	vectorCount, err := s.vectors.CountVectors(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("counting vectors: %w", err)
	}
	if vectorCount > attributed {
		report.UnaccountedVectors = vectorCount - attributed
	}

	if report.Consistent() {
		s.logger.Info("reconcile clean",
			zap.String("library", name),
			zap.Int("checked", report.CheckedRows),
			zap.Int("embedded", embedded),
		)
		return report, nil
	}

	if !repair {
		s.logger.Error("reconcile found inconsistencies",
			zap.String("library", name),
			zap.Int("missing_vectors", len(report.MissingVectors)),
			zap.Int("orphan_vectors", len(report.OrphanVectors)),
			zap.Int("unaccounted_vectors", report.UnaccountedVectors),
		)
		return report, fmt.Errorf("%w: library %s", ErrInconsistentState, name)
	}

	for _, ref := range report.MissingVectors {
		if err := s.store.DemoteChunkEmbedding(ctx, ref.ChunkID, ref.Model, "vector missing at reconcile"); err != nil {
			return report, fmt.Errorf("demoting chunk %s: %w", ref.ChunkID, err)
		}
	}
	for _, ref := range report.OrphanVectors {
		if err := s.vectors.DeleteVector(ctx, name, ref.Model, ref.ChunkID); err != nil {
			return report, fmt.Errorf("deleting orphan vector %s: %w", ref.ChunkID, err)
		}
	}
	report.Repaired = true

	s.logger.Warn("reconcile repaired inconsistencies",
		zap.String("library", name),
		zap.Int("demoted_chunks", len(report.MissingVectors)),
		zap.Int("deleted_vectors", len(report.OrphanVectors)),
		zap.Int("unaccounted_vectors", report.UnaccountedVectors),
	)
	return report, nil
}
