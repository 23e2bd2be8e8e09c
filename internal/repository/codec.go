// SPDX-License-Identifier: Apache-2.0

package repository

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/adiadia/secflow/internal/domain"
)

// recordColumns holds the JSON-encoded columns of a workflow row.
type recordColumns struct {
	submission  []byte
	retryCounts []byte
	history     []byte
	report      []byte
}

func encodeRecord(rec domain.WorkflowRecord) (recordColumns, error) {
	var cols recordColumns
	var err error

	if cols.submission, err = json.Marshal(rec.Submission); err != nil {
		return cols, fmt.Errorf("encode submission: %w", err)
	}
	counts := rec.RetryCounts
	if counts == nil {
		counts = map[domain.Phase]int{}
	}
	if cols.retryCounts, err = json.Marshal(counts); err != nil {
		return cols, fmt.Errorf("encode retry counts: %w", err)
	}
	history := rec.History
	if history == nil {
		history = []domain.WorkflowResult{}
	}
	if cols.history, err = json.Marshal(history); err != nil {
		return cols, fmt.Errorf("encode history: %w", err)
	}
	if rec.Report != nil {
		if cols.report, err = json.Marshal(rec.Report); err != nil {
			return cols, fmt.Errorf("encode report: %w", err)
		}
	}
	return cols, nil
}

func decodeRecord(rec *domain.WorkflowRecord, cols recordColumns) error {
	if err := json.Unmarshal(cols.submission, &rec.Submission); err != nil {
		return fmt.Errorf("decode submission: %w", err)
	}
	if err := json.Unmarshal(cols.retryCounts, &rec.RetryCounts); err != nil {
		return fmt.Errorf("decode retry counts: %w", err)
	}
	if err := json.Unmarshal(cols.history, &rec.History); err != nil {
		return fmt.Errorf("decode history: %w", err)
	}
	if len(cols.report) > 0 {
		var report domain.Report
		if err := json.Unmarshal(cols.report, &report); err != nil {
			return fmt.Errorf("decode report: %w", err)
		}
		rec.Report = &report
	}
	return nil
}

func containsFold(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}
