// Package results collects per-item pipeline outcomes into an ordered,
// immutable table.
package results

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/codycollier/wer"
	"github.com/goccy/go-json"

	apperrors "go-wanglab/internal/errors"
	"go-wanglab/internal/extractor"
	"go-wanglab/internal/model"
)

// Status of one row.
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
)

// Columns is the header written by Records and WriteCSV.
var Columns = []string{"item_id", "feature_summary", "prediction", "status", "error_kind", "error"}

// Row is the outcome for one input item.
type Row struct {
	Index      int                      `json:"index"`
	ImageID    string                   `json:"image_id"`
	Source     string                   `json:"source,omitempty"`
	Vector     *extractor.FeatureVector `json:"vector,omitempty"`
	Prediction *model.Prediction        `json:"prediction,omitempty"`
	Status     Status                   `json:"status"`
	ErrorKind  string                   `json:"error_kind,omitempty"`
	Error      string                   `json:"error,omitempty"`
	ConfigHash string                   `json:"config_hash"`
	ModelName  string                   `json:"model_name,omitempty"`
}

// Success builds a successful row.
func Success(index int, imageID string, fv *extractor.FeatureVector, pred *model.Prediction) Row {
	return Row{Index: index, ImageID: imageID, Vector: fv, Prediction: pred, Status: StatusSuccess}
}

// Failure builds a failed row. fv may carry the vector when only
// prediction failed.
func Failure(index int, imageID string, fv *extractor.FeatureVector, err error) Row {
	return Row{
		Index:     index,
		ImageID:   imageID,
		Vector:    fv,
		Status:    StatusFailed,
		ErrorKind: string(apperrors.TypeOf(err)),
		Error:     apperrors.MessageOf(err),
	}
}

// Table is the finalized result of a run. It is never modified after
// Finalize returns it.
type Table struct {
	RunID      string
	ConfigHash string
	ModelName  string
	CreatedAt  time.Time
	rows       []Row
}

func (t *Table) Len() int { return len(t.rows) }

// Row returns a copy of row i.
func (t *Table) Row(i int) Row { return t.rows[i] }

// Rows returns a copy of all rows in input order.
func (t *Table) Rows() []Row {
	return append([]Row(nil), t.rows...)
}

// Succeeded returns the indices of successful rows.
func (t *Table) Succeeded() []int { return t.indices(StatusSuccess) }

// Failed returns the indices of failed rows.
func (t *Table) Failed() []int { return t.indices(StatusFailed) }

func (t *Table) indices(s Status) []int {
	var out []int
	for _, r := range t.rows {
		if r.Status == s {
			out = append(out, r.Index)
		}
	}
	return out
}

// Labels returns the predicted label of every row, empty for failures.
func (t *Table) Labels() []string {
	out := make([]string, len(t.rows))
	for i, r := range t.rows {
		out[i] = predictionText(r.Prediction)
	}
	return out
}

func predictionText(p *model.Prediction) string {
	switch {
	case p == nil:
		return ""
	case p.Label != "":
		return p.Label
	case len(p.Embedding) > 0:
		parts := make([]string, len(p.Embedding))
		for i, v := range p.Embedding {
			parts[i] = strconv.FormatFloat(v, 'g', 6, 64)
		}
		return "[" + strings.Join(parts, " ") + "]"
	default:
		return strconv.FormatFloat(p.Score, 'g', 6, 64)
	}
}

// Records renders the table with Columns as the first record.
func (t *Table) Records() [][]string {
	out := make([][]string, 0, len(t.rows)+1)
	out = append(out, append([]string(nil), Columns...))
	for _, r := range t.rows {
		id := r.ImageID
		if id == "" {
			id = r.Source
		}
		out = append(out, []string{
			id,
			r.Vector.Summary(),
			predictionText(r.Prediction),
			string(r.Status),
			r.ErrorKind,
			r.Error,
		})
	}
	return out
}

// WriteCSV writes Records to w.
func (t *Table) WriteCSV(w io.Writer) error {
	cw := csv.NewWriter(w)
	if err := cw.WriteAll(t.Records()); err != nil {
		return fmt.Errorf("write csv: %w", err)
	}
	return nil
}

type tableJSON struct {
	RunID      string    `json:"run_id"`
	ConfigHash string    `json:"config_hash"`
	ModelName  string    `json:"model_name,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	Total      int       `json:"total"`
	Succeeded  int       `json:"succeeded"`
	Failed     int       `json:"failed"`
	Rows       []Row     `json:"rows"`
}

func (t *Table) MarshalJSON() ([]byte, error) {
	return json.Marshal(tableJSON{
		RunID:      t.RunID,
		ConfigHash: t.ConfigHash,
		ModelName:  t.ModelName,
		CreatedAt:  t.CreatedAt,
		Total:      len(t.rows),
		Succeeded:  len(t.Succeeded()),
		Failed:     len(t.Failed()),
		Rows:       t.rows,
	})
}

// LabelDisagreement compares the label sequences of two runs over the same
// items as a word error rate: 0 when every label matches.
func (t *Table) LabelDisagreement(other *Table) (float64, error) {
	if other == nil || other.Len() != t.Len() {
		return 0, apperrors.NewValidationError("tables cover different item counts", nil)
	}
	if t.Len() == 0 {
		return 0, nil
	}
	for i := range t.rows {
		if t.rows[i].ImageID != other.rows[i].ImageID {
			return 0, apperrors.NewValidationError(fmt.Sprintf("row %d covers %s and %s", i, t.rows[i].ImageID, other.rows[i].ImageID), nil)
		}
	}
	rate, _ := wer.WER(placeholders(t.Labels()), placeholders(other.Labels()))
	return rate, nil
}

// placeholders keeps failed rows as tokens so sequences stay aligned.
func placeholders(labels []string) []string {
	out := make([]string, len(labels))
	for i, l := range labels {
		if l == "" {
			l = "<failed>"
		}
		out[i] = strings.ReplaceAll(l, " ", "_")
	}
	return out
}
