package eval

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/brunobiangulo/emrsync/reconcile"
)

// Dataset is a collection of documents with hand-checked extractions.
type Dataset struct {
	Name  string `json:"name"`
	Cases []Case `json:"cases"`
}

// Case pairs a source document with its gold extraction.
type Case struct {
	Name      string `json:"name"`
	Document  string `json:"document"` // path to the pdf/xlsx/txt/md file
	Gold      string `json:"gold"`     // path to the expected extraction JSON
	PatientID *int64 `json:"patient_id,omitempty"`
}

// LoadDataset reads a dataset file. Relative document and gold paths are
// resolved against the dataset file's directory.
func LoadDataset(path string) (Dataset, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Dataset{}, fmt.Errorf("reading dataset: %w", err)
	}
	var ds Dataset
	if err := json.Unmarshal(data, &ds); err != nil {
		return Dataset{}, fmt.Errorf("parsing dataset: %w", err)
	}
	if len(ds.Cases) == 0 {
		return Dataset{}, fmt.Errorf("dataset %s has no cases", path)
	}

	dir := filepath.Dir(path)
	for i := range ds.Cases {
		c := &ds.Cases[i]
		if c.Document == "" || c.Gold == "" {
			return Dataset{}, fmt.Errorf("case %d: document and gold are required", i)
		}
		if !filepath.IsAbs(c.Document) {
			c.Document = filepath.Join(dir, c.Document)
		}
		if !filepath.IsAbs(c.Gold) {
			c.Gold = filepath.Join(dir, c.Gold)
		}
		if c.Name == "" {
			c.Name = filepath.Base(c.Document)
		}
	}
	if ds.Name == "" {
		ds.Name = filepath.Base(path)
	}
	return ds, nil
}

// loadGold reads a case's expected extraction.
func loadGold(path string) (reconcile.Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return reconcile.Document{}, err
	}
	return reconcile.ParseDocument(data)
}
