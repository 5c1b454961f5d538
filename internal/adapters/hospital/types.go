package hospital

import "time"

// LabResult represents a laboratory test result
type LabResult struct {
	ID             string    `json:"id"`
	TestCode       string    `json:"test_code"`
	TestName       string    `json:"test_name"`
	LOINCCode      string    `json:"loinc_code,omitempty"`
	Value          string    `json:"value"`
	Unit           string    `json:"unit,omitempty"`
	ReferenceMin   string    `json:"reference_min,omitempty"`
	ReferenceMax   string    `json:"reference_max,omitempty"`
	Interpretation string    `json:"interpretation,omitempty"` // normal, low, high, critical
	CollectedAt    time.Time `json:"collected_at"`
	ReportedAt     time.Time `json:"reported_at"`
	OrderedBy      string    `json:"ordered_by,omitempty"`
	Laboratory     string    `json:"laboratory,omitempty"`
	Notes          string    `json:"notes,omitempty"`

	// Metadata
	SourceSystem      string `json:"source_system"`
	SourceInstitution string `json:"source_institution"`
}

// Abnormal reports whether the result is flagged outside its reference range
func (r LabResult) Abnormal() bool {
	switch r.Interpretation {
	case "low", "high", "critical":
		return true
	}
	return false
}

// Import is the outcome of one lab import, kept on the created document
type Import struct {
	Source      string      `json:"source"`
	Institution string      `json:"institution"`
	From        time.Time   `json:"from"`
	To          time.Time   `json:"to"`
	Results     []LabResult `json:"results"`
}

// AbnormalCount counts flagged results
func (i *Import) AbnormalCount() int {
	n := 0
	for _, r := range i.Results {
		if r.Abnormal() {
			n++
		}
	}
	return n
}
