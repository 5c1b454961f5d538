package ai

import "encoding/json"

// ReportAnalysis is the structured summary of an uploaded medical report
type ReportAnalysis struct {
	SummaryText        string          `json:"summary_text"`
	KeyFindings        []string        `json:"key_findings"`
	MentionedMedicines []string        `json:"mentioned_medicines"`
	AbnormalValues     []AbnormalValue `json:"abnormal_values"`
	Recommendations    []string        `json:"recommendations"`
	Disclaimer         string          `json:"disclaimer"`
}

// AbnormalValue is a lab value outside its reference range
type AbnormalValue struct {
	Name           string `json:"name"`
	Value          string `json:"value"`
	ReferenceRange string `json:"reference_range"`
}

// Storyboard is a short animated explainer about a medicine
type Storyboard struct {
	Title    string  `json:"title"`
	Medicine string  `json:"medicine"`
	Scenes   []Scene `json:"scenes"`
}

// Scene is one frame of a storyboard
type Scene struct {
	Caption   string `json:"caption"`
	Narration string `json:"narration"`
	Visual    string `json:"visual"`
}

// SafetyAnalysis is the result of checking a new medicine against a patient's history
type SafetyAnalysis struct {
	Safe           bool          `json:"safe"`
	RiskLevel      string        `json:"risk_level"`
	Interactions   []Interaction `json:"interactions"`
	Warnings       []string      `json:"warnings"`
	Recommendation string        `json:"recommendation"`
}

// Interaction describes a conflict with an existing medicine or condition
type Interaction struct {
	With        string `json:"with"`
	Severity    string `json:"severity"`
	Description string `json:"description"`
}

// ExplainerRequest asks for a medicine storyboard
type ExplainerRequest struct {
	MedicineName  string `json:"medicine_name"`
	PatientID     string `json:"patient_id"`
	ReportContext string `json:"report_context"`
}

// SafetyCheckRequest asks whether a new medicine is safe for a patient
type SafetyCheckRequest struct {
	NewMed         string          `json:"newMed"`
	PatientHistory json.RawMessage `json:"patientHistory"`
}

// File is an inline attachment sent with a prompt
type File struct {
	Data     []byte
	MIMEType string
}
