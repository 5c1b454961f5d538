package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/healthnexus/platform/internal/shared/config"
	"github.com/healthnexus/platform/internal/shared/errors"
	"github.com/healthnexus/platform/internal/shared/metrics"
	"go.uber.org/zap"
	"google.golang.org/genai"
)

const disclaimer = "This summary is generated by AI for information only and is not a medical diagnosis. Consult your doctor."

// Model generates a JSON answer for a system instruction, a prompt and an optional file.
type Model interface {
	GenerateJSON(ctx context.Context, system, prompt string, file *File) (string, error)
	Name() string
}

// GeminiModel is the Gemini implementation of Model
type GeminiModel struct {
	client *genai.Client
	model  string
}

// NewGeminiModel creates a Gemini client for the configured model
func NewGeminiModel(ctx context.Context, cfg config.AIConfig) (*GeminiModel, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("Gemini API key is required")
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}

	return &GeminiModel{client: client, model: cfg.Model}, nil
}

func (m *GeminiModel) Name() string {
	return m.model
}

// GenerateJSON runs one generation in JSON response mode
func (m *GeminiModel) GenerateJSON(ctx context.Context, system, prompt string, file *File) (string, error) {
	parts := []*genai.Part{genai.NewPartFromText(prompt)}
	if file != nil {
		parts = append(parts, genai.NewPartFromBytes(file.Data, file.MIMEType))
	}

	contents := []*genai.Content{genai.NewContentFromParts(parts, genai.RoleUser)}

	resp, err := m.client.Models.GenerateContent(ctx, m.model, contents, &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(system, genai.RoleUser),
		ResponseMIMEType:  "application/json",
		Temperature:       genai.Ptr[float32](0.2),
	})
	if err != nil {
		return "", fmt.Errorf("GenAI generate failed: %w", err)
	}

	text := resp.Text()
	if text == "" {
		return "", fmt.Errorf("empty response from model")
	}
	return text, nil
}

// Service turns model output into typed results. A nil model means AI is disabled.
type Service struct {
	model   Model
	timeout time.Duration
	log     *zap.Logger
}

// NewService creates the AI service; model may be nil
func NewService(model Model, timeout time.Duration, log *zap.Logger) *Service {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Service{model: model, timeout: timeout, log: log.Named("ai")}
}

// Enabled reports whether a model is configured
func (s *Service) Enabled() bool {
	return s != nil && s.model != nil
}

func errDisabled() error {
	return errors.Unavailable("AI service not configured")
}

// AnalyzeReport summarizes a report image, PDF or text file
func (s *Service) AnalyzeReport(ctx context.Context, data []byte, mimeType string) (*ReportAnalysis, error) {
	if !s.Enabled() {
		return nil, errDisabled()
	}

	var out ReportAnalysis
	err := s.generate(ctx, "analyze_report", reportSystemPrompt, reportPrompt, &File{Data: data, MIMEType: mimeType}, &out)
	if err != nil {
		return nil, err
	}
	if out.Disclaimer == "" {
		out.Disclaimer = disclaimer
	}
	return &out, nil
}

// Explainer builds a storyboard explaining a medicine in plain language
func (s *Service) Explainer(ctx context.Context, req ExplainerRequest) (*Storyboard, error) {
	if !s.Enabled() {
		return nil, errDisabled()
	}

	prompt := fmt.Sprintf("Medicine: %s\n", req.MedicineName)
	if ctxText := strings.TrimSpace(req.ReportContext); ctxText != "" {
		prompt += fmt.Sprintf("Patient report context: %s\n", ctxText)
	}

	var out Storyboard
	if err := s.generate(ctx, "explainer", explainerSystemPrompt, prompt, nil, &out); err != nil {
		return nil, err
	}
	if out.Medicine == "" {
		out.Medicine = req.MedicineName
	}
	return &out, nil
}

// SafetyCheck checks newMed against the patient's history
func (s *Service) SafetyCheck(ctx context.Context, newMed string, patientHistory any) (*SafetyAnalysis, error) {
	if !s.Enabled() {
		return nil, errDisabled()
	}

	history, err := json.Marshal(patientHistory)
	if err != nil {
		return nil, errors.BadRequest("invalid patient history")
	}
	prompt := fmt.Sprintf("New medicine: %s\nPatient history (JSON): %s\n", newMed, history)

	var out SafetyAnalysis
	if err := s.generate(ctx, "safety_check", safetySystemPrompt, prompt, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *Service) generate(ctx context.Context, op, system, prompt string, file *File, out any) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	start := time.Now()
	text, err := s.model.GenerateJSON(ctx, system, prompt, file)
	if err == nil {
		err = decodeJSON(text, out)
	}
	metrics.RecordAIRequest(op, err, time.Since(start))

	if err != nil {
		s.log.Warn("AI request failed", zap.String("operation", op), zap.Error(err))
		return errors.Wrap(err, "AI request failed")
	}
	return nil
}

// decodeJSON tolerates markdown code fences around the JSON body.
func decodeJSON(text string, out any) error {
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```json")
		text = strings.TrimPrefix(text, "```")
		text = strings.TrimSuffix(strings.TrimSpace(text), "```")
	}
	if err := json.Unmarshal([]byte(text), out); err != nil {
		return fmt.Errorf("invalid JSON from model: %w", err)
	}
	return nil
}

const reportSystemPrompt = `You are a medical report assistant for patients in India.
Read the attached report and answer with JSON only, using exactly these keys:
{"summary_text": string, "key_findings": [string], "mentioned_medicines": [string],
 "abnormal_values": [{"name": string, "value": string, "reference_range": string}],
 "recommendations": [string], "disclaimer": string}
Use simple language. Never invent values that are not in the report.`

const reportPrompt = "Summarize this medical report."

const explainerSystemPrompt = `You write short animated explainers about medicines for patients.
Answer with JSON only: {"title": string, "medicine": string,
 "scenes": [{"caption": string, "narration": string, "visual": string}]}
Use 4 to 6 scenes covering what the medicine is for, how to take it, common side effects
and when to call a doctor. Keep narration under 40 words per scene.`

const safetySystemPrompt = `You are a clinical pharmacology assistant helping a doctor.
Check the new medicine against the patient's allergies, chronic conditions and current medicines.
Answer with JSON only: {"safe": boolean, "risk_level": "low"|"medium"|"high",
 "interactions": [{"with": string, "severity": string, "description": string}],
 "warnings": [string], "recommendation": string}`
