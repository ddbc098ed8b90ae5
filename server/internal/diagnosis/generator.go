package diagnosis

import (
	"context"
	"fmt"

	"google.golang.org/genai"
)

// Request is one generation call.
type Request struct {
	// System is the system instruction.
	System string
	// Prompt is the user turn.
	Prompt string
	// JSON asks the model for an application/json response.
	JSON bool
}

// Generator produces text from a prompt.
type Generator interface {
	Generate(ctx context.Context, req Request) (string, error)
}

// GenAIConfig selects the backend and model for GenAI.
type GenAIConfig struct {
	// Backend is "gemini" (API key) or "vertex" (project and location).
	Backend  string
	APIKey   string
	Project  string
	Location string
	Model    string
}

// GenAI is a Generator backed by google.golang.org/genai.
type GenAI struct {
	client *genai.Client
	model  string
}

// NewGenAI creates the client for cfg.Backend.
func NewGenAI(ctx context.Context, cfg GenAIConfig) (*GenAI, error) {
	cc := &genai.ClientConfig{}
	switch cfg.Backend {
	case "vertex":
		if cfg.Project == "" {
			return nil, fmt.Errorf("diagnosis: vertex backend requires a project")
		}
		cc.Backend = genai.BackendVertexAI
		cc.Project = cfg.Project
		cc.Location = cfg.Location
	default:
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("diagnosis: gemini API key is required")
		}
		cc.Backend = genai.BackendGeminiAPI
		cc.APIKey = cfg.APIKey
	}

	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("diagnosis: create genai client: %w", err)
	}
	return &GenAI{client: client, model: cfg.Model}, nil
}

// Generate sends one single-turn request and returns the response text.
func (g *GenAI) Generate(ctx context.Context, req Request) (string, error) {
	gc := &genai.GenerateContentConfig{}
	if req.System != "" {
		gc.SystemInstruction = genai.NewContentFromText(req.System, genai.RoleUser)
	}
	if req.JSON {
		gc.ResponseMIMEType = "application/json"
	}

	resp, err := g.client.Models.GenerateContent(ctx, g.model, genai.Text(req.Prompt), gc)
	if err != nil {
		return "", fmt.Errorf("diagnosis: generate with %s: %w", g.model, err)
	}
	text := resp.Text()
	if text == "" {
		return "", fmt.Errorf("diagnosis: %s returned no text", g.model)
	}
	return text, nil
}
