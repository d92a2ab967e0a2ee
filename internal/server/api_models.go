package server

import (
	"github.com/raysh454/uatu/internal/app"
	"github.com/raysh454/uatu/internal/registry"
	"github.com/raysh454/uatu/internal/store"
)

// StartRunRequest starts an audit. Only Input is required.
type StartRunRequest struct {
	Input        string `json:"input"`
	Ecosystem    string `json:"ecosystem,omitempty"`
	BaselinePath string `json:"baseline,omitempty"`
	WeightsPath  string `json:"weights,omitempty"`
	StaticMode   string `json:"static_mode,omitempty"`
	LLMMode      string `json:"llm_mode,omitempty"`
}

func (r StartRunRequest) spec() app.RunSpec {
	return app.RunSpec{
		Input:        r.Input,
		Ecosystem:    r.Ecosystem,
		BaselinePath: r.BaselinePath,
		WeightsPath:  r.WeightsPath,
		StaticMode:   r.StaticMode,
		LLMMode:      r.LLMMode,
	}
}

// RunDetails merges the registry row with the live job, when one exists.
type RunDetails struct {
	Run    *registry.Run `json:"run,omitempty"`
	Job    *app.Job      `json:"job,omitempty"`
	Status *store.Status `json:"status,omitempty"`
}

// ErrorResponse is a uniform error payload returned by the API.
type ErrorResponse struct {
	Error string `json:"error"`
}
