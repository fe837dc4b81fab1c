package agent

import (
	"bytes"
	"embed"
	"fmt"
	"strings"
	"text/template"
)

//go:embed prompts/*.tmpl
var promptFS embed.FS

var prompts = template.Must(template.ParseFS(promptFS, "prompts/*.tmpl"))

// Role is one prompt persona with its own sampling settings.
type Role struct {
	Name        string
	System      string
	Temperature float64
	TopP        float64
}

// Sampling holds the temperature of each role and a shared top_p.
type Sampling struct {
	Planner float64
	Writer  float64
	Revisor float64
	Refiner float64
	TopP    float64
}

// DefaultSampling returns the settings the prompts were tuned with.
func DefaultSampling() Sampling {
	return Sampling{Planner: 0.2, Writer: 0.1, Revisor: 0.5, Refiner: 0.2, TopP: 0.9}
}

type roles struct {
	planner Role
	writer  Role
	revisor Role
	refiner Role
}

func newRoles(s Sampling) roles {
	return roles{
		planner: Role{
			Name:        "planner",
			System:      "You are an expert in machine learning, and you excel at planning machine learning code generation tasks.",
			Temperature: s.Planner,
			TopP:        s.TopP,
		},
		writer: Role{
			Name:        "writer",
			System:      "You are an expert in code generation related to machine learning tasks, and you excel in code generation tasks within the field of machine learning.",
			Temperature: s.Writer,
			TopP:        s.TopP,
		},
		revisor: Role{
			Name:        "revisor",
			System:      "You are a code expert, skilled at fixing errors in code.",
			Temperature: s.Revisor,
			TopP:        s.TopP,
		},
		refiner: Role{
			Name:        "refiner",
			System:      "You are a code expert, skilled in modifying and correcting erroneous code.",
			Temperature: s.Refiner,
			TopP:        s.TopP,
		},
	}
}

type promptData struct {
	Task        string
	Prior       string
	Header      string
	Artifact    string
	Diagnostics string
}

func render(name string, data promptData) (string, error) {
	var buf bytes.Buffer
	if err := prompts.ExecuteTemplate(&buf, name+".tmpl", data); err != nil {
		return "", fmt.Errorf("agent: render %s prompt: %w", name, err)
	}
	return strings.TrimSpace(buf.String()), nil
}
