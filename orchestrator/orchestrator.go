// Package orchestrator runs the cross-border analysis pipeline: concept analysis, market
// research, solution planning and provider recommendation, each one LLM completion.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/JohnPlummer/jp-go-apiclient/llm"
)

// Stage names one step of the pipeline.
type Stage string

const (
	StageParse     Stage = "parse"
	StageConcept   Stage = "concept"
	StageResearch  Stage = "research"
	StageSolution  Stage = "solution"
	StageProviders Stage = "providers"
	StageReport    Stage = "report"
)

// DefaultRegion is used when the input names no region.
const DefaultRegion = "Global"

// Unidentified stands in for concepts or industry the model did not name.
const Unidentified = "unidentified"

// regionSeparator splits "<region>及<question>".
const regionSeparator = "及"

// ProgressFunc is told when each stage starts.
type ProgressFunc func(stage Stage, message string)

// StageError reports which stage failed.
type StageError struct {
	Stage Stage
	Err   error
}

// Error implements the error interface.
func (e *StageError) Error() string {
	return fmt.Sprintf("%s stage failed: %v", e.Stage, e.Err)
}

// Unwrap returns the stage's error.
func (e *StageError) Unwrap() error {
	return e.Err
}

// Report is the combined pipeline output.
type Report struct {
	Region    string `json:"region"`
	Question  string `json:"question"`
	Concepts  string `json:"concepts"`
	Industry  string `json:"industry"`
	Research  string `json:"research"`
	Solution  string `json:"solution"`
	Providers string `json:"providers"`
}

const disclaimer = `Important:
1. This report is AI-generated; weigh it against your own circumstances.
2. Markets change quickly; refresh the analysis regularly.
3. Consult a domain expert before implementation.
4. This report is for reference only and is not investment or business advice.`

// String renders the report as plain text.
func (r Report) String() string {
	var b strings.Builder
	b.WriteString("Cross-border Analysis Report\n\n")
	fmt.Fprintf(&b, "Region: %s\n", r.Region)
	fmt.Fprintf(&b, "Core concepts: %s\n", r.Concepts)
	fmt.Fprintf(&b, "Industry: %s\n\n", r.Industry)
	fmt.Fprintf(&b, "Research:\n%s\n\n", r.Research)
	fmt.Fprintf(&b, "Solution:\n%s\n\n", r.Solution)
	fmt.Fprintf(&b, "Recommended providers:\n%s\n\n", r.Providers)
	b.WriteString(disclaimer)
	return b.String()
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the orchestrator's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) {
		o.logger = logger
	}
}

// Orchestrator runs the stages in order over one Completer.
type Orchestrator struct {
	llm    llm.Completer
	logger *slog.Logger
}

// New creates an Orchestrator.
func New(c llm.Completer, opts ...Option) *Orchestrator {
	o := &Orchestrator{llm: c, logger: slog.Default()}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	return o
}

// ParseInput splits "<region>及<question>" at the first separator. Input without a
// separator is all question, for the default region.
func ParseInput(input string) (region, question string) {
	if i := strings.Index(input, regionSeparator); i >= 0 {
		return input[:i], input[i+len(regionSeparator):]
	}
	return DefaultRegion, input
}

var (
	conceptsLine = regexp.MustCompile(`(?m)^[ \t]*(?:Core concepts?|核心概念)[ \t]*[:：][ \t]*(.*?)[ \t\r]*$`)
	industryLine = regexp.MustCompile(`(?m)^[ \t]*(?:Industry|所属行业)[ \t]*[:：][ \t]*(.*?)[ \t\r]*$`)
)

// ParseConcepts extracts the concepts and industry lines from a concept analysis.
// Missing or empty lines come back as Unidentified.
func ParseConcepts(result string) (concepts, industry string) {
	concepts, industry = Unidentified, Unidentified
	if m := conceptsLine.FindStringSubmatch(result); m != nil && m[1] != "" {
		concepts = m[1]
	}
	if m := industryLine.FindStringSubmatch(result); m != nil && m[1] != "" {
		industry = m[1]
	}
	return concepts, industry
}

type agent struct {
	system      string
	temperature float64
}

var (
	conceptAgent = agent{
		system:      "You are a professional concept analyst who excels at identifying and analysing core concepts.",
		temperature: 0.3,
	}
	researchAgent = agent{
		system:      "You are a professional research analyst who excels at analysing market conditions and trends.",
		temperature: 0.5,
	}
	solutionAgent = agent{
		system:      "You are a professional solutions expert who excels at implementation planning and feasibility assessment.",
		temperature: 0.5,
	}
	providerAgent = agent{
		system:      "You are a professional provider-matching expert who excels at finding the most suitable service providers.",
		temperature: 0.3,
	}
)

// Analyze runs the pipeline. The first failing stage aborts it with a *StageError.
func (o *Orchestrator) Analyze(ctx context.Context, input string, progress ProgressFunc) (*Report, error) {
	if progress == nil {
		progress = func(Stage, string) {}
	}

	progress(StageParse, "analysing the question")
	region, question := ParseInput(input)
	report := &Report{Region: region, Question: question}

	progress(StageConcept, "identifying core concepts")
	conceptResult, err := o.think(ctx, StageConcept, conceptAgent, fmt.Sprintf(
		"Analyse the following text and identify its core concepts and industry:\n%s\n\n"+
			"Answer in this format:\nCore concepts: [concepts]\nIndustry: [industry]", question))
	if err != nil {
		return nil, err
	}
	report.Concepts, report.Industry = ParseConcepts(conceptResult)

	progress(StageResearch, "researching the market")
	report.Research, err = o.think(ctx, StageResearch, researchAgent, fmt.Sprintf(
		"Analyse the following:\nConcept: %s\nRegion: %s\n\n"+
			"Provide:\n1. Current situation\n2. Trends\n3. Opportunities and challenges",
		report.Concepts, region))
	if err != nil {
		return nil, err
	}

	progress(StageSolution, "generating a solution")
	report.Solution, err = o.think(ctx, StageSolution, solutionAgent, fmt.Sprintf(
		"Draw up a solution for this scenario:\nConcept: %s\nRegion: %s\nIndustry: %s\n\n"+
			"Provide:\n1. Implementation steps\n2. Timeline\n3. Resource needs\n4. Risk assessment",
		report.Concepts, region, report.Industry))
	if err != nil {
		return nil, err
	}

	progress(StageProviders, "matching service providers")
	report.Providers, err = o.think(ctx, StageProviders, providerAgent, fmt.Sprintf(
		"Recommend high-quality service providers for this scenario:\nIndustry: %s\nRegion: %s\n\n"+
			"Provide:\n1. Recommended providers (at least 3)\n2. Reasons\n3. Collaboration advice",
		report.Industry, region))
	if err != nil {
		return nil, err
	}

	progress(StageReport, "writing the report")
	return report, nil
}

func (o *Orchestrator) think(ctx context.Context, stage Stage, a agent, prompt string) (string, error) {
	result, err := o.llm.Complete(ctx, prompt, a.system, a.temperature)
	if err != nil {
		o.logger.Warn("analysis stage failed", "stage", string(stage), "error", err)
		return "", &StageError{Stage: stage, Err: err}
	}
	o.logger.Debug("analysis stage complete", "stage", string(stage))
	return result, nil
}
