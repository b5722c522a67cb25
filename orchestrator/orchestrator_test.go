package orchestrator_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/JohnPlummer/jp-go-apiclient/orchestrator"
)

type completion struct {
	prompt      string
	system      string
	temperature float64
}

// scriptedCompleter answers each call with the next scripted reply.
type scriptedCompleter struct {
	calls   []completion
	replies []string
	failOn  int
	err     error
}

func (s *scriptedCompleter) Complete(_ context.Context, prompt, system string, temperature float64) (string, error) {
	s.calls = append(s.calls, completion{prompt: prompt, system: system, temperature: temperature})
	if s.err != nil && len(s.calls) == s.failOn {
		return "", s.err
	}
	return s.replies[len(s.calls)-1], nil
}

var _ = Describe("ParseInput", func() {
	It("splits region and question at the first separator", func() {
		region, question := orchestrator.ParseInput("东南亚及跨境电商物流及仓储")
		Expect(region).To(Equal("东南亚"))
		Expect(question).To(Equal("跨境电商物流及仓储"))
	})

	It("defaults the region", func() {
		region, question := orchestrator.ParseInput("cross-border payments")
		Expect(region).To(Equal(orchestrator.DefaultRegion))
		Expect(question).To(Equal("cross-border payments"))
	})
})

var _ = Describe("ParseConcepts", func() {
	It("reads both lines", func() {
		concepts, industry := orchestrator.ParseConcepts("Some preamble\nCore concepts: logistics, customs\nIndustry: e-commerce\n")
		Expect(concepts).To(Equal("logistics, customs"))
		Expect(industry).To(Equal("e-commerce"))
	})

	It("accepts full-width colons and the original labels", func() {
		concepts, industry := orchestrator.ParseConcepts("核心概念：跨境支付\n所属行业：金融科技")
		Expect(concepts).To(Equal("跨境支付"))
		Expect(industry).To(Equal("金融科技"))
	})

	It("falls back when lines are missing or empty", func() {
		concepts, industry := orchestrator.ParseConcepts("Industry:\nnothing useful")
		Expect(concepts).To(Equal(orchestrator.Unidentified))
		Expect(industry).To(Equal(orchestrator.Unidentified))
	})
})

var _ = Describe("Orchestrator", func() {
	var (
		completer *scriptedCompleter
		orch      *orchestrator.Orchestrator
		ctx       context.Context
	)

	BeforeEach(func() {
		completer = &scriptedCompleter{replies: []string{
			"Core concepts: logistics\nIndustry: shipping",
			"market research",
			"solution plan",
			"provider list",
		}}
		orch = orchestrator.New(completer, orchestrator.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
		ctx = context.Background()
	})

	It("runs every stage in order", func() {
		var stages []orchestrator.Stage
		report, err := orch.Analyze(ctx, "Europe及cold chain shipping", func(stage orchestrator.Stage, _ string) {
			stages = append(stages, stage)
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(stages).To(Equal([]orchestrator.Stage{
			orchestrator.StageParse,
			orchestrator.StageConcept,
			orchestrator.StageResearch,
			orchestrator.StageSolution,
			orchestrator.StageProviders,
			orchestrator.StageReport,
		}))

		Expect(report.Region).To(Equal("Europe"))
		Expect(report.Question).To(Equal("cold chain shipping"))
		Expect(report.Concepts).To(Equal("logistics"))
		Expect(report.Industry).To(Equal("shipping"))
		Expect(report.Research).To(Equal("market research"))
		Expect(report.Solution).To(Equal("solution plan"))
		Expect(report.Providers).To(Equal("provider list"))
	})

	It("feeds earlier results into later prompts", func() {
		_, err := orch.Analyze(ctx, "Europe及cold chain shipping", nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(completer.calls).To(HaveLen(4))

		Expect(completer.calls[0].prompt).To(ContainSubstring("cold chain shipping"))
		Expect(completer.calls[1].prompt).To(ContainSubstring("Concept: logistics"))
		Expect(completer.calls[1].prompt).To(ContainSubstring("Region: Europe"))
		Expect(completer.calls[2].prompt).To(ContainSubstring("Industry: shipping"))
		Expect(completer.calls[3].prompt).To(ContainSubstring("Industry: shipping"))

		temps := make([]float64, 0, 4)
		for _, c := range completer.calls {
			Expect(c.system).NotTo(BeEmpty())
			temps = append(temps, c.temperature)
		}
		Expect(temps).To(Equal([]float64{0.3, 0.5, 0.5, 0.3}))
	})

	It("stops at the first failing stage", func() {
		boom := errors.New("llm unavailable")
		completer.failOn = 2
		completer.err = boom

		report, err := orch.Analyze(ctx, "payments", nil)
		Expect(report).To(BeNil())
		Expect(errors.Is(err, boom)).To(BeTrue())

		var stageErr *orchestrator.StageError
		Expect(errors.As(err, &stageErr)).To(BeTrue())
		Expect(stageErr.Stage).To(Equal(orchestrator.StageResearch))
		Expect(completer.calls).To(HaveLen(2))
	})

	It("renders a report with the disclaimer", func() {
		report, err := orch.Analyze(ctx, "payments", nil)
		Expect(err).NotTo(HaveOccurred())

		text := report.String()
		Expect(text).To(HavePrefix("Cross-border Analysis Report"))
		Expect(text).To(ContainSubstring("Region: Global"))
		Expect(text).To(ContainSubstring("provider list"))
		Expect(strings.TrimSpace(text)).To(HaveSuffix("not investment or business advice."))
	})
})
