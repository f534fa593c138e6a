package planner

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/quarrylab/quarry/internal/llm"
)

type stubGenerator struct {
	text  string
	err   error
	calls []llm.GenerateRequest
}

func (s *stubGenerator) Generate(_ context.Context, req llm.GenerateRequest) (*llm.GenerateResult, error) {
	s.calls = append(s.calls, req)
	if s.err != nil {
		return nil, s.err
	}
	return &llm.GenerateResult{
		Text:  s.text,
		Usage: llm.Usage{InputUnits: 120, OutputUnits: 60},
	}, nil
}

func TestDecompose(t *testing.T) {
	gen := &stubGenerator{text: `["당근알바 시장점유율", "당근알바 사용자 수 2025", "알바몬 거래액", "당근마켓 구인 서비스 출시"]`}
	p := New(gen, zap.NewNop())

	queries, fallback := p.Decompose(context.Background(), "당근알바의 시장 내 위치는?", "당근마켓 구인구직 서비스")
	require.False(t, fallback)
	require.Len(t, queries, 4)
	assert.Equal(t, "당근알바 시장점유율", queries[0])

	require.Len(t, gen.calls, 1)
	assert.Zero(t, gen.calls[0].Temperature)
	assert.Equal(t, "queries", gen.calls[0].Purpose)
	assert.Contains(t, gen.calls[0].Prompt, "당근알바의 시장 내 위치는?")
	assert.Contains(t, gen.calls[0].Prompt, "당근마켓 구인구직 서비스")
}

func TestDecomposeFencedOutput(t *testing.T) {
	gen := &stubGenerator{text: "Here are the queries:\n```json\n[\"salesforce market share 2025\", \"salesforce revenue Q1\"]\n```"}
	p := New(gen, zap.NewNop())

	queries, fallback := p.Decompose(context.Background(), "How dominant is Salesforce?", "")
	require.False(t, fallback)
	assert.Equal(t, []string{"salesforce market share 2025", "salesforce revenue Q1"}, queries)
}

func TestDecomposeProseWrappedArray(t *testing.T) {
	gen := &stubGenerator{text: `Sure. ["eu carbon tax 2026", "eu ets price"] Those should work.`}
	p := New(gen, zap.NewNop())

	queries, fallback := p.Decompose(context.Background(), "What is the EU carbon tax outlook?", "")
	require.False(t, fallback)
	assert.Equal(t, []string{"eu carbon tax 2026", "eu ets price"}, queries)
}

func TestDecomposeMalformedFallsBack(t *testing.T) {
	for _, text := range []string{
		"I cannot help with that.",
		`{"queries": "not an array"}`,
		`[1, 2, 3]`,
		`[]`,
	} {
		gen := &stubGenerator{text: text}
		p := New(gen, zap.NewNop())

		queries, fallback := p.Decompose(context.Background(), "What drives chip demand?", "")
		assert.True(t, fallback, "text: %s", text)
		assert.Equal(t, []string{"What drives chip demand?"}, queries)
	}
}

func TestDecomposeGeneratorErrorFallsBack(t *testing.T) {
	gen := &stubGenerator{err: errors.New("service unavailable")}
	p := New(gen, zap.NewNop())

	queries, fallback := p.Decompose(context.Background(), "What drives chip demand?", "")
	assert.True(t, fallback)
	assert.Equal(t, []string{"What drives chip demand?"}, queries)
}

func TestDecomposeFiltersEchoAndDuplicates(t *testing.T) {
	question := "What drives chip demand?"
	gen := &stubGenerator{text: `["What drives chip demand?", "ai accelerator shipments", "ai accelerator shipments", "  ", "hbm memory demand 2026"]`}
	p := New(gen, zap.NewNop())

	queries, fallback := p.Decompose(context.Background(), question, "")
	require.False(t, fallback)
	assert.Equal(t, []string{"ai accelerator shipments", "hbm memory demand 2026"}, queries)
}

func TestDecomposeCapsAtSix(t *testing.T) {
	gen := &stubGenerator{text: `["q1","q2","q3","q4","q5","q6","q7","q8"]`}
	p := New(gen, zap.NewNop())

	queries, fallback := p.Decompose(context.Background(), "Broad question?", "")
	require.False(t, fallback)
	assert.Len(t, queries, 6)
	assert.Equal(t, "q6", queries[5])
}

func TestDecomposeAllEchoesFallsBack(t *testing.T) {
	question := "What drives chip demand?"
	gen := &stubGenerator{text: `["What drives chip demand?"]`}
	p := New(gen, zap.NewNop())

	queries, fallback := p.Decompose(context.Background(), question, "")
	assert.True(t, fallback)
	assert.Equal(t, []string{question}, queries)
}
