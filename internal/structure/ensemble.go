package structure

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tenderflow/backend/internal/llm"
	"github.com/tenderflow/backend/internal/prompts"
	"github.com/tenderflow/backend/pkg/config"
	"github.com/tenderflow/backend/pkg/logger"
)

// Ensemble runs every enabled strategy concurrently.
type Ensemble struct {
	strategies []Strategy
	timeout    time.Duration
}

func NewEnsemble(timeout time.Duration, strategies ...Strategy) *Ensemble {
	return &Ensemble{strategies: strategies, timeout: timeout}
}

// NewEnsembleFromConfig builds the strategies listed in parser.enabledStrategies. The semantic
// anchor entry is always appended, disabled.
func NewEnsembleFromConfig(cfg config.ParserConfig, client llm.Client, pm *prompts.Manager) *Ensemble {
	var strategies []Strategy
	for _, name := range cfg.EnabledStrategies {
		switch name {
		case MethodOutline:
			strategies = append(strategies, OutlineStrategy{})
		case MethodTocExact:
			strategies = append(strategies, TocExactStrategy{})
		case MethodLayout:
			strategies = append(strategies, NewLayoutStrategy(LayoutConfig{
				Endpoint: cfg.LayoutEndpoint,
				APIKey:   cfg.LayoutAPIKey,
				Model:    cfg.LayoutModel,
			}))
		case MethodAI:
			strategies = append(strategies, NewAIStrategy(client, pm, cfg.AIModel))
		default:
			logger.Warn("Unknown structure strategy ignored", zap.String("method", name))
		}
	}
	strategies = append(strategies, SemanticAnchorStrategy{})
	return NewEnsemble(cfg.StrategyTimeout, strategies...)
}

func (e *Ensemble) Methods() []string {
	out := make([]string, len(e.strategies))
	for i, s := range e.strategies {
		out[i] = s.Name()
	}
	return out
}

// Stream emits one Result per strategy in completion order and closes the channel after the last.
func (e *Ensemble) Stream(ctx context.Context, in *Input) <-chan Result {
	out := make(chan Result, len(e.strategies))
	var wg sync.WaitGroup

	for _, s := range e.strategies {
		if _, disabled := s.(SemanticAnchorStrategy); disabled {
			out <- Result{Method: s.Name(), Disabled: true, Chapters: []Node{}, Error: ErrStrategyDisabled.Error()}
			continue
		}
		wg.Add(1)
		go func(s Strategy) {
			defer wg.Done()
			out <- Run(ctx, s, in, e.timeout)
		}(s)
	}

	go func() {
		wg.Wait()
		close(out)
	}()
	return out
}

// RunAll collects every result, ordered as the strategies were registered.
func (e *Ensemble) RunAll(ctx context.Context, in *Input) []Result {
	byMethod := map[string]Result{}
	for r := range e.Stream(ctx, in) {
		byMethod[r.Method] = r
	}
	results := make([]Result, 0, len(e.strategies))
	for _, s := range e.strategies {
		results = append(results, byMethod[s.Name()])
	}
	return results
}
