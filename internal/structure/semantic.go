package structure

import (
	"context"
	"errors"
)

var ErrStrategyDisabled = errors.New("strategy is disabled")

// SemanticAnchorStrategy is the retired keyword-anchor heuristic. It stays listed so comparison
// tables keep a stable column set, and always reports itself disabled.
type SemanticAnchorStrategy struct{}

func (SemanticAnchorStrategy) Name() string { return MethodSemanticAnchor }

func (SemanticAnchorStrategy) Parse(context.Context, *Input) (*Tree, map[string]int, error) {
	return nil, nil, ErrStrategyDisabled
}
