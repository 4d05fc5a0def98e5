// Package structure detects the chapter tree of a tender document with competing strategies.
package structure

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tenderflow/backend/internal/document"
	"github.com/tenderflow/backend/internal/metrics"
	"github.com/tenderflow/backend/pkg/logger"
)

const (
	MethodOutline        = "outline_level"
	MethodTocExact       = "toc_exact"
	MethodLayout         = "layout_service"
	MethodAI             = "ai_vision"
	MethodSemanticAnchor = "semantic_anchor"
)

// Input is one uploaded file. Doc is parsed on first use when not supplied.
type Input struct {
	Name string
	Data []byte
	Doc  *document.Document

	once   sync.Once
	docErr error
}

func (in *Input) Document(ctx context.Context) (*document.Document, error) {
	in.once.Do(func() {
		if in.Doc != nil {
			return
		}
		p, err := document.ParserFor(in.Name)
		if err != nil {
			in.docErr = err
			return
		}
		in.Doc, in.docErr = p.Parse(ctx, in.Name, in.Data)
	})
	return in.Doc, in.docErr
}

type Strategy interface {
	Name() string
	Parse(ctx context.Context, in *Input) (*Tree, map[string]int, error)
}

type Statistics struct {
	TotalChapters int            `json:"total_chapters"`
	MaxDepth      int            `json:"max_depth"`
	ByLevel       map[int]int    `json:"by_level"`
	Extra         map[string]int `json:"extra,omitempty"`
}

type Performance struct {
	ElapsedMS int64 `json:"elapsed_ms"`
}

type Result struct {
	Method      string      `json:"method"`
	Success     bool        `json:"success"`
	Disabled    bool        `json:"disabled,omitempty"`
	Chapters    []Node      `json:"chapters"`
	Statistics  Statistics  `json:"statistics"`
	Performance Performance `json:"performance"`
	Error       string      `json:"error,omitempty"`

	Tree *Tree `json:"-"`
}

// Titles flattens the detected chapters in document order.
func (r Result) Titles() []string {
	if r.Tree == nil {
		return nil
	}
	return r.Tree.Titles()
}

// Run executes one strategy. Errors, panics and timeouts become an unsuccessful Result.
func Run(ctx context.Context, s Strategy, in *Input, timeout time.Duration) (res Result) {
	start := time.Now()
	res = Result{Method: s.Name(), Chapters: []Node{}}

	defer func() {
		if r := recover(); r != nil {
			logger.Error("Structure strategy panicked",
				zap.String("method", s.Name()),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()),
			)
			res = Result{Method: s.Name(), Chapters: []Node{}, Error: fmt.Sprintf("panic: %v", r)}
		}
		res.Performance.ElapsedMS = time.Since(start).Milliseconds()
		metrics.ParserStrategyDuration.WithLabelValues(res.Method, fmt.Sprint(res.Success)).Observe(time.Since(start).Seconds())
	}()

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	type outcome struct {
		tree  *Tree
		extra map[string]int
		err   error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("panic: %v", r)}
			}
		}()
		tree, extra, err := s.Parse(ctx, in)
		done <- outcome{tree, extra, err}
	}()

	var out outcome
	select {
	case out = <-done:
	case <-ctx.Done():
		out = outcome{err: fmt.Errorf("strategy timed out: %w", ctx.Err())}
	}

	if out.err != nil {
		res.Error = out.err.Error()
		logger.Warn("Structure strategy failed", zap.String("method", res.Method), zap.Error(out.err))
		return res
	}
	if out.tree == nil {
		out.tree = &Tree{}
	}

	res.Success = true
	res.Tree = out.tree
	res.Chapters = out.tree.Nodes()
	res.Statistics = Statistics{
		TotalChapters: len(out.tree.Chapters),
		MaxDepth:      out.tree.MaxDepth(),
		ByLevel:       map[int]int{},
		Extra:         out.extra,
	}
	for _, c := range out.tree.Chapters {
		res.Statistics.ByLevel[c.Level]++
	}
	return res
}
