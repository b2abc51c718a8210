// Package transcribe turns a vocal track into time-stamped lyrics by trying
// speech engines in order and falling back to a placeholder line.
package transcribe

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/makeasinger/pitchtrainer/internal/model"
)

var (
	// ErrNoSegments means the engine ran but recognized nothing.
	ErrNoSegments = errors.New("no segments recognized")
	// ErrEngineUnavailable means the engine is not configured or reachable.
	ErrEngineUnavailable = errors.New("engine unavailable")
)

// PlaceholderText is the single lyric line used when every engine fails.
const PlaceholderText = "lyrics unavailable"

// Strategy is one transcription engine in the fallback chain. Any error
// tells the chain to try the next strategy.
type Strategy interface {
	Name() string
	Transcribe(ctx context.Context, vocals, workDir string) (model.TimedLyrics, error)
}

// Attempt records one failed strategy.
type Attempt struct {
	Engine string
	Err    error
}

// Result is the outcome of a chain run. Lyrics is never empty.
type Result struct {
	Lyrics   model.TimedLyrics
	Engine   string
	Degraded bool
	Enhanced bool
	Attempts []Attempt
}

// Placeholder always succeeds with a single marker line at 0s.
type Placeholder struct{}

func (Placeholder) Name() string { return "placeholder" }

func (Placeholder) Transcribe(context.Context, string, string) (model.TimedLyrics, error) {
	return model.TimedLyrics{{Start: 0, Text: PlaceholderText}}, nil
}

// Chain runs strategies in order until one yields lines.
type Chain struct {
	strategies []Strategy
	enhancer   *Enhancer
	timeout    time.Duration
	logger     *slog.Logger
}

// NewChain builds a chain over strategies. A Placeholder is appended when
// the list does not already end with one. enhancer may be nil.
func NewChain(logger *slog.Logger, enhancer *Enhancer, strategies ...Strategy) *Chain {
	if logger == nil {
		logger = slog.Default()
	}
	list := append([]Strategy(nil), strategies...)
	if len(list) == 0 || !isPlaceholder(list[len(list)-1]) {
		list = append(list, Placeholder{})
	}
	return &Chain{strategies: list, enhancer: enhancer, logger: logger}
}

// WithStrategyTimeout bounds each engine call, and the enhancement call, to
// d. Zero leaves them bounded only by the caller's context.
func (c *Chain) WithStrategyTimeout(d time.Duration) *Chain {
	c.timeout = d
	return c
}

// EngineCalls is the number of external calls one run can make: one per
// engine plus the enhancement.
func (c *Chain) EngineCalls() int {
	n := 0
	for _, s := range c.strategies {
		if !isPlaceholder(s) {
			n++
		}
	}
	if c.enhancer != nil {
		n++
	}
	return n
}

// Names lists the strategies in the order they are tried.
func (c *Chain) Names() []string {
	names := make([]string, len(c.strategies))
	for i, s := range c.strategies {
		names[i] = s.Name()
	}
	return names
}

// Run transcribes vocals. It always returns non-empty, start-ordered lyrics.
func (c *Chain) Run(ctx context.Context, vocals, workDir string) Result {
	var attempts []Attempt
	for _, s := range c.strategies {
		lines, err := c.transcribe(ctx, s, vocals, workDir)
		if err == nil && len(lines) == 0 {
			err = ErrNoSegments
		}
		if err != nil {
			c.logger.Warn("transcription engine failed, trying next",
				slog.String("engine", s.Name()),
				slog.String("error", err.Error()),
			)
			attempts = append(attempts, Attempt{Engine: s.Name(), Err: err})
			continue
		}

		lines = append(model.TimedLyrics(nil), lines...)
		SortLines(lines)
		res := Result{Lyrics: lines, Engine: s.Name(), Attempts: attempts}

		if isPlaceholder(s) {
			res.Degraded = true
			return res
		}
		if c.enhancer != nil {
			enhanced, err := c.enhance(ctx, lines)
			if err != nil {
				c.logger.Warn("lyric enhancement skipped", slog.String("error", err.Error()))
			} else {
				res.Lyrics = enhanced
				res.Enhanced = true
			}
		}
		return res
	}

	// Unreachable while the chain ends with a Placeholder.
	lines, _ := Placeholder{}.Transcribe(ctx, vocals, workDir)
	return Result{Lyrics: lines, Engine: Placeholder{}.Name(), Degraded: true, Attempts: attempts}
}

func (c *Chain) transcribe(ctx context.Context, s Strategy, vocals, workDir string) (model.TimedLyrics, error) {
	if isPlaceholder(s) || c.timeout <= 0 {
		return s.Transcribe(ctx, vocals, workDir)
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return s.Transcribe(ctx, vocals, workDir)
}

func (c *Chain) enhance(ctx context.Context, lines model.TimedLyrics) (model.TimedLyrics, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	return c.enhancer.Enhance(ctx, lines)
}

func isPlaceholder(s Strategy) bool {
	_, ok := s.(Placeholder)
	return ok
}
