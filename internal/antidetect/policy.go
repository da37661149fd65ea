// Package antidetect spaces and perturbs outgoing campaign messages so a blast does not
// look like a fixed-interval broadcast of identical bytes.
package antidetect

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"blast/internal/domain"
	"blast/internal/util"
)

const (
	DefaultDelayMin  = 10 * time.Second
	DefaultDelayMax  = 60 * time.Second
	DefaultTypingMin = 2 * time.Second
	DefaultTypingMax = 5 * time.Second
)

var DefaultTokens = []string{"{{name}}", "{{nama}}"}

// Presence is the slice of the gateway used for typing simulation.
type Presence interface {
	SetPresence(ctx context.Context, destination string, state domain.Presence) error
}

type Policy struct {
	DelayMin   time.Duration
	DelayMax   time.Duration
	TypingMin  time.Duration
	TypingMax  time.Duration
	Tokens     []string
	Variations []Variation

	rngMu sync.Mutex
	rng   *rand.Rand
}

// New returns a policy with the default timing, tokens and variation pool.
func New(seed int64) *Policy {
	return &Policy{
		DelayMin:   DefaultDelayMin,
		DelayMax:   DefaultDelayMax,
		TypingMin:  DefaultTypingMin,
		TypingMax:  DefaultTypingMax,
		Tokens:     DefaultTokens,
		Variations: DefaultVariations(),
		rng:        rand.New(rand.NewSource(seed)),
	}
}

// NextDelay returns a uniformly distributed duration in [min, max].
func (p *Policy) NextDelay(min, max time.Duration) time.Duration {
	if min < 0 {
		min = 0
	}
	if max < 0 {
		max = 0
	}
	if max < min {
		min, max = max, min
	}
	if max == min {
		return min
	}
	return min + time.Duration(p.int63n(int64(max-min)+1))
}

// DelayFor resolves a campaign's own range against the policy defaults.
func (p *Policy) DelayFor(r domain.DelayRange) time.Duration {
	min, max := p.DelayMin, p.DelayMax
	if r.MinSeconds > 0 {
		min = time.Duration(r.MinSeconds) * time.Second
	}
	if r.MaxSeconds > 0 {
		max = time.Duration(r.MaxSeconds) * time.Second
	}
	return p.NextDelay(min, max)
}

func (p *Policy) Personalize(template string, c domain.Contact) string {
	tokens := p.Tokens
	if len(tokens) == 0 {
		tokens = DefaultTokens
	}
	return util.RenderTemplate(template, tokens, c.Name)
}

func (p *Policy) ApplyVariation(msg string) string {
	if len(p.Variations) == 0 {
		return msg
	}
	return msg + pickWeighted(p.float64(), p.Variations)
}

// Compose personalizes then varies; the variation never touches the token replacement.
func (p *Policy) Compose(template string, c domain.Contact) string {
	return p.ApplyVariation(p.Personalize(template, c))
}

func (p *Policy) ComposingDuration() time.Duration {
	return p.NextDelay(p.TypingMin, p.TypingMax)
}

// SimulateComposing shows "typing" to destination for d, then "paused". Presence errors are
// logged and swallowed. It returns false when cancel fired before d elapsed.
func (p *Policy) SimulateComposing(ctx context.Context, gw Presence, destination string, d time.Duration, cancel <-chan struct{}) bool {
	if err := gw.SetPresence(ctx, destination, domain.PresenceComposing); err != nil {
		slog.Warn("set presence failed", "err", err, "destination", destination, "state", domain.PresenceComposing)
	}

	completed := true
	if d > 0 {
		t := time.NewTimer(d)
		select {
		case <-t.C:
		case <-cancel:
			t.Stop()
			completed = false
		case <-ctx.Done():
			t.Stop()
			completed = false
		}
	}

	if err := gw.SetPresence(ctx, destination, domain.PresencePaused); err != nil {
		slog.Warn("set presence failed", "err", err, "destination", destination, "state", domain.PresencePaused)
	}
	return completed
}

func (p *Policy) int63n(n int64) int64 {
	p.rngMu.Lock()
	defer p.rngMu.Unlock()
	p.ensureRand()
	return p.rng.Int63n(n)
}

func (p *Policy) float64() float64 {
	p.rngMu.Lock()
	defer p.rngMu.Unlock()
	p.ensureRand()
	return p.rng.Float64()
}

func (p *Policy) ensureRand() {
	if p.rng == nil {
		p.rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
}
