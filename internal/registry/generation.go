package registry

import (
	"regexp"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/basket/lagbot/internal/plugin"
)

type trigger struct {
	re      *regexp.Regexp
	pattern string
	unit    plugin.Unit
}

// Rejection records a discovered unit that did not make it into a generation.
type Rejection struct {
	Unit   string
	Reason string
}

// Generation is one immutable build of the dispatch tables. It is never
// modified after it has been published.
type Generation struct {
	id       string
	builtAt  time.Time
	commands map[string]plugin.Unit
	keys     []string // commands in registration order
	triggers []trigger
	handlers []plugin.Unit
	units    []string
	rejected []Rejection
}

func newGeneration() *Generation {
	return &Generation{
		id:       uuid.NewString(),
		builtAt:  time.Now().UTC(),
		commands: make(map[string]plugin.Unit),
	}
}

// Empty returns a generation with no units.
func Empty() *Generation {
	return newGeneration()
}

func (g *Generation) ID() string {
	if g == nil {
		return ""
	}
	return g.id
}

func (g *Generation) BuiltAt() time.Time {
	if g == nil {
		return time.Time{}
	}
	return g.builtAt
}

// Command returns the unit bound to keyword.
func (g *Generation) Command(keyword string) (plugin.Unit, bool) {
	if g == nil {
		return nil, false
	}
	u, ok := g.commands[keyword]
	return u, ok
}

// MatchTrigger returns the unit owning the first pattern found anywhere in text.
func (g *Generation) MatchTrigger(text string) (plugin.Unit, bool) {
	if g == nil {
		return nil, false
	}
	for _, t := range g.triggers {
		if t.re.MatchString(text) {
			return t.unit, true
		}
	}
	return nil, false
}

// Handlers returns the passive handlers in registration order.
func (g *Generation) Handlers() []plugin.Unit {
	if g == nil {
		return nil
	}
	return slices.Clone(g.handlers)
}

func (g *Generation) CommandKeys() []string {
	if g == nil {
		return nil
	}
	return slices.Clone(g.keys)
}

func (g *Generation) TriggerPatterns() []string {
	if g == nil {
		return nil
	}
	out := make([]string, len(g.triggers))
	for i, t := range g.triggers {
		out[i] = t.pattern
	}
	return out
}

func (g *Generation) HandlerNames() []string {
	if g == nil {
		return nil
	}
	out := make([]string, len(g.handlers))
	for i, h := range g.handlers {
		out[i] = h.Name()
	}
	return out
}

// Units returns the names of every unit active in this generation.
func (g *Generation) Units() []string {
	if g == nil {
		return nil
	}
	return slices.Clone(g.units)
}

// Rejected returns the units excluded while building this generation.
func (g *Generation) Rejected() []Rejection {
	if g == nil {
		return nil
	}
	return slices.Clone(g.rejected)
}

// IsEmpty reports whether the generation holds no units.
func (g *Generation) IsEmpty() bool {
	return g == nil || len(g.units) == 0
}
