package plugin

import "context"

// Func adapts a function to Unit. Keys are reported through Commander and
// Triggerer; whether they are used depends on the capabilities the loader declares.
type Func struct {
	UnitName    string
	CommandKeys []string
	Patterns    []string
	Fn          func(ctx context.Context, c Client, ev Event) error
}

func (f *Func) Name() string { return f.UnitName }

func (f *Func) Commands() []string { return f.CommandKeys }

func (f *Func) Triggers() []string { return f.Patterns }

func (f *Func) Execute(ctx context.Context, c Client, ev Event) error {
	if f.Fn == nil {
		return nil
	}
	return f.Fn(ctx, c, ev)
}
