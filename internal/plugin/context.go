package plugin

import "context"

// Class names the dispatch path that invoked a unit.
type Class string

const (
	ClassCommand Class = "command"
	ClassTrigger Class = "trigger"
	ClassHandler Class = "handler"
)

type classKey struct{}

// WithClass records the dispatch class for the duration of one Execute call.
func WithClass(ctx context.Context, c Class) context.Context {
	return context.WithValue(ctx, classKey{}, c)
}

// ClassOf returns the class a unit is being invoked under, or "" outside dispatch.
// Units declaring several capabilities use it to tell the calls apart.
func ClassOf(ctx context.Context) Class {
	c, _ := ctx.Value(classKey{}).(Class)
	return c
}
