package plugin

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type hookedUnit struct {
	Func
	activated   *int
	deactivated *int
	failStart   bool
}

func (h *hookedUnit) Activate(context.Context) error {
	if h.failStart {
		return errors.New("boom")
	}
	*h.activated++
	return nil
}

func (h *hookedUnit) Deactivate(context.Context) error {
	*h.deactivated++
	return nil
}

func TestSplitCommand(t *testing.T) {
	cases := []struct {
		text, prefix  string
		keyword, rest string
		ok            bool
	}{
		{"!ping", "!", "ping", "", true},
		{"!seen   bob  ", "!", "seen", "bob  ", true},
		{"!echo\thello world", "!", "echo", "hello world", true},
		{"!", "!", "", "", false},
		{"! ping", "!", "", "", false},
		{"ping", "!", "", "", false},
		{".ping", ".", "ping", "", true},
		{"", "!", "", "", false},
	}
	for _, tc := range cases {
		kw, rest, ok := SplitCommand(tc.text, tc.prefix)
		if kw != tc.keyword || rest != tc.rest || ok != tc.ok {
			t.Errorf("SplitCommand(%q, %q) = (%q, %q, %v), want (%q, %q, %v)",
				tc.text, tc.prefix, kw, rest, ok, tc.keyword, tc.rest, tc.ok)
		}
	}
}

func TestCapability(t *testing.T) {
	cases := []struct {
		caps    Capability
		handler bool
		str     string
	}{
		{0, true, "handler"},
		{CapCommands, false, "commands"},
		{CapCommands | CapTriggers, false, "commands+triggers"},
		{CapCommands | CapHandler, true, "commands+handler"},
	}
	for _, tc := range cases {
		if got := tc.caps.IsHandler(); got != tc.handler {
			t.Errorf("%08b IsHandler = %v, want %v", tc.caps, got, tc.handler)
		}
		if got := tc.caps.String(); got != tc.str {
			t.Errorf("%08b String = %q, want %q", tc.caps, got, tc.str)
		}
	}
}

func TestEventNick(t *testing.T) {
	if got := (Event{Sender: "alice!a@h"}).Nick(); got != "alice" {
		t.Fatalf("Nick = %q", got)
	}
	if got := (Event{Sender: "server.example"}).Nick(); got != "server.example" {
		t.Fatalf("Nick without user part = %q", got)
	}
}

func TestTable_RegisterAndDiscoverOrder(t *testing.T) {
	tbl := NewTable()
	for _, name := range []string{"zeta", "alpha", "mid"} {
		name := name
		if err := tbl.Register(name, CapCommands, func() (Unit, error) {
			return &Func{UnitName: name}, nil
		}); err != nil {
			t.Fatalf("register %s: %v", name, err)
		}
	}
	if err := tbl.Register("alpha", 0, func() (Unit, error) { return nil, nil }); err == nil {
		t.Fatal("expected duplicate registration error")
	}
	if err := tbl.Register("", 0, func() (Unit, error) { return nil, nil }); err == nil {
		t.Fatal("expected empty name error")
	}
	if err := tbl.Register("nilfactory", 0, nil); err == nil {
		t.Fatal("expected nil factory error")
	}

	descs, err := tbl.Discover(context.Background())
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	want := []string{"zeta", "alpha", "mid"}
	if len(descs) != len(want) {
		t.Fatalf("got %d descriptors, want %d", len(descs), len(want))
	}
	for i, d := range descs {
		if d.Name != want[i] || d.Source != "builtin" {
			t.Fatalf("descriptor %d = %+v, want name %q", i, d, want[i])
		}
	}
}

func TestTable_ActivateDeactivateHooks(t *testing.T) {
	var activated, deactivated int
	tbl := NewTable()
	tbl.MustRegister("hooked", CapHandler, func() (Unit, error) {
		return &hookedUnit{Func: Func{UnitName: "hooked"}, activated: &activated, deactivated: &deactivated}, nil
	})
	ctx := context.Background()

	u, err := tbl.Activate(ctx, "hooked")
	if err != nil {
		t.Fatalf("activate: %v", err)
	}
	if u.Name() != "hooked" || activated != 1 {
		t.Fatalf("unexpected activation state: name=%q activated=%d", u.Name(), activated)
	}
	if _, err := tbl.Activate(ctx, "hooked"); !errors.Is(err, ErrAlreadyActive) {
		t.Fatalf("expected ErrAlreadyActive, got %v", err)
	}
	if err := tbl.Deactivate(ctx, "hooked"); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	if deactivated != 1 {
		t.Fatalf("deactivated = %d, want 1", deactivated)
	}
	if err := tbl.Deactivate(ctx, "hooked"); !errors.Is(err, ErrNotActive) {
		t.Fatalf("expected ErrNotActive, got %v", err)
	}
	if _, err := tbl.Activate(ctx, "missing"); !errors.Is(err, ErrUnknownUnit) {
		t.Fatalf("expected ErrUnknownUnit, got %v", err)
	}
	// Reactivation builds a fresh instance.
	if _, err := tbl.Activate(ctx, "hooked"); err != nil {
		t.Fatalf("reactivate: %v", err)
	}
	if activated != 2 {
		t.Fatalf("activated = %d, want 2", activated)
	}
}

func TestTable_ActivateHookFailure(t *testing.T) {
	var a, d int
	tbl := NewTable()
	tbl.MustRegister("bad", CapHandler, func() (Unit, error) {
		return &hookedUnit{Func: Func{UnitName: "bad"}, activated: &a, deactivated: &d, failStart: true}, nil
	})
	if _, err := tbl.Activate(context.Background(), "bad"); err == nil {
		t.Fatal("expected activation hook error")
	}
	// A failed activation leaves nothing active.
	if err := tbl.Deactivate(context.Background(), "bad"); !errors.Is(err, ErrNotActive) {
		t.Fatalf("expected ErrNotActive after failed activation, got %v", err)
	}
}

type failingLoader struct{ Table }

func (f *failingLoader) Discover(context.Context) ([]Descriptor, error) {
	return nil, errors.New("plugin dir unreadable")
}

func TestChain_CollisionFirstLoaderWins(t *testing.T) {
	first := NewTable()
	first.MustRegister("ping", CapCommands, func() (Unit, error) {
		return &Func{UnitName: "ping", CommandKeys: []string{"ping"}}, nil
	})
	second := NewTable()
	second.MustRegister("ping", CapCommands, func() (Unit, error) {
		return &Func{UnitName: "ping-second"}, nil
	})
	second.MustRegister("dice", CapCommands, func() (Unit, error) {
		return &Func{UnitName: "dice"}, nil
	})

	c := NewChain(quietLogger(), first, second)
	ctx := context.Background()
	descs, err := c.Discover(ctx)
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	if len(descs) != 2 || descs[0].Name != "ping" || descs[1].Name != "dice" {
		t.Fatalf("unexpected descriptors %+v", descs)
	}
	u, err := c.Activate(ctx, "ping")
	if err != nil {
		t.Fatalf("activate ping: %v", err)
	}
	if u.Name() != "ping" {
		t.Fatalf("expected first loader's unit, got %q", u.Name())
	}
	if err := c.Deactivate(ctx, "ping"); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	if _, err := c.Activate(ctx, "nope"); !errors.Is(err, ErrUnknownUnit) {
		t.Fatalf("expected ErrUnknownUnit, got %v", err)
	}
}

func TestChain_DiscoveryFailureIsFatal(t *testing.T) {
	good := NewTable()
	good.MustRegister("ping", CapCommands, func() (Unit, error) { return &Func{UnitName: "ping"}, nil })
	c := NewChain(quietLogger(), good, &failingLoader{})
	descs, err := c.Discover(context.Background())
	if err == nil {
		t.Fatal("expected discovery error")
	}
	if descs != nil {
		t.Fatalf("expected no descriptors on failure, got %+v", descs)
	}
}
