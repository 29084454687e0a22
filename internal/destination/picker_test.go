package destination

import (
	"context"
	"errors"
	"testing"

	"jobbroker/internal/apperrors"
	"jobbroker/internal/auth"
	"jobbroker/internal/config"
	"jobbroker/internal/filesystem"
	"jobbroker/internal/scheduler"
)

func testDestinations(t *testing.T, names ...string) map[string]*Destination {
	t.Helper()
	dests := make(map[string]*Destination, len(names))
	for _, name := range names {
		dests[name] = &Destination{
			Name:      name,
			Scheduler: scheduler.NewMemoryScheduler(1),
			FS:        filesystem.LocalFS{},
			schedType: config.SchedulerMemory,
		}
	}
	t.Cleanup(func() { CloseAll(dests) })
	return dests
}

func pick(t *testing.T, p Picker, app string) string {
	t.Helper()
	name, err := p("/jobs/1", app, auth.Principal{UserID: "alice"})
	if err != nil {
		t.Fatal(err)
	}
	return name
}

func TestPickFirst(t *testing.T) {
	dests := testDestinations(t, "d2", "d1", "d3")
	p, err := NewPicker("first", dests, []string{"wc"})
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		if got := pick(t, p, "wc"); got != "d1" {
			t.Errorf("pick %d = %s, want d1", i, got)
		}
	}
}

func TestPickRoundRotation(t *testing.T) {
	dests := testDestinations(t, "d1", "d2", "d3")
	p, err := NewPicker("round", dests, []string{"wc"})
	if err != nil {
		t.Fatal(err)
	}

	want := []string{"d1", "d2", "d3", "d1", "d2", "d3", "d1"}
	for i, w := range want {
		if got := pick(t, p, "wc"); got != w {
			t.Errorf("submission %d -> %s, want %s", i+1, got, w)
		}
	}
}

func TestPickByName(t *testing.T) {
	dests := testDestinations(t, "wc", "other")
	p, err := NewPicker("byname", dests, []string{"wc", "sort"})
	if err != nil {
		t.Fatal(err)
	}

	if got := pick(t, p, "wc"); got != "wc" {
		t.Errorf("pick = %s", got)
	}
	_, err = p("/jobs/1", "sort", auth.Principal{})
	if !errors.Is(err, apperrors.ErrConfiguration) {
		t.Errorf("error = %v, want configuration error", err)
	}
}

func TestPickByIndex(t *testing.T) {
	dests := testDestinations(t, "d1", "d2")
	p, err := NewPicker("byindex", dests, []string{"beta", "alpha"})
	if err != nil {
		t.Fatal(err)
	}

	// Applications are indexed in sorted order: alpha=0, beta=1.
	if got := pick(t, p, "alpha"); got != "d1" {
		t.Errorf("alpha -> %s", got)
	}
	if got := pick(t, p, "beta"); got != "d2" {
		t.Errorf("beta -> %s", got)
	}
}

func TestNewPickerUnknownName(t *testing.T) {
	dests := testDestinations(t, "d1")
	_, err := NewPicker("route66", dests, nil)
	if !errors.Is(err, apperrors.ErrConfiguration) {
		t.Errorf("error = %v, want configuration error", err)
	}
}

func TestBuildDestinations(t *testing.T) {
	cfgs := map[string]config.DestinationConfig{
		"local": {
			Scheduler:  config.SchedulerConfig{Type: config.SchedulerMemory, Memory: &config.MemorySchedulerConfig{Slots: 2}},
			Filesystem: config.FilesystemConfig{Type: config.FilesystemLocal},
		},
	}
	dests, err := Build(context.Background(), cfgs)
	if err != nil {
		t.Fatal(err)
	}
	defer CloseAll(dests)

	dest := dests["local"]
	if dest == nil {
		t.Fatal("destination not built")
	}
	if !dest.Ephemeral() {
		t.Error("memory destination should be ephemeral")
	}
	if _, ok := dest.FS.(filesystem.LocalFS); !ok {
		t.Errorf("filesystem = %T", dest.FS)
	}
}
