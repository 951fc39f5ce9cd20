package registry

import (
	"fmt"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/rs/zerolog"

	"github.com/console-relay/broker/internal/model"
	"github.com/console-relay/broker/internal/ws"
)

func newConn() *ws.Conn {
	return ws.NewConn(nil, zerolog.Nop())
}

func webEntry(owner string) *Entry {
	return &Entry{Role: model.RoleWeb, Conn: newConn(), OwnerID: owner}
}

func consoleEntry(consoleID, owner string) *Entry {
	return &Entry{Role: model.RoleConsole, Conn: newConn(), ConsoleID: consoleID, OwnerID: owner}
}

func TestAdmitWebEvictsPreviousForSameOwner(t *testing.T) {
	r := New()

	first := webEntry("U1")
	if evicted := r.Admit(first); evicted != nil {
		t.Fatalf("nothing should be evicted, got %v", evicted.ConnID())
	}

	second := webEntry("U1")
	evicted := r.Admit(second)
	if evicted != first {
		t.Fatalf("expected first entry to be evicted")
	}

	got, ok := r.Web("U1")
	if !ok || got != second {
		t.Fatalf("expected second entry to be current")
	}
	if _, ok := r.Get(first.ConnID()); ok {
		t.Error("evicted entry should no longer be resolvable")
	}

	// The evicted connection disconnecting later must not touch the current entry.
	if _, removed := r.Remove(first.ConnID()); removed {
		t.Error("removing the evicted connection should be a no-op")
	}
	if _, ok := r.Web("U1"); !ok {
		t.Error("current web entry lost after evicted connection left")
	}
}

func TestRemoveIsIdempotent(t *testing.T) {
	r := New()
	c := consoleEntry("C1", "U1")
	r.Admit(c)

	e, removed := r.Remove(c.ConnID())
	if !removed || e != c {
		t.Fatalf("first remove should return the entry")
	}
	if _, removed := r.Remove(c.ConnID()); removed {
		t.Fatal("second remove should be a no-op")
	}
	if r.Len() != 0 {
		t.Fatalf("expected empty registry, got %d", r.Len())
	}
}

func TestDeadEntriesAreTreatedAsAbsent(t *testing.T) {
	r := New()
	c := consoleEntry("C1", "U1")
	r.Admit(c)

	c.Conn.Close()

	if _, ok := r.Console("C1"); ok {
		t.Error("dead console should not resolve")
	}
	if _, ok := r.Lookup(func(e *Entry) bool { return e.ConsoleID == "C1" }); ok {
		t.Error("dead entry should not match a lookup")
	}
	// Not pruned until the disconnect is processed.
	if r.Len() != 1 {
		t.Errorf("dead entry should stay until removed, len=%d", r.Len())
	}
}

func TestConsoleLookupFallsBackToOlderLiveConnection(t *testing.T) {
	r := New()
	older := consoleEntry("C1", "U1")
	older.AdmittedAt = time.Now().Add(-time.Minute)
	newer := consoleEntry("C1", "U1")
	r.Admit(older)
	r.Admit(newer)

	got, ok := r.Console("C1")
	if !ok || got != newer {
		t.Fatal("newest console connection should win")
	}

	newer.Conn.Close()
	r.Remove(newer.ConnID())

	got, ok = r.Console("C1")
	if !ok || got != older {
		t.Fatal("older live connection should still resolve")
	}
}

func TestDesktopLookupByLoginToken(t *testing.T) {
	r := New()
	d := &Entry{Role: model.RoleDesktop, Conn: newConn(), LoginToken: "LT-1"}
	r.Admit(d)

	got, ok := r.Desktop("LT-1")
	if !ok || got != d {
		t.Fatal("desktop should resolve by login token")
	}
	if _, ok := r.Desktop("LT-2"); ok {
		t.Error("unknown login token should not resolve")
	}
}

func TestConsolesOfAndEntries(t *testing.T) {
	r := New()
	base := time.Now()
	c1 := consoleEntry("C1", "U1")
	c1.AdmittedAt = base
	c2 := consoleEntry("C2", "U1")
	c2.AdmittedAt = base.Add(time.Second)
	other := consoleEntry("C3", "U2")
	other.AdmittedAt = base.Add(2 * time.Second)
	api := &Entry{Role: model.RoleAPI, Conn: newConn(), AdmittedAt: base.Add(3 * time.Second)}

	for _, e := range []*Entry{other, c2, api, c1} {
		r.Admit(e)
	}

	owned := r.ConsolesOf("U1")
	if len(owned) != 2 || owned[0] != c1 || owned[1] != c2 {
		t.Fatalf("unexpected consoles for U1: %v", owned)
	}

	all := r.Entries()
	if len(all) != 4 || all[0] != c1 || all[3] != api {
		t.Fatalf("entries should be ordered by admission")
	}
	if r.Count(model.RoleConsole) != 3 || r.Count(model.RoleAPI) != 1 {
		t.Errorf("unexpected counts")
	}
	if info := c1.Info(); info.SocketID != c1.ConnID() || info.ConsoleID != "C1" || info.UserID != "U1" {
		t.Errorf("unexpected info %+v", info)
	}
}

type op struct {
	admit bool
	owner int
	slot  int
}

// For every sequence of admits and removes there is at most one web entry
// per owner.
func TestSingleWebEntryPerOwnerProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200

	properties := gopter.NewProperties(parameters)

	opGen := gopter.CombineGens(gen.Bool(), gen.IntRange(0, 3), gen.IntRange(0, 7)).
		Map(func(v []interface{}) op {
			return op{admit: v[0].(bool), owner: v[1].(int), slot: v[2].(int)}
		})

	properties.Property("at most one web entry per owner", prop.ForAll(
		func(ops []op) bool {
			r := New()
			var admitted []*Entry

			for _, o := range ops {
				if o.admit {
					e := webEntry(fmt.Sprintf("U%d", o.owner))
					r.Admit(e)
					admitted = append(admitted, e)
				} else if len(admitted) > 0 {
					victim := admitted[o.slot%len(admitted)]
					victim.Conn.Close()
					r.Remove(victim.ConnID())
				}

				perOwner := make(map[string]int)
				for _, e := range r.Entries() {
					if e.Role == model.RoleWeb {
						perOwner[e.OwnerID]++
					}
				}
				for _, n := range perOwner {
					if n > 1 {
						return false
					}
				}
				if r.Count(model.RoleWeb) > 4 {
					return false
				}
			}
			return true
		},
		gen.SliceOf(opGen),
	))

	properties.TestingRun(t)
}
