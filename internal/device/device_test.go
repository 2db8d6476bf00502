package device

import (
	"testing"
	"time"
)

func fp(v float64) *float64 { return &v }

func TestClone_DeepCopiesNestedPointers(t *testing.T) {
	area := "hall"
	seen := time.Date(2026, 10, 18, 9, 0, 0, 0, time.UTC)
	orig := Device{
		ID:       "d1",
		AreaID:   &area,
		LastSeen: &seen,
		Capabilities: []Capability{{
			Name: "brightness",
			Properties: CapabilityProperties{
				Min:    fp(0),
				Max:    fp(254),
				Step:   fp(1),
				Access: &Access{Read: true, Write: true},
				Values: []string{"on", "off"},
			},
		}},
		Entities: []Entity{{EntityID: "light.hall", AreaID: &area}},
	}

	c := orig.Clone()
	p := &c.Capabilities[0].Properties
	*p.Min = 10
	*p.Max = 20
	*p.Step = 5
	p.Access.Write = false
	p.Values[0] = "dim"
	*c.AreaID = "porch"
	*c.Entities[0].AreaID = "porch"
	*c.LastSeen = seen.Add(time.Hour)

	op := orig.Capabilities[0].Properties
	if *op.Min != 0 || *op.Max != 254 || *op.Step != 1 {
		t.Fatalf("expected range untouched, got min=%v max=%v step=%v", *op.Min, *op.Max, *op.Step)
	}
	if !op.Access.Write || op.Values[0] != "on" {
		t.Fatalf("expected access and values untouched, got %+v %v", *op.Access, op.Values)
	}
	if area != "hall" || !orig.LastSeen.Equal(seen) {
		t.Fatalf("expected area and last seen untouched, got %q %v", area, *orig.LastSeen)
	}
}

func TestClone_KeepsNilPointersNil(t *testing.T) {
	c := Device{ID: "d1", Capabilities: []Capability{{Name: "state"}}}.Clone()
	p := c.Capabilities[0].Properties
	if c.AreaID != nil || c.LastSeen != nil || p.Min != nil || p.Access != nil {
		t.Fatalf("expected nil pointers to stay nil, got %+v", c)
	}
	if c.Entities == nil || len(c.Entities) != 0 {
		t.Fatalf("expected empty entity slice, got %v", c.Entities)
	}
}
