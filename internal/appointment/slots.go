package appointment

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Slot is a time of day, HH:MM, from the clinic's slot catalog.
type Slot string

// DefaultSlots are the half-hour slots within morning and afternoon clinic
// hours.
var DefaultSlots = []string{
	"08:00", "08:30", "09:00", "09:30", "10:00", "10:30", "11:00", "11:30",
	"13:30", "14:00", "14:30", "15:00", "15:30", "16:00", "16:30",
}

// SlotCatalog is the fixed clinic-wide enumeration of bookable slots.
type SlotCatalog struct {
	slots []Slot
	index map[Slot]struct{}
}

func NewSlotCatalog(values []string) (*SlotCatalog, error) {
	if len(values) == 0 {
		return nil, fmt.Errorf("%w: slot catalog is empty", ErrValidation)
	}

	c := &SlotCatalog{index: make(map[Slot]struct{}, len(values))}
	for _, v := range values {
		v = strings.TrimSpace(v)
		t, err := time.Parse("15:04", v)
		if err != nil {
			return nil, fmt.Errorf("%w: slot %q is not HH:MM", ErrValidation, v)
		}
		s := Slot(t.Format("15:04"))
		if _, dup := c.index[s]; dup {
			continue
		}
		c.index[s] = struct{}{}
		c.slots = append(c.slots, s)
	}

	sort.Slice(c.slots, func(i, j int) bool { return c.slots[i] < c.slots[j] })
	return c, nil
}

// MustSlotCatalog panics on a malformed catalog. For tests and defaults.
func MustSlotCatalog(values []string) *SlotCatalog {
	c, err := NewSlotCatalog(values)
	if err != nil {
		panic(err)
	}
	return c
}

// Parse normalises s and checks it is one of the catalog's slots.
func (c *SlotCatalog) Parse(s string) (Slot, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return "", fmt.Errorf("%w: slot must be HH:MM", ErrValidation)
	}
	slot := Slot(t.Format("15:04"))
	if !c.Contains(slot) {
		return "", fmt.Errorf("%w: %s is not a bookable slot", ErrValidation, slot)
	}
	return slot, nil
}

func (c *SlotCatalog) Contains(s Slot) bool {
	_, ok := c.index[s]
	return ok
}

// All returns the catalog in ascending order.
func (c *SlotCatalog) All() []Slot {
	out := make([]Slot, len(c.slots))
	copy(out, c.slots)
	return out
}
