package reactor

import (
	"strconv"
	"strings"
)

// Descriptor identifies an OS-level readiness-capable resource.
// Two descriptors are equal when they wrap the same OS integer.
type Descriptor int

// InvalidDescriptor is the zero-value-safe "no descriptor" marker.
const InvalidDescriptor Descriptor = -1

// Int returns the underlying OS value.
func (d Descriptor) Int() int {
	return int(d)
}

// Valid reports whether d could name an open resource.
func (d Descriptor) Valid() bool {
	return d >= 0
}

func (d Descriptor) String() string {
	return "fd(" + strconv.Itoa(int(d)) + ")"
}

// Interest is a set of readiness conditions.
type Interest uint32

const (
	Readable Interest = 1 << iota
	Writable
	Error
	HangUp
	// EdgeTriggered switches the descriptor to edge-triggered delivery.
	// It is never reported back in a ReadyEvent.
	EdgeTriggered
)

var interestNames = []struct {
	flag Interest
	name string
}{
	{Readable, "readable"},
	{Writable, "writable"},
	{Error, "error"},
	{HangUp, "hangup"},
	{EdgeTriggered, "edge"},
}

// Has reports whether every flag in other is set in i.
func (i Interest) Has(other Interest) bool {
	return i&other == other
}

func (i Interest) String() string {
	if i == 0 {
		return "none"
	}
	var parts []string
	for _, n := range interestNames {
		if i&n.flag != 0 {
			parts = append(parts, n.name)
		}
	}
	return strings.Join(parts, "|")
}

// ReadyEvent pairs a descriptor with the conditions observed on it by one Wait.
type ReadyEvent struct {
	Descriptor Descriptor
	Events     Interest
}
