package invite

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mailgate/mailgate/internal/model"
)

// Methods is the set of registration methods an invite accepts.
type Methods uint8

const (
	MethodLinuxDo Methods = 1 << iota
	MethodGoogle
	MethodCardKey
	MethodOther

	AllMethods = MethodLinuxDo | MethodGoogle | MethodCardKey | MethodOther
)

// TrialMethod is the registration method of auto-created trial accounts. It
// is not part of the bitset: AutoCreateTrialAccount governs it.
const TrialMethod = "trial"

var methodNames = []struct {
	bit  Methods
	name string
}{
	{MethodLinuxDo, "linuxdo"},
	{MethodGoogle, "google"},
	{MethodCardKey, "cardkey"},
	{MethodOther, "other"},
}

// ParseMethod returns the bit for a method name.
func ParseMethod(name string) (Methods, error) {
	n := strings.ToLower(strings.TrimSpace(name))
	for _, m := range methodNames {
		if m.name == n {
			return m.bit, nil
		}
	}
	return 0, fmt.Errorf("%w: unknown registration method %q", model.ErrInvalidParams, name)
}

// ParseMethods builds a set from method names.
func ParseMethods(names []string) (Methods, error) {
	var set Methods
	for _, n := range names {
		bit, err := ParseMethod(n)
		if err != nil {
			return 0, err
		}
		set |= bit
	}
	return set, nil
}

// Has reports whether every bit of m is in the set.
func (s Methods) Has(m Methods) bool {
	return m != 0 && s&m == m
}

// Names lists the methods in the set in bit order.
func (s Methods) Names() []string {
	names := []string{}
	for _, m := range methodNames {
		if s&m.bit != 0 {
			names = append(names, m.name)
		}
	}
	return names
}

func (s Methods) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Names())
}

func (s *Methods) UnmarshalJSON(b []byte) error {
	var names []string
	if err := json.Unmarshal(b, &names); err != nil {
		return err
	}
	set, err := ParseMethods(names)
	if err != nil {
		return err
	}
	*s = set
	return nil
}
