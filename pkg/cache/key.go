package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// DefaultExcludedArgs are named arguments that never take part in key
// derivation: live handles whose identity changes on every call.
var DefaultExcludedArgs = []string{"session", "db", "current_user", "ctx"}

// Args are the inputs of a cached call.
type Args struct {
	Positional []any
	Named      map[string]any
	// CallerID identifies the caller when the policy varies on it.
	CallerID string
}

// NewArgs builds Args from positional values.
func NewArgs(positional ...any) Args {
	return Args{Positional: positional}
}

// With returns a copy of a with one named argument set.
func (a Args) With(name string, value any) Args {
	named := make(map[string]any, len(a.Named)+1)
	for k, v := range a.Named {
		named[k] = v
	}
	named[name] = value
	a.Named = named
	return a
}

// ForCaller returns a copy of a bound to a caller id.
func (a Args) ForCaller(id string) Args {
	a.CallerID = id
	return a
}

// UserScope is the key segment that marks a caller-scoped entry.
func UserScope(callerID string) string {
	return "user:" + callerID + ":"
}

// KeyDeriver turns a policy and arguments into a store key.
type KeyDeriver struct {
	excluded map[string]struct{}
}

// NewKeyDeriver creates a deriver ignoring the given named arguments.
func NewKeyDeriver(excluded ...string) *KeyDeriver {
	d := &KeyDeriver{excluded: make(map[string]struct{}, len(excluded))}
	for _, name := range excluded {
		d.excluded[name] = struct{}{}
	}
	return d
}

// Derive returns prefix + hash, or prefix + "user:{id}:" + hash when the
// policy varies on a known caller. The hash covers positional values and
// named values sorted by name.
func (d *KeyDeriver) Derive(p Policy, args Args) string {
	named := make(map[string]any, len(args.Named)+1)
	for name, v := range args.Named {
		if _, skip := d.excluded[name]; skip {
			continue
		}
		named[name] = v
	}

	scoped := p.VaryOnCaller && args.CallerID != ""
	if scoped {
		named["_user_id"] = args.CallerID
	}

	positional := args.Positional
	if positional == nil {
		positional = []any{}
	}

	hash := hashArgs(positional, named)
	if scoped {
		return p.Prefix + UserScope(args.CallerID) + hash
	}
	return p.Prefix + hash
}

type keyPayload struct {
	Args   []any          `json:"args"`
	Kwargs map[string]any `json:"kwargs"`
}

func hashArgs(positional []any, named map[string]any) string {
	data, err := json.Marshal(keyPayload{Args: positional, Kwargs: named})
	if err != nil {
		data, _ = json.Marshal(keyPayload{Args: stringify(positional), Kwargs: stringifyMap(named)})
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:16])
}

// stringify is the fallback for values JSON cannot represent.
func stringify(values []any) []any {
	out := make([]any, len(values))
	for i, v := range values {
		out[i] = stringValue(v)
	}
	return out
}

func stringifyMap(values map[string]any) map[string]any {
	out := make(map[string]any, len(values))
	for k, v := range values {
		out[k] = stringValue(v)
	}
	return out
}

func stringValue(v any) string {
	if data, err := json.Marshal(v); err == nil {
		return string(data)
	}
	return fmt.Sprintf("%T:%v", v, v)
}
