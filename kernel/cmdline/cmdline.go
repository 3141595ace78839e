// Package cmdline parses the kernel's boot command line: a single
// space-separated string of `key` or `key=value` tokens handed off by
// the bootloader alongside the multiboot info structure.
package cmdline

import (
	"strings"

	"beelzebub/kernel/kfmt/early"
)

// entry holds one parsed token; value is empty (and distinguished from
// a bare key by set) for tokens of the bare `key` form.
type entry struct {
	value string
	set   bool
}

// Options holds the parsed contents of a boot command line.
type Options struct {
	tokens  map[string]entry
	Unknown []string
}

// knownKeys is consulted only to decide whether an unrecognized token is
// worth a boot warning; lookups still succeed for any key via Lookup, so
// this is not an allow-list in the access-control sense.
var knownKeys = map[string]bool{
	"smp":   true,
	"term":  true,
	"tests": true,
}

// Parse splits line on whitespace and parses each token as `key` or
// `key=value`. Tokens whose key is not in the recognized set are still
// recorded (Lookup/String/Bool/List all still work on them) but are also
// collected into Options.Unknown for a single combined warning.
func Parse(line string) *Options {
	opts := &Options{tokens: make(map[string]entry)}

	for _, tok := range strings.Fields(line) {
		key, value, hasValue := strings.Cut(tok, "=")
		if key == "" {
			continue
		}

		opts.tokens[key] = entry{value: value, set: hasValue}
		if !knownKeys[key] {
			opts.Unknown = append(opts.Unknown, tok)
		}
	}

	return opts
}

// WarnUnknown prints a single diagnostic line listing every token whose
// key was not recognized, via kernel/kfmt/early so it is safe to call
// before the allocator is up. It is a no-op if every token was
// recognized.
func (o *Options) WarnUnknown() {
	if len(o.Unknown) == 0 {
		return
	}
	early.Printf("cmdline: unrecognized token(s):")
	for _, tok := range o.Unknown {
		early.Printf(" %s", tok)
	}
	early.Printf("\n")
}

// Lookup returns the raw string value for key and whether key was
// present at all (as either `key` or `key=value`). A bare `key` token
// returns ("", true).
func (o *Options) Lookup(key string) (string, bool) {
	e, ok := o.tokens[key]
	if !ok {
		return "", false
	}
	return e.value, true
}

// String returns key's value, or def if key was not present or was a
// bare key with no `=value` part.
func (o *Options) String(key, def string) string {
	e, ok := o.tokens[key]
	if !ok || !e.set {
		return def
	}
	return e.value
}

// Bool interprets key's value as a boolean: "on"/"true"/"1" are true,
// "off"/"false"/"0" are false, a bare key (no value) is true (its mere
// presence is the signal), and an absent or unrecognized value returns
// def.
func (o *Options) Bool(key string, def bool) bool {
	e, ok := o.tokens[key]
	if !ok {
		return def
	}
	if !e.set {
		return true
	}
	switch e.value {
	case "on", "true", "1", "yes":
		return true
	case "off", "false", "0", "no":
		return false
	default:
		return def
	}
}

// List splits key's value on commas, returning nil if key was absent or
// had no value. Empty elements (from a leading/trailing/doubled comma)
// are dropped.
func (o *Options) List(key string) []string {
	e, ok := o.tokens[key]
	if !ok || !e.set || e.value == "" {
		return nil
	}

	var out []string
	for _, v := range strings.Split(e.value, ",") {
		if v != "" {
			out = append(out, v)
		}
	}
	return out
}
