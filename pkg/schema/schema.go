// Package schema validates entry payloads and configuration documents
// against strict JSON Schemas. Unknown fields are rejected.
package schema

import (
	"bytes"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schemas/*.json
var files embed.FS

// Name identifies a compiled schema.
type Name string

const (
	IdentityUpsert    Name = "identity.upsert"
	GroupUpsert       Name = "group.upsert"
	GroupMember       Name = "group.member"
	PermGrant         Name = "perm.grant"
	PermRevoke        Name = "perm.revoke"
	EpochRotate       Name = "enc.epoch.rotate"
	WrapPublish       Name = "enc.wrap.publish"
	EncryptedPayload  Name = "enc.payload"
	Epoch             Name = "epoch"
	TrustedIssuerKeys Name = "trusted-issuer-keys"
	PackCommit        Name = "pack.commit"
)

const baseURL = "https://concord.schemas.local/"

var (
	compileOnce sync.Once
	compiled    map[Name]*jsonschema.Schema
	compileErr  error
)

func load() (map[Name]*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		entries, err := files.ReadDir("schemas")
		if err != nil {
			compileErr = fmt.Errorf("read embedded schemas: %w", err)
			return
		}
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		c.AssertFormat = true

		names := make([]Name, 0, len(entries))
		for _, e := range entries {
			data, err := files.ReadFile("schemas/" + e.Name())
			if err != nil {
				compileErr = fmt.Errorf("read schema %s: %w", e.Name(), err)
				return
			}
			if err := c.AddResource(baseURL+e.Name(), bytes.NewReader(data)); err != nil {
				compileErr = fmt.Errorf("invalid schema %s: %w", e.Name(), err)
				return
			}
			names = append(names, Name(strings.TrimSuffix(e.Name(), ".json")))
		}

		out := make(map[Name]*jsonschema.Schema, len(names))
		for _, n := range names {
			s, err := c.Compile(baseURL + string(n) + ".json")
			if err != nil {
				compileErr = fmt.Errorf("schema compilation failed for %s: %w", n, err)
				return
			}
			out[n] = s
		}
		compiled = out
	})
	return compiled, compileErr
}

// Error lists every schema violation found in a document.
type Error struct {
	Schema     Name
	Violations []string
}

func (e *Error) Error() string {
	return strings.Join(e.Violations, "; ")
}

// Validate checks raw JSON against the named schema. An empty raw value is
// validated as null.
func Validate(name Name, raw []byte) error {
	schemas, err := load()
	if err != nil {
		return err
	}
	s, ok := schemas[name]
	if !ok {
		return fmt.Errorf("unknown schema %q", name)
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		raw = []byte("null")
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return &Error{Schema: name, Violations: []string{"payload is not valid JSON: " + err.Error()}}
	}
	if err := s.Validate(doc); err != nil {
		var ve *jsonschema.ValidationError
		if errors.As(err, &ve) {
			return &Error{Schema: name, Violations: flatten(ve)}
		}
		return fmt.Errorf("validate %s: %w", name, err)
	}
	return nil
}

// Decode validates raw against the named schema and unmarshals it into v.
func Decode(name Name, raw []byte, v any) error {
	if err := Validate(name, raw); err != nil {
		return err
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		raw = []byte("null")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return &Error{Schema: name, Violations: []string{err.Error()}}
	}
	return nil
}

func flatten(ve *jsonschema.ValidationError) []string {
	var out []string
	var walk func(*jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) == 0 {
			loc := e.InstanceLocation
			if loc == "" {
				loc = "/"
			}
			out = append(out, loc+": "+e.Message)
			return
		}
		for _, c := range e.Causes {
			walk(c)
		}
	}
	walk(ve)
	sort.Strings(out)
	return out
}
