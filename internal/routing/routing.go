// Package routing resolves CC lists and company display names for outbound
// notifications from a YAML routing table. Companies match by substring of
// the recipient address, so one "prominence" entry covers every vessel
// mailbox in that fleet.
package routing

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"

	yaml "go.yaml.in/yaml/v3"
)

// Company is one fleet entry in the routing table.
type Company struct {
	Match string   `yaml:"match"`
	Name  string   `yaml:"name"`
	CC    []string `yaml:"cc"`
}

// Table maps recipient addresses to CC lists and company display names.
type Table struct {
	Companies          []Company `yaml:"companies"`
	InternalRecipients []string  `yaml:"internal_recipients"`
	DefaultCompany     string    `yaml:"default_company"`
}

// Load reads a routing table from path. Unknown fields are rejected so a
// typo'd key fails at startup instead of silently dropping recipients.
func Load(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read routing table: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var t Table
	if err := dec.Decode(&t); err != nil && err != io.EOF {
		return nil, fmt.Errorf("parse routing table %s: %w", path, err)
	}
	return &t, nil
}

// Default returns the built-in table used when no routing file is configured.
func Default() *Table {
	return &Table{
		Companies: []Company{
			{Match: "prominence", Name: "Prominence Maritime S.A."},
			{Match: "seatraders", Name: "Sea Traders S.A."},
		},
		DefaultCompany: "Prominence Maritime S.A.",
	}
}

// CCFor resolves the CC list for a recipient: every matching company's CC
// list plus the always-included internal recipients, deduplicated in table
// order. The recipient never CCs themself.
func (t *Table) CCFor(recipient string) []string {
	addr := strings.ToLower(strings.TrimSpace(recipient))
	seen := map[string]struct{}{addr: {}}
	var out []string

	add := func(list []string) {
		for _, cc := range list {
			cc = strings.TrimSpace(cc)
			if cc == "" {
				continue
			}
			key := strings.ToLower(cc)
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}
			out = append(out, cc)
		}
	}

	for _, c := range t.Companies {
		if c.Match != "" && strings.Contains(addr, strings.ToLower(c.Match)) {
			add(c.CC)
		}
	}
	add(t.InternalRecipients)
	return out
}

// CompanyFor returns the display name of the recipient's fleet, falling back
// to the configured default when nothing matches.
func (t *Table) CompanyFor(recipient string) string {
	addr := strings.ToLower(strings.TrimSpace(recipient))
	for _, c := range t.Companies {
		if c.Match != "" && c.Name != "" && strings.Contains(addr, strings.ToLower(c.Match)) {
			return c.Name
		}
	}
	return t.DefaultCompany
}
