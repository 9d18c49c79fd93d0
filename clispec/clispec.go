// Package clispec implements the CLI command-spec JSON schema (§6): the
// document an extension publishes to describe the subcommands and flags it
// wants composed into the host CLI. It is a plain struct tree with
// encoding/json tags mirroring the schema, plus a validation pass that
// catches duplicate flag short-letters within one command — a check the
// original CLI-building pass in crates/icp-cli/src/main.rs performs before
// registering a command with clap.
package clispec

import (
	"encoding/json"
	"fmt"

	"github.com/icp-tools/corectl/corerr"
)

// Arg describes one command-line argument or flag.
type Arg struct {
	Name     string `json:"name"`
	Help     string `json:"help,omitempty"`
	Short    string `json:"short,omitempty"`
	Long     string `json:"long,omitempty"`
	Required bool   `json:"required,omitempty"`
}

// Command describes one CLI command, possibly with nested subcommands.
type Command struct {
	Name        string    `json:"name"`
	Help        string    `json:"help,omitempty"`
	Version     string    `json:"version,omitempty"`
	Args        []Arg     `json:"args,omitempty"`
	Subcommands []Command `json:"subcommands,omitempty"`
}

// Parse decodes a command-spec document.
func Parse(data []byte) (*Command, error) {
	var c Command
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, corerr.Unexpected(fmt.Errorf("clispec: parse: %w", err))
	}
	return &c, nil
}

// Validate checks c and every nested subcommand for duplicate flag short
// letters within the same command. A short letter may repeat across
// sibling commands (each gets its own clap-style argument matcher) but not
// within one command's own arg list.
func Validate(c *Command) error {
	return validate(c, c.Name)
}

func validate(c *Command, path string) error {
	seen := make(map[string]string, len(c.Args))
	for _, a := range c.Args {
		if a.Short == "" {
			continue
		}
		if other, exists := seen[a.Short]; exists {
			return corerr.New(corerr.KindAlreadyExists).
				Resource(path).
				Detail("duplicate short flag -%s used by both %q and %q", a.Short, other, a.Name).
				Build()
		}
		seen[a.Short] = a.Name
	}

	for i := range c.Subcommands {
		sub := &c.Subcommands[i]
		if err := validate(sub, path+" "+sub.Name); err != nil {
			return err
		}
	}
	return nil
}

// Flatten walks c and its subcommands and returns every command in the
// tree, in depth-first order, each paired with its full command path
// (space-separated, matching how the host CLI would invoke it).
func Flatten(c *Command) []FlatCommand {
	var out []FlatCommand
	flatten(c, c.Name, &out)
	return out
}

// FlatCommand is one command from a tree, with its resolved invocation path.
type FlatCommand struct {
	Path    string
	Command *Command
}

func flatten(c *Command, path string, out *[]FlatCommand) {
	*out = append(*out, FlatCommand{Path: path, Command: c})
	for i := range c.Subcommands {
		sub := &c.Subcommands[i]
		flatten(sub, path+" "+sub.Name, out)
	}
}
