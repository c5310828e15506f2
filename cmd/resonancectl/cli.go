// Package main defines the command-line client for the negotiation API.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/alecthomas/kong"

	"AgentResonance/sdk/go/resonance"
)

// CLI defines the command-line interface.
type CLI struct {
	Globals

	Negotiate NegotiateCmd `cmd:"" help:"Submit a demand and optionally follow it to completion"`
	Get       GetCmd       `cmd:"" help:"Show a negotiation"`
	Confirm   ConfirmCmd   `cmd:"" help:"Confirm the formulated demand"`
	Watch     WatchCmd     `cmd:"" help:"Stream negotiation events"`
	Agents    AgentsCmd    `cmd:"" help:"Inspect or extend the agent directory"`
	Version   VersionCmd   `cmd:"" help:"Show version information"`
}

// Globals are flags shared by every command.
type Globals struct {
	Server  string        `env:"RESONANCE_SERVER" default:"http://localhost:8080" help:"API base URL"`
	Timeout time.Duration `default:"15s" help:"Timeout for non-streaming requests"`
}

func (g *Globals) client() (*resonance.Client, error) {
	return resonance.NewClient(g.Server, nil)
}

// NegotiateCmd submits a new negotiation.
type NegotiateCmd struct {
	Intent  string `arg:"" help:"Natural-language demand"`
	User    string `short:"u" required:"" help:"Requesting user id"`
	Scope   string `short:"s" default:"all" help:"Directory scope"`
	Wait    bool   `short:"w" help:"Stream events until the negotiation ends"`
	Confirm bool   `help:"Accept the formulated demand as soon as it is ready (implies --wait)"`
}

// Run submits the demand.
func (c *NegotiateCmd) Run(g *Globals, out io.Writer) error {
	client, err := g.client()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), g.Timeout)
	n, err := client.Negotiate(ctx, resonance.Submission{Intent: c.Intent, UserID: c.User, Scope: c.Scope})
	cancel()
	if err != nil {
		return err
	}
	if !c.Wait && !c.Confirm {
		return printJSON(out, n)
	}
	fmt.Fprintf(out, "negotiation %s submitted\n", n.NegotiationID)

	err = client.Stream(context.Background(), n.NegotiationID, 0, func(ev resonance.Event) error {
		printEvent(out, ev)
		if c.Confirm && ev.Type == "formulation.ready" && ev.SessionID == n.NegotiationID {
			ctx, cancel := context.WithTimeout(context.Background(), g.Timeout)
			defer cancel()
			if _, err := client.Confirm(ctx, n.NegotiationID, ""); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	return showNegotiation(g, client, n.NegotiationID, out)
}

// GetCmd prints one negotiation.
type GetCmd struct {
	ID string `arg:"" help:"Negotiation id"`
}

// Run fetches the negotiation.
func (c *GetCmd) Run(g *Globals, out io.Writer) error {
	client, err := g.client()
	if err != nil {
		return err
	}
	return showNegotiation(g, client, c.ID, out)
}

// ConfirmCmd confirms the formulated demand.
type ConfirmCmd struct {
	ID   string `arg:"" help:"Negotiation id"`
	Text string `short:"t" help:"Replacement for the formulated demand"`
}

// Run confirms the negotiation.
func (c *ConfirmCmd) Run(g *Globals, out io.Writer) error {
	client, err := g.client()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), g.Timeout)
	defer cancel()
	n, err := client.Confirm(ctx, c.ID, c.Text)
	if err != nil {
		return err
	}
	return printJSON(out, n)
}

// WatchCmd follows the event stream.
type WatchCmd struct {
	ID    string `arg:"" help:"Negotiation id"`
	After int64  `help:"Resume after this sequence number"`
}

// Run streams events until the negotiation ends.
func (c *WatchCmd) Run(g *Globals, out io.Writer) error {
	client, err := g.client()
	if err != nil {
		return err
	}
	return client.Stream(context.Background(), c.ID, c.After, func(ev resonance.Event) error {
		printEvent(out, ev)
		return nil
	})
}

// AgentsCmd groups directory commands.
type AgentsCmd struct {
	List     AgentsListCmd     `cmd:"" default:"withargs" help:"List agents visible in a scope"`
	Register AgentsRegisterCmd `cmd:"" help:"Register or replace an agent"`
}

// AgentsListCmd lists a scope snapshot.
type AgentsListCmd struct {
	Scope string `short:"s" help:"Directory scope (default all)"`
}

// Run lists agents.
func (c *AgentsListCmd) Run(g *Globals, out io.Writer) error {
	client, err := g.client()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), g.Timeout)
	defer cancel()
	list, err := client.ListAgents(ctx, c.Scope)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "scope %s, version %d, %d agents\n", list.Scope, list.Version, len(list.Agents))
	for _, a := range list.Agents {
		fmt.Fprintf(out, "  %-20s %s\n", a.ID, a.DisplayName)
	}
	return nil
}

// AgentsRegisterCmd adds a directory entry.
type AgentsRegisterCmd struct {
	ID           string   `arg:"" help:"Agent id"`
	Name         string   `short:"n" help:"Display name"`
	Summary      string   `required:"" help:"Profile summary used for resonance"`
	Capabilities []string `short:"c" name:"capability" help:"Capability (repeatable)"`
	Scopes       []string `short:"s" name:"scope" help:"Scope membership (repeatable)"`
}

// Run registers the agent.
func (c *AgentsRegisterCmd) Run(g *Globals, out io.Writer) error {
	client, err := g.client()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), g.Timeout)
	defer cancel()
	agent, err := client.RegisterAgent(ctx, resonance.Agent{
		ID:           c.ID,
		DisplayName:  c.Name,
		Summary:      c.Summary,
		Capabilities: c.Capabilities,
		Scopes:       c.Scopes,
	})
	if err != nil {
		return err
	}
	return printJSON(out, agent)
}

// VersionCmd shows version information.
type VersionCmd struct{}

// Run prints the build version.
func (VersionCmd) Run(out io.Writer) error {
	_, err := fmt.Fprintf(out, "resonancectl %s (%s)\n", version, commit)
	return err
}

// kongVars returns variables for kong (version info).
func kongVars() kong.Vars {
	return kong.Vars{
		"version": version,
	}
}

func showNegotiation(g *Globals, client *resonance.Client, id string, out io.Writer) error {
	ctx, cancel := context.WithTimeout(context.Background(), g.Timeout)
	defer cancel()
	n, err := client.Get(ctx, id)
	if err != nil {
		return err
	}
	return printJSON(out, n)
}

func printEvent(out io.Writer, ev resonance.Event) {
	fmt.Fprintf(out, "#%d %s %s %s\n", ev.Seq, ev.Timestamp.Format(time.RFC3339), ev.Type, string(ev.Data))
}

func printJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
