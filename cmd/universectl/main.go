// universectl is a thin command-line client for universed's command API,
// issuing one JSON request per invocation and printing the response.
// Uses kong's subcommand idiom the same way cmd/universed uses its flag
// idiom.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/alecthomas/kong"
)

type CLI struct {
	Server string `help:"Base URL of a running universed instance." default:"http://127.0.0.1:8090" env:"UNIVERSECTL_SERVER"`

	List            ListCmd            `cmd:"" help:"List every registered universe."`
	Active          ActiveCmd          `cmd:"" help:"Show the active universe and its current document."`
	AuthStatus      AuthStatusCmd      `cmd:"" help:"Show OAuth and app-installation credential health."`
	Switch          SwitchCmd          `cmd:"" help:"Switch the active universe."`
	Create          CreateCmd          `cmd:"" help:"Register a new universe."`
	Delete          DeleteCmd          `cmd:"" help:"Unregister a universe."`
	Save            SaveCmd            `cmd:"" help:"Force-save the active universe now."`
	ResolveConflict ResolveConflictCmd `cmd:"name=resolve-conflict" help:"Resolve a pending sync conflict for a universe."`
	ReadSource      ReadSourceCmd      `cmd:"name=read-source" help:"Read an auxiliary source's content."`
}

func main() {
	var cli CLI
	kctx := kong.Parse(&cli, kong.Name("universectl"),
		kong.Description("Client for the Universe Synchronization Core command API."))
	kctx.FatalIfErrorf(kctx.Run(&cli))
}

type ListCmd struct{}

func (c *ListCmd) Run(cli *CLI) error {
	var result struct {
		Universes  []map[string]any `json:"Universes"`
		ActiveSlug string           `json:"ActiveSlug"`
		HasActive  bool             `json:"HasActive"`
	}
	if err := post(cli.Server, "get_all_universes", nil, &result); err != nil {
		return err
	}
	for _, u := range result.Universes {
		marker := "  "
		if result.HasActive && u["slug"] == result.ActiveSlug {
			marker = "* "
		}
		fmt.Printf("%s%v\t%v\n", marker, u["slug"], u["name"]) //nolint:forbidigo
	}
	return nil
}

type ActiveCmd struct{}

func (c *ActiveCmd) Run(cli *CLI) error {
	var result map[string]any
	if err := post(cli.Server, "get_active_universe", nil, &result); err != nil {
		return err
	}
	return printJSON(result)
}

type AuthStatusCmd struct{}

func (c *AuthStatusCmd) Run(cli *CLI) error {
	var result map[string]any
	if err := post(cli.Server, "get_auth_status", nil, &result); err != nil {
		return err
	}
	return printJSON(result)
}

type SwitchCmd struct {
	Slug        string `arg:"" help:"Universe slug to switch to."`
	SaveCurrent bool   `help:"Save the currently active universe before switching." default:"true"`
}

func (c *SwitchCmd) Run(cli *CLI) error {
	req := map[string]any{"slug": c.Slug, "saveCurrent": c.SaveCurrent}
	var result map[string]any
	if err := post(cli.Server, "switch_active", req, &result); err != nil {
		return err
	}
	return printJSON(result)
}

type CreateCmd struct {
	Name          string `arg:"" help:"Display name for the new universe."`
	SourceOfTruth string `help:"Which side is authoritative: local or git." enum:"local,git" default:"local"`
	LocalPath     string `help:"Local file path backing this universe." required:""`
	GitOwner      string `help:"Owning user/org of the linked git repository, if any."`
	GitRepo       string `help:"Name of the linked git repository, if any."`
	GitHost       string `help:"Host of the linked git repository, if any." default:"github.com"`
}

func (c *CreateCmd) Run(cli *CLI) error {
	opts := map[string]any{
		"SourceOfTruth": c.SourceOfTruth,
		"LocalFile":     map[string]any{"enabled": true, "path": c.LocalPath},
	}
	if c.GitRepo != "" {
		opts["GitRepo"] = map[string]any{
			"enabled": true,
			"linkedRepo": map[string]any{
				"host": c.GitHost, "owner": c.GitOwner, "repo": c.GitRepo,
			},
		}
	}
	req := map[string]any{"name": c.Name, "opts": opts}
	var result map[string]any
	if err := post(cli.Server, "create_universe", req, &result); err != nil {
		return err
	}
	return printJSON(result)
}

type DeleteCmd struct {
	Slug string `arg:"" help:"Universe slug to delete."`
}

func (c *DeleteCmd) Run(cli *CLI) error {
	req := map[string]any{"slug": c.Slug}
	var result map[string]any
	return post(cli.Server, "delete_universe", req, &result)
}

type SaveCmd struct {
	Reason string `help:"Reason recorded with the save, defaults to a timestamp."`
}

func (c *SaveCmd) Run(cli *CLI) error {
	req := map[string]any{"reason": c.Reason}
	var result map[string]any
	return post(cli.Server, "force_save", req, &result)
}

type ResolveConflictCmd struct {
	Slug string `arg:"" help:"Universe slug with a pending conflict."`
}

func (c *ResolveConflictCmd) Run(cli *CLI) error {
	req := map[string]any{"slug": c.Slug}
	var result map[string]any
	if err := post(cli.Server, "resolve_sync_conflict", req, &result); err != nil {
		return err
	}
	return printJSON(result)
}

type ReadSourceCmd struct {
	Slug     string `arg:"" help:"Universe slug."`
	SourceID string `arg:"" help:"Source ID within that universe."`
}

func (c *ReadSourceCmd) Run(cli *CLI) error {
	body, err := postRaw(cli.Server, "read_source", map[string]any{"slug": c.Slug, "sourceId": c.SourceID})
	if err != nil {
		return err
	}
	_, err = os.Stdout.Write(body)
	return err
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

var httpClient = &http.Client{Timeout: 30 * time.Second}

func post(server, command string, reqBody, respBody any) error {
	raw, err := postRaw(server, command, reqBody)
	if err != nil {
		return err
	}
	if respBody == nil || len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, respBody)
}

func postRaw(server, command string, reqBody any) ([]byte, error) {
	var buf bytes.Buffer
	if reqBody != nil {
		if err := json.NewEncoder(&buf).Encode(reqBody); err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
	}

	resp, err := httpClient.Post(server+"/commands/"+command, "application/json", &buf)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", command, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%s: %s", command, string(body))
	}
	return body, nil
}
