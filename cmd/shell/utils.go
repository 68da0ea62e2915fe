package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"runtime"
	"sort"
	"strings"

	"github.com/chzyer/readline"
	"github.com/fatih/color"
	jsoniter "github.com/json-iterator/go"
	"github.com/olekukonko/tablewriter"

	"memory-docs/internal/document"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var errNoCollection = errors.New("no collection name provided and no collection is in use. Use 'use <collection_name>' or specify it in the command")

// Color definitions for the interface
var (
	colorOK     = color.New(color.FgGreen, color.Bold).SprintFunc()
	colorErr    = color.New(color.FgRed, color.Bold).SprintFunc()
	colorPrompt = color.New(color.FgMagenta).SprintFunc()
	colorInfo   = color.New(color.FgBlue).SprintFunc()
)

// getCommandAndRawArgs splits input into a command, matching the longest multi-word
// command first, and its raw arguments.
func getCommandAndRawArgs(input string, multiWordCommands []string) (string, string) {
	for _, mwCmd := range multiWordCommands {
		if strings.HasPrefix(input, mwCmd+" ") || input == mwCmd {
			return mwCmd, strings.TrimSpace(input[len(mwCmd):])
		}
	}

	parts := strings.SplitN(input, " ", 2)
	if len(parts) == 1 {
		return parts[0], ""
	}
	return parts[0], strings.TrimSpace(parts[1])
}

// clearScreen clears the terminal screen.
func clearScreen() {
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "windows":
		cmd = exec.Command("cmd", "/c", "cls")
	default:
		cmd = exec.Command("clear")
	}
	cmd.Stdout = os.Stdout
	_ = cmd.Run()
}

func (c *cli) getJSONFromEditor() ([]byte, error) {
	editor := os.Getenv("EDITOR")
	if editor == "" {
		if runtime.GOOS == "windows" {
			editor = "notepad"
		} else {
			editor = "vim"
		}
	}

	tmpfile, err := os.CreateTemp("", "memory-docs-*.json")
	if err != nil {
		return nil, fmt.Errorf("could not create temp file: %w", err)
	}
	tmpfile.Close()
	defer os.Remove(tmpfile.Name())

	// The editor needs the terminal.
	c.rl.Close()

	fmt.Println(colorInfo("Opening editor (", editor, ") for JSON input. Save and close the file to continue..."))

	cmd := exec.Command(editor, tmpfile.Name())
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	runErr := cmd.Run()

	c.rl, err = readline.NewEx(c.rlConfig)
	if err != nil {
		return nil, fmt.Errorf("fatal: could not re-initialize readline: %w", err)
	}
	if runErr != nil {
		return nil, fmt.Errorf("error running editor: %w", runErr)
	}
	return os.ReadFile(tmpfile.Name())
}

// out is where command output goes; it keeps the prompt intact when live queries print.
func (c *cli) out() io.Writer {
	if c.rl != nil {
		return c.rl.Stdout()
	}
	return os.Stdout
}

// getJSONPayload resolves "-" (editor) and "file:<path>" payloads; anything else is
// taken literally.
func (c *cli) getJSONPayload(payload string) ([]byte, error) {
	if payload == "-" {
		return c.getJSONFromEditor()
	}
	if strings.HasPrefix(payload, "file:") {
		return os.ReadFile(strings.TrimPrefix(payload, "file:"))
	}
	return []byte(payload), nil
}

// resolveCollectionName takes the collection from the first argument unless it looks
// like a payload, falling back to the collection in use.
func (c *cli) resolveCollectionName(args string) (string, string, error) {
	parts := strings.Fields(args)
	if len(parts) > 0 &&
		!strings.HasPrefix(parts[0], "{") &&
		!strings.HasPrefix(parts[0], "[") &&
		!strings.HasPrefix(parts[0], "file:") &&
		parts[0] != "-" {
		rest := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(args), parts[0]))
		return parts[0], rest, nil
	}
	if c.currentCollection != "" {
		return c.currentCollection, args, nil
	}
	return "", "", errNoCollection
}

// decodeJSONValues decodes up to max consecutive JSON values from raw, converting
// $$date and $$regex markers. Fewer values than max is not an error.
func decodeJSONValues(raw []byte, max int) ([]any, error) {
	r := bytes.NewReader(bytes.TrimSpace(raw))
	dec := json.NewDecoder(r)
	var out []any
	for len(out) < max && dec.More() {
		var val any
		if err := dec.Decode(&val); err != nil {
			return nil, fmt.Errorf("invalid JSON argument %d: %w", len(out)+1, err)
		}
		v, err := document.FromWire(val)
		if err != nil {
			return nil, err
		}
		out = append(out, document.Normalize(v))
	}
	rest, err := io.ReadAll(io.MultiReader(dec.Buffered(), r))
	if err != nil {
		return nil, err
	}
	if len(bytes.TrimSpace(rest)) > 0 {
		return nil, fmt.Errorf("unexpected input after %d JSON argument(s): %.40s", len(out), bytes.TrimSpace(rest))
	}
	return out, nil
}

func asObject(v any, what string) (map[string]any, error) {
	if v == nil {
		return map[string]any{}, nil
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%s must be a JSON object, got %T", what, v)
	}
	return m, nil
}

// toDisplay renders a value for a table cell.
func toDisplay(v any) string {
	switch t := v.(type) {
	case nil:
		return "(nil)"
	case map[string]any, []any:
		raw, err := json.MarshalIndent(document.ToWire(t), "", "  ")
		if err != nil {
			return fmt.Sprintf("%v", t)
		}
		return string(raw)
	default:
		if document.IsUndefined(t) {
			return "(n/a)"
		}
		if !document.IsPrimitive(t) {
			raw, err := json.Marshal(document.ToWire(t))
			if err == nil {
				return string(raw)
			}
		}
		return fmt.Sprintf("%v", t)
	}
}

// printDocuments renders documents as a table with one column per top-level field.
func printDocuments(w io.Writer, docs []document.Document) {
	if len(docs) == 0 {
		fmt.Fprintln(w, colorInfo("(no documents)"))
		return
	}
	headerSet := make(map[string]bool)
	for _, doc := range docs {
		for key := range doc {
			headerSet[key] = true
		}
	}
	headers := make([]string, 0, len(headerSet))
	for key := range headerSet {
		headers = append(headers, key)
	}
	sort.Strings(headers)

	table := tablewriter.NewWriter(w)
	table.SetHeader(headers)
	table.SetAutoWrapText(false)
	for _, doc := range docs {
		row := make([]string, len(headers))
		for i, header := range headers {
			if val, ok := doc[header]; ok {
				row[i] = toDisplay(val)
			} else {
				row[i] = "(n/a)"
			}
		}
		table.Append(row)
	}
	table.Render()
}

// printKeyValues renders a two-column table in key order.
func printKeyValues(w io.Writer, values map[string]any) {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Key", "Value"})
	table.SetAutoWrapText(false)
	for _, k := range keys {
		table.Append([]string{k, toDisplay(values[k])})
	}
	table.Render()
}
