package main

import (
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"

	"memory-docs/internal/collection"
	"memory-docs/internal/document"
	"memory-docs/internal/index"
	"memory-docs/internal/persistence"
	"memory-docs/internal/query"
)

// getCommands defines all available commands, their help, handler, and category.
func (c *cli) getCommands() map[string]command {
	return map[string]command{
		// General
		"help":  {help: "help - Shows this help message", handler: (*cli).handleHelp, category: "General"},
		"exit":  {help: "exit - Exits the shell", handler: (*cli).handleExit, category: "General"},
		"clear": {help: "clear - Clears the screen", handler: (*cli).handleClear, category: "General"},
		"use":   {help: "use <collection>|exit - Selects the collection later commands default to", handler: (*cli).handleUse, category: "General"},

		// Collection Management
		"collection list": {help: "collection list - Lists the collections of the data directory", handler: (*cli).handleCollectionList, category: "Collection Management"},

		// Documents
		"insert": {help: "insert [<coll>] <doc_json|array|file:path|-> - Inserts one or more documents", handler: (*cli).handleInsert, category: "Documents"},
		"get":    {help: "get [<coll>] <id> - Gets a document by _id", handler: (*cli).handleGet, category: "Documents"},
		"update": {help: `update [<coll>] <query_json> <fields_json> [{"multi":true,"upsert":true,"replace":true}] - Sets fields on (or replaces) matching documents`, handler: (*cli).handleUpdate, category: "Documents"},
		"remove": {help: `remove [<coll>] <query_json> [{"multi":true}] - Removes matching documents`, handler: (*cli).handleRemove, category: "Documents"},

		// Query
		"find":      {help: `find [<coll>] [<query_json>] [{"sort":["-age","name"],"skip":0,"limit":10}] - Finds documents`, handler: (*cli).handleFind, category: "Query"},
		"count":     {help: "count [<coll>] [<query_json>] - Counts matching documents", handler: (*cli).handleCount, category: "Query"},
		"live":      {help: "live [<coll>] [<query_json>] [<find_options>] - Prints the result again whenever it changes", handler: (*cli).handleLive, category: "Query"},
		"live stop": {help: "live stop <id>|all - Stops a live query", handler: (*cli).handleLiveStop, category: "Query"},

		// Index Management
		"index create": {help: "index create [<coll>] <field[,field...]> [unique] [sparse] - Creates and builds an index", handler: (*cli).handleIndexCreate, category: "Index Management"},
		"index delete": {help: "index delete [<coll>] <name> - Deletes an index", handler: (*cli).handleIndexDelete, category: "Index Management"},
		"index list":   {help: "index list [<coll>] - Lists the indexes of a collection", handler: (*cli).handleIndexList, category: "Index Management"},

		// Snapshots
		"export":  {help: "export [<coll>] [<file>] - Writes a compressed snapshot (default: timestamped file in the backup dir)", handler: (*cli).handleExport, category: "Snapshots"},
		"import":  {help: "import [<coll>] <file> - Loads a snapshot into a collection", handler: (*cli).handleImport, category: "Snapshots"},
		"backups": {help: "backups [<coll>] - Lists the snapshots of a collection in the backup dir", handler: (*cli).handleBackups, category: "Snapshots"},
	}
}

type findOptions struct {
	Sort  []string `json:"sort"`
	Skip  int      `json:"skip"`
	Limit int      `json:"limit"`
}

type updateOptions struct {
	Multi   bool `json:"multi"`
	Upsert  bool `json:"upsert"`
	Replace bool `json:"replace"`
}

type removeOptions struct {
	Multi bool `json:"multi"`
}

// decodeOptions converts a decoded JSON argument into one of the option structs.
func decodeOptions(v any, out any) error {
	if v == nil {
		return nil
	}
	raw, err := json.Marshal(document.ToWire(v))
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("invalid options: %w", err)
	}
	return nil
}

// splitTarget picks the collection for commands whose arguments are plain words.
// The first word names the collection when there are more than want words, or when no
// collection is in use.
func (c *cli) splitTarget(args string, want int) (string, []string, error) {
	parts := strings.Fields(args)
	if len(parts) > want || (c.currentCollection == "" && len(parts) > 0) {
		return parts[0], parts[1:], nil
	}
	if c.currentCollection == "" {
		return "", nil, errNoCollection
	}
	return c.currentCollection, parts, nil
}

// jsonArgs resolves the collection and decodes up to max JSON arguments after it.
func (c *cli) jsonArgs(args string, max int) (*collection.Collection, []any, error) {
	name, rest, err := c.resolveCollectionName(args)
	if err != nil {
		return nil, nil, err
	}
	payload, err := c.getJSONPayload(rest)
	if err != nil {
		return nil, nil, err
	}
	values, err := decodeJSONValues(payload, max)
	if err != nil {
		return nil, nil, err
	}
	coll, err := c.ws.open(c.ctx, name)
	if err != nil {
		return nil, nil, err
	}
	return coll, values, nil
}

func arg(values []any, i int) any {
	if i < len(values) {
		return values[i]
	}
	return nil
}

func (c *cli) handleHelp(args string) error {
	categories := make(map[string][]string)
	var categoryOrder []string
	for _, cmd := range c.commands {
		if _, ok := categories[cmd.category]; !ok {
			categoryOrder = append(categoryOrder, cmd.category)
		}
		categories[cmd.category] = append(categories[cmd.category], cmd.help)
	}
	sort.Strings(categoryOrder)

	fmt.Println(colorInfo("Available commands:"))
	for _, category := range categoryOrder {
		fmt.Println(colorOK("\n" + category))
		helps := categories[category]
		sort.Strings(helps)
		for _, h := range helps {
			fmt.Println("  " + h)
		}
	}
	fmt.Println(colorInfo("\nJSON arguments may be given inline, as file:<path>, or '-' to open $EDITOR. Dates and regexes use {\"$$date\": <ms>} and {\"$$regex\": \"/pattern/flags\"}."))
	return nil
}

func (c *cli) handleExit(args string) error {
	return io.EOF
}

func (c *cli) handleClear(args string) error {
	clearScreen()
	return nil
}

func (c *cli) handleUse(args string) error {
	name := strings.TrimSpace(args)
	if name == "" {
		return errors.New("usage: use <collection>|exit")
	}
	if name == "exit" {
		c.currentCollection = ""
		fmt.Println(colorOK("√ No collection in use."))
		return nil
	}
	if _, err := c.ws.open(c.ctx, name); err != nil {
		return err
	}
	c.currentCollection = name
	fmt.Println(colorOK("√ Using collection '", name, "'."))
	return nil
}

func (c *cli) handleCollectionList(args string) error {
	names := c.ws.names()
	if len(names) == 0 {
		fmt.Println(colorInfo("(no collections)"))
		return nil
	}
	table := tablewriter.NewWriter(c.out())
	table.SetHeader([]string{"Collection", "In use"})
	for _, name := range names {
		inUse := ""
		if name == c.currentCollection {
			inUse = "*"
		}
		table.Append([]string{name, inUse})
	}
	table.Render()
	return nil
}

func (c *cli) handleInsert(args string) error {
	coll, values, err := c.jsonArgs(args, 1)
	if err != nil {
		return err
	}
	var docs []document.Document
	switch v := arg(values, 0).(type) {
	case map[string]any:
		docs = append(docs, v)
	case []any:
		for i, el := range v {
			doc, ok := el.(map[string]any)
			if !ok {
				return fmt.Errorf("element %d is %T, expected an object", i, el)
			}
			docs = append(docs, doc)
		}
	case nil:
		return errors.New("usage: insert [<coll>] <doc_json|array|file:path|->")
	default:
		return fmt.Errorf("cannot insert a %T", v)
	}

	inserted, err := coll.Insert(c.ctx, docs...)
	if err != nil {
		return err
	}
	fmt.Println(colorOK("√ Inserted ", len(inserted), " document(s)."))
	printDocuments(c.out(), inserted)
	return nil
}

func (c *cli) handleGet(args string) error {
	name, parts, err := c.splitTarget(args, 1)
	if err != nil {
		return err
	}
	if len(parts) != 1 {
		return errors.New("usage: get [<coll>] <id>")
	}
	coll, err := c.ws.open(c.ctx, name)
	if err != nil {
		return err
	}
	doc, err := coll.Get(c.ctx, parts[0])
	if err != nil {
		return err
	}
	printKeyValues(c.out(), doc)
	return nil
}

// buildCursor applies find options to a cursor over q.
func buildCursor(coll *collection.Collection, q, opts any) (*collection.Cursor, error) {
	qm, err := asObject(q, "query")
	if err != nil {
		return nil, err
	}
	var fo findOptions
	if err := decodeOptions(opts, &fo); err != nil {
		return nil, err
	}
	cur := coll.Find(query.Query(qm)).Skip(fo.Skip).Limit(fo.Limit)
	for _, key := range fo.Sort {
		if field, ok := strings.CutPrefix(key, "-"); ok {
			cur.Sort(field, -1)
		} else {
			cur.Sort(strings.TrimPrefix(key, "+"), 1)
		}
	}
	return cur, nil
}

func (c *cli) handleFind(args string) error {
	coll, values, err := c.jsonArgs(args, 2)
	if err != nil {
		return err
	}
	cur, err := buildCursor(coll, arg(values, 0), arg(values, 1))
	if err != nil {
		return err
	}
	docs, err := cur.Docs(c.ctx)
	if err != nil {
		return err
	}
	printDocuments(c.out(), docs)
	fmt.Println(colorInfo(len(docs), " document(s)"))
	return nil
}

func (c *cli) handleCount(args string) error {
	coll, values, err := c.jsonArgs(args, 1)
	if err != nil {
		return err
	}
	q, err := asObject(arg(values, 0), "query")
	if err != nil {
		return err
	}
	n, err := coll.Count(c.ctx, query.Query(q))
	if err != nil {
		return err
	}
	fmt.Println(colorOK(n, " document(s)"))
	return nil
}

func (c *cli) handleUpdate(args string) error {
	coll, values, err := c.jsonArgs(args, 3)
	if err != nil {
		return err
	}
	if len(values) < 2 {
		return errors.New("usage: update [<coll>] <query_json> <fields_json> [options_json]")
	}
	q, err := asObject(values[0], "query")
	if err != nil {
		return err
	}
	fields, err := asObject(values[1], "fields")
	if err != nil {
		return err
	}
	var uo updateOptions
	if err := decodeOptions(arg(values, 2), &uo); err != nil {
		return err
	}

	modifier := collection.Merge(fields)
	if uo.Replace {
		modifier = collection.Replace(fields)
	}
	res, err := coll.Update(c.ctx, query.Query(q), modifier, collection.UpdateOptions{
		Multi:             uo.Multi,
		Upsert:            uo.Upsert,
		ReturnUpdatedDocs: true,
	})
	if err != nil {
		return err
	}
	if res.Upserted {
		fmt.Println(colorOK("√ No match, document upserted."))
	} else {
		fmt.Println(colorOK("√ Updated ", res.Matched, " document(s)."))
	}
	printDocuments(c.out(), res.Docs)
	return nil
}

func (c *cli) handleRemove(args string) error {
	coll, values, err := c.jsonArgs(args, 2)
	if err != nil {
		return err
	}
	if len(values) == 0 {
		return errors.New("usage: remove [<coll>] <query_json> [options_json]")
	}
	q, err := asObject(values[0], "query")
	if err != nil {
		return err
	}
	var ro removeOptions
	if err := decodeOptions(arg(values, 1), &ro); err != nil {
		return err
	}
	n, err := coll.Remove(c.ctx, query.Query(q), collection.RemoveOptions{Multi: ro.Multi})
	if err != nil {
		return err
	}
	fmt.Println(colorOK("√ Removed ", n, " document(s)."))
	return nil
}

func (c *cli) handleLive(args string) error {
	coll, values, err := c.jsonArgs(args, 2)
	if err != nil {
		return err
	}
	cur, err := buildCursor(coll, arg(values, 0), arg(values, 1))
	if err != nil {
		return err
	}

	out := c.out()
	id := c.addLive(cur)
	name := coll.Name()
	err = cur.Live(c.ctx, func(res collection.Result, err error) {
		if err != nil {
			fmt.Fprintln(out, colorErr("live #", id, " on '", name, "' failed: ", err))
			if errors.Is(err, collection.ErrCollectionClosed) {
				c.removeLive(id)
			}
			return
		}
		fmt.Fprintln(out, colorInfo("live #", id, " on '", name, "' at ", time.Now().Format(time.TimeOnly), ": ", res.Count, " document(s)"))
		printDocuments(out, res.Docs)
	})
	if err != nil {
		c.removeLive(id)
		return err
	}
	fmt.Println(colorOK("√ Live query #", id, " started. Stop it with: live stop ", id))
	return nil
}

func (c *cli) handleLiveStop(args string) error {
	target := strings.TrimSpace(args)
	if target == "all" {
		c.stopLive()
		fmt.Println(colorOK("√ All live queries stopped."))
		return nil
	}
	id, err := strconv.Atoi(target)
	if err != nil {
		return errors.New("usage: live stop <id>|all")
	}
	if !c.removeLive(id) {
		return fmt.Errorf("no live query #%d", id)
	}
	fmt.Println(colorOK("√ Live query #", id, " stopped."))
	return nil
}

func (c *cli) handleIndexCreate(args string) error {
	var opts index.Options
	var words []string
	for _, w := range strings.Fields(args) {
		switch w {
		case "unique":
			opts.Unique = true
		case "sparse":
			opts.Sparse = true
		default:
			words = append(words, w)
		}
	}
	name, parts, err := c.splitTarget(strings.Join(words, " "), 1)
	if err != nil {
		return err
	}
	if len(parts) != 1 {
		return errors.New("usage: index create [<coll>] <field[,field...]> [unique] [sparse]")
	}
	opts.Fields = strings.Split(parts[0], ",")

	coll, err := c.ws.open(c.ctx, name)
	if err != nil {
		return err
	}
	if err := coll.EnsureIndex(c.ctx, opts); err != nil {
		return err
	}
	if err := c.ws.saveIndexes(coll); err != nil {
		return err
	}
	fmt.Println(colorOK("√ Index '", opts.Name(), "' ready on '", name, "'."))
	return nil
}

func (c *cli) handleIndexDelete(args string) error {
	name, parts, err := c.splitTarget(args, 1)
	if err != nil {
		return err
	}
	if len(parts) != 1 {
		return errors.New("usage: index delete [<coll>] <name>")
	}
	coll, err := c.ws.open(c.ctx, name)
	if err != nil {
		return err
	}
	if err := coll.RemoveIndex(c.ctx, parts[0]); err != nil {
		return err
	}
	if err := c.ws.saveIndexes(coll); err != nil {
		return err
	}
	fmt.Println(colorOK("√ Index '", parts[0], "' deleted."))
	return nil
}

func (c *cli) handleIndexList(args string) error {
	name, _, err := c.splitTarget(args, 0)
	if err != nil {
		return err
	}
	coll, err := c.ws.open(c.ctx, name)
	if err != nil {
		return err
	}
	table := tablewriter.NewWriter(c.out())
	table.SetHeader([]string{"Name", "Unique", "Sparse", "Keys", "Multikey", "Ready"})
	for _, info := range coll.Indexes() {
		table.Append([]string{
			info.Name,
			strconv.FormatBool(info.Options.Unique),
			strconv.FormatBool(info.Options.Sparse),
			strconv.Itoa(info.NumKeys),
			strconv.FormatBool(info.MultiKey),
			strconv.FormatBool(info.Ready),
		})
	}
	table.Render()
	return nil
}

func (c *cli) handleExport(args string) error {
	name, parts, err := c.splitTarget(args, 1)
	if err != nil {
		return err
	}
	coll, err := c.ws.open(c.ctx, name)
	if err != nil {
		return err
	}
	path := persistence.BackupPath(c.ws.cfg.BackupDir, name, time.Now())
	if len(parts) > 0 {
		path = parts[0]
	}
	summary, err := c.ws.export(c.ctx, coll, path)
	if err != nil {
		return err
	}
	fmt.Println(colorOK("√ Exported ", summary.Documents, " document(s) and ", len(summary.Indexes), " index definition(s) to ", path))
	return nil
}

func (c *cli) handleImport(args string) error {
	name, parts, err := c.splitTarget(args, 1)
	if err != nil {
		return err
	}
	if len(parts) != 1 {
		return errors.New("usage: import [<coll>] <file>")
	}
	coll, err := c.ws.open(c.ctx, name)
	if err != nil {
		return err
	}
	summary, err := c.ws.importSnapshot(c.ctx, coll, parts[0])
	if err != nil {
		return err
	}
	fmt.Println(colorOK("√ Imported ", summary.Documents, " document(s) and ", len(summary.Indexes), " index definition(s) into '", name, "'."))
	return nil
}

func (c *cli) handleBackups(args string) error {
	name, _, err := c.splitTarget(args, 0)
	if err != nil {
		return err
	}
	backups, err := persistence.ListBackups(c.ws.cfg.BackupDir, name)
	if err != nil {
		return err
	}
	if len(backups) == 0 {
		fmt.Println(colorInfo("(no backups of '", name, "')"))
		return nil
	}
	table := tablewriter.NewWriter(c.out())
	table.SetHeader([]string{"Backup", "Path"})
	for _, path := range backups {
		table.Append([]string{filepath.Base(path), path})
	}
	table.Render()
	return nil
}
