package main

import (
	"github.com/chzyer/readline"
)

func (c *cli) getCompleter() readline.AutoCompleter {
	collections := func() readline.PrefixCompleterInterface {
		return readline.PcItemDynamic(c.fetchCollectionNames)
	}
	return readline.NewPrefixCompleter(
		readline.PcItem("use",
			readline.PcItem("exit"),
			collections(),
		),
		readline.PcItem("collection", readline.PcItem("list")),
		readline.PcItem("insert", collections()),
		readline.PcItem("get", collections()),
		readline.PcItem("update", collections()),
		readline.PcItem("remove", collections()),
		readline.PcItem("find", collections()),
		readline.PcItem("count", collections()),
		readline.PcItem("live",
			readline.PcItem("stop", readline.PcItem("all")),
			collections(),
		),
		readline.PcItem("index",
			readline.PcItem("create", collections()),
			readline.PcItem("delete", collections()),
			readline.PcItem("list", collections()),
		),
		readline.PcItem("export", collections()),
		readline.PcItem("import", collections()),
		readline.PcItem("backups", collections()),
		readline.PcItem("clear"),
		readline.PcItem("help"),
		readline.PcItem("exit"),
	)
}

// fetchCollectionNames suggests the collections of the data directory.
func (c *cli) fetchCollectionNames(line string) []string {
	return c.ws.names()
}
