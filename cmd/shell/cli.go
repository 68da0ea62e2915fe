package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/chzyer/readline"

	"memory-docs/internal/collection"
)

// command is one shell command with its help line and help category.
type command struct {
	help     string
	handler  func(c *cli, args string) error
	category string
}

type cli struct {
	ctx               context.Context
	ws                *workspace
	rl                *readline.Instance
	rlConfig          *readline.Config
	currentCollection string
	commands          map[string]command
	multiWordCommands []string // longest first

	liveMu   sync.Mutex
	live     map[int]*collection.Cursor
	nextLive int
}

func newCLI(ctx context.Context, ws *workspace) *cli {
	c := &cli{
		ctx:  ctx,
		ws:   ws,
		live: make(map[int]*collection.Cursor),
	}
	c.commands = c.getCommands()

	var mwCmds []string
	for cmd := range c.commands {
		if strings.Contains(cmd, " ") {
			mwCmds = append(mwCmds, cmd)
		}
	}
	sort.Slice(mwCmds, func(i, j int) bool {
		return len(mwCmds[i]) > len(mwCmds[j])
	})
	c.multiWordCommands = mwCmds
	return c
}

func (c *cli) run() error {
	c.rlConfig = &readline.Config{
		Prompt:          "> ",
		HistoryFile:     "/tmp/readline_history.tmp",
		AutoComplete:    c.getCompleter(),
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	}

	var err error
	c.rl, err = readline.NewEx(c.rlConfig)
	if err != nil {
		return fmt.Errorf("failed to initialize readline: %w", err)
	}
	defer func() { c.rl.Close() }()
	defer c.stopLive()

	fmt.Println(colorInfo("memory-docs shell on ", c.ws.cfg.Backend, " store at ", c.ws.cfg.DataDir, ". Type 'help' for commands."))
	return c.mainLoop()
}

func (c *cli) prompt() string {
	if c.currentCollection != "" {
		return c.currentCollection + "> "
	}
	return "> "
}

func (c *cli) mainLoop() error {
	for {
		if c.ctx.Err() != nil {
			break
		}
		c.rl.SetPrompt(colorPrompt(c.prompt()))

		input, err := c.rl.Readline()
		if err != nil {
			if errors.Is(err, readline.ErrInterrupt) {
				if len(input) == 0 {
					break
				}
				continue
			} else if errors.Is(err, io.EOF) {
				break
			}
			return err
		}

		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}

		if err := c.execute(input); errors.Is(err, io.EOF) {
			break
		}
	}
	fmt.Println(colorInfo("\nExiting shell. Goodbye!"))
	return nil
}

// execute runs one input line and prints its outcome. It returns io.EOF when the shell
// should exit.
func (c *cli) execute(input string) error {
	cmd, args := getCommandAndRawArgs(input, c.multiWordCommands)
	handler, found := c.commands[cmd]
	if !found {
		fmt.Println(colorErr("Error: Unknown command. Type 'help' for commands: ", cmd))
		return nil
	}

	startTime := time.Now()
	if err := handler.handler(c, args); err != nil {
		if errors.Is(err, io.EOF) {
			return io.EOF
		}
		fmt.Println(colorErr("Command failed: ", err))
	}
	if cmd != "clear" && cmd != "help" {
		fmt.Println(colorInfo("Request time: ", time.Since(startTime).Round(time.Millisecond)))
	}
	return nil
}

func (c *cli) addLive(cur *collection.Cursor) int {
	c.liveMu.Lock()
	defer c.liveMu.Unlock()
	c.nextLive++
	c.live[c.nextLive] = cur
	return c.nextLive
}

func (c *cli) removeLive(id int) bool {
	c.liveMu.Lock()
	cur, ok := c.live[id]
	delete(c.live, id)
	c.liveMu.Unlock()
	if ok {
		cur.Stop()
	}
	return ok
}

func (c *cli) stopLive() {
	c.liveMu.Lock()
	live := c.live
	c.live = make(map[int]*collection.Cursor)
	c.liveMu.Unlock()
	for _, cur := range live {
		cur.Stop()
	}
}
