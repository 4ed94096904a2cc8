package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/cockroachdb/pebble"
	"github.com/ergochat/readline"

	"github.com/anvilcms/anvil/schema"
	"github.com/anvilcms/anvil/selector"
	"github.com/anvilcms/anvil/store"
	"github.com/anvilcms/anvil/utils"
)

// Inspection REPL over a store directory. Read-only: it speaks rows
// and selectors, not typed clients.
type REPL struct {
	db *pebble.DB
	st *store.Store
	rl *readline.Instance
}

var completer = readline.NewPrefixCompleter(
	readline.PcItem("help"),

	readline.PcItem("open"),
	readline.PcItem("close"),

	readline.PcItem("get"),
	readline.PcItem("list"),
	readline.PcItem("select"),

	readline.PcItem("exit"),
	readline.PcItem("quit"),
)

func filterInput(r rune) (rune, bool) {
	switch r {
	// block CtrlZ feature
	case readline.CharCtrlZ:
		return r, false
	}
	return r, true
}

func (repl *REPL) Open() (err error) {
	repl.rl, err = readline.NewEx(&readline.Config{
		Prompt:          "⚒ ",
		HistoryFile:     ".anvil_cmd_log.txt",
		AutoComplete:    completer,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",

		HistorySearchFold:   true,
		FuncFilterInputRune: filterInput,
	})
	if err != nil {
		return
	}
	repl.rl.CaptureExitSignal()
	return
}

func (repl *REPL) Close() error {
	if repl.db != nil {
		_ = repl.db.Close()
		repl.db = nil
		repl.st = nil
	}
	if repl.rl != nil {
		_ = repl.rl.Close()
		repl.rl = nil
	}
	return nil
}

func (repl *REPL) REPL() error {
	line, err := repl.rl.Readline()
	if err == readline.ErrInterrupt && len(line) != 0 {
		return nil
	}
	if err != nil {
		return err
	}

	line = strings.TrimSpace(line)
	if len(line) == 0 {
		return nil
	}
	cmd, arg := line, ""
	if ws := strings.IndexAny(line, " \t"); ws > 0 {
		cmd = line[:ws]
		arg = strings.TrimSpace(line[ws:])
	}
	switch cmd {
	case "open":
		err = repl.commandOpen(arg)
	case "close":
		err = repl.commandClose()
	case "get", "cat":
		err = repl.commandGet(arg)
	case "ls", "list":
		err = repl.commandList(arg)
	case "select":
		err = repl.commandSelect(arg)
	case "help":
		repl.commandHelp()
	case "exit", "quit":
		return io.EOF
	default:
		_, _ = fmt.Fprintf(os.Stderr, "command unknown: %s\n", cmd)
	}
	return err
}

func (repl *REPL) commandHelp() {
	fmt.Println("open <dir>                open a store directory")
	fmt.Println("get <group/ver/name>      print one row")
	fmt.Println("list [prefix]             list row names and versions")
	fmt.Println("select <group/ver> <sel>  rows matching a label selector")
	fmt.Println("close | exit")
}

func (repl *REPL) commandOpen(dir string) error {
	if dir == "" {
		return fmt.Errorf("usage: open <dir>")
	}
	if repl.db != nil {
		return fmt.Errorf("already open")
	}
	db, err := pebble.Open(dir, &pebble.Options{ReadOnly: true})
	if err != nil {
		return err
	}
	repl.db = db
	repl.st = store.New(db, pebble.NoSync, utils.NewDefaultLogger(slog.LevelWarn))
	return nil
}

func (repl *REPL) commandClose() error {
	if repl.db == nil {
		return fmt.Errorf("nothing open")
	}
	err := repl.db.Close()
	repl.db = nil
	repl.st = nil
	return err
}

func (repl *REPL) commandGet(name string) error {
	if repl.st == nil {
		return fmt.Errorf("no store open")
	}
	row, err := repl.st.Get(context.Background(), name)
	if err != nil {
		return err
	}
	var pretty map[string]any
	if err := json.Unmarshal(row.Data, &pretty); err != nil {
		return err
	}
	buf, _ := json.MarshalIndent(pretty, "", "  ")
	fmt.Printf("%s (v%d)\n%s\n", row.Name, row.Version, buf)
	return nil
}

func (repl *REPL) commandList(prefix string) error {
	if repl.st == nil {
		return fmt.Errorf("no store open")
	}
	for row, err := range repl.st.Scan(context.Background(), prefix) {
		if err != nil {
			return err
		}
		fmt.Printf("%s\tv%d\t%d bytes\n", row.Name, row.Version, len(row.Data))
	}
	return nil
}

func (repl *REPL) commandSelect(arg string) error {
	if repl.st == nil {
		return fmt.Errorf("no store open")
	}
	prefix, expr, _ := strings.Cut(arg, " ")
	if prefix == "" {
		return fmt.Errorf("usage: select <group/version> <label selector>")
	}
	sel, err := selector.Parse(strings.TrimSpace(expr))
	if err != nil {
		return err
	}
	for row, err := range repl.st.Scan(context.Background(), prefix+"/") {
		if err != nil {
			return err
		}
		doc, err := schema.DecodeDoc(row.Data)
		if err != nil {
			continue
		}
		meta, err := schema.DocMetadata(doc)
		if err != nil {
			continue
		}
		if sel.MatchesLabels(meta.Labels) {
			fmt.Printf("%s\tv%d\n", row.Name, row.Version)
		}
	}
	return nil
}

func main() {
	repl := &REPL{}
	if err := repl.Open(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer repl.Close()
	if len(os.Args) > 1 {
		if err := repl.commandOpen(os.Args[1]); err != nil {
			_, _ = fmt.Fprintln(os.Stderr, err)
		}
	}
	for {
		err := repl.REPL()
		if err == io.EOF {
			return
		}
		if err != nil {
			_, _ = fmt.Fprintln(os.Stderr, err)
		}
	}
}
