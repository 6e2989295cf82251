// Package cli is an interactive console client for a running broker.
// It reads operation commands, submits them as REST transactions, and
// renders the response rows as tables.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/chzyer/readline"
	"github.com/jedib0t/go-pretty/table"
	"github.com/jedib0t/go-pretty/text"
	"github.com/pkg/errors"

	"github.com/dsbroker/dsbroker"
	"github.com/dsbroker/dsbroker/logger"
)

const (
	defaultHost string = "localhost"
	promptBegin string = "dsbroker> "
	exitCommand string = "exit"
	nullValue   string = "NULL"
)

var (
	Stdin  io.ReadCloser = os.Stdin
	Stdout io.Writer     = os.Stdout
	Stderr io.Writer     = os.Stderr
)

var splash string = fmt.Sprintf(`dsbroker CLI (%s)
Commands:
  fetch  <dataSource> [criteria-json]
  add    <dataSource> <values-json>
  update <dataSource> <criteria-json> <values-json>
  remove <dataSource> <criteria-json>
Type "exit" to quit.
`, dsbroker.VersionInfo())

type CLICommand struct {
	Host        string `json:"host"`
	Port        string `json:"port"`
	BasePath    string `json:"base-path"`
	HistoryPath string `json:"history-path"`

	Queryer Queryer `json:"-"`

	Stdin  io.ReadCloser `json:"-"`
	Stdout io.Writer     `json:"-"`
	Stderr io.Writer     `json:"-"`

	log logger.Logger
}

func NewCLICommand(logdest logger.Logger) *CLICommand {
	return &CLICommand{
		Host:     defaultHost,
		Port:     "8080",
		BasePath: dsbroker.DefaultRESTCallPath,

		Stdin:  Stdin,
		Stdout: Stdout,
		Stderr: Stderr,

		log: logdest,
	}
}

func (cmd *CLICommand) Printf(format string, a ...interface{}) {
	fmt.Fprintf(cmd.Stdout, format, a...)
}

func (cmd *CLICommand) setupHistory() {
	// If HistoryPath has already been configured (i.e. with a command flag),
	// don't bother setting up the default in the home directory.
	if cmd.HistoryPath != "" {
		return
	}

	historyPath := ""
	if home, err := os.UserHomeDir(); err != nil {
		cmd.Printf("Error getting home directory, command history persistence will be disabled: %v\n", err)
	} else {
		historyDir := filepath.Join(home, ".dsbroker")
		err := os.MkdirAll(historyDir, 0o750)
		if err != nil {
			cmd.Printf("Creating directory for history: %v\n", err)
		} else {
			historyPath = filepath.Join(historyDir, "cli_history")
		}
	}
	cmd.HistoryPath = historyPath
}

func (cmd *CLICommand) setupClient() error {
	// If the Queryer has already been set (in tests for example), don't
	// bother building one.
	if cmd.Queryer != nil {
		return nil
	}
	if strings.TrimSpace(cmd.Host) == "" {
		return errors.Errorf("no host provided")
	}
	if !strings.HasPrefix(cmd.Host, "http") {
		cmd.Host = "http://" + cmd.Host
	}
	cmd.Queryer = &restQueryer{
		Host:     cmd.Host,
		Port:     cmd.Port,
		BasePath: cmd.BasePath,
	}
	return nil
}

func hostPort(host, port string) string {
	if port == "" {
		return host
	}
	return host + ":" + port
}

func (cmd *CLICommand) Run(ctx context.Context) error {
	cmd.Printf(splash)
	cmd.setupHistory()
	if err := cmd.setupClient(); err != nil {
		return errors.Wrap(err, "setting up client")
	}
	cmd.Printf("Host: %s\n", hostPort(cmd.Host, cmd.Port))

	rl, err := readline.NewEx(&readline.Config{
		Prompt:       promptBegin,
		HistoryFile:  cmd.HistoryPath,
		HistoryLimit: 100000,

		Stdin:  cmd.Stdin,
		Stdout: cmd.Stdout,
		Stderr: cmd.Stderr,
	})
	if err != nil {
		return errors.Wrap(err, "getting readline")
	}
	defer rl.Close()

	for {
		line, err := rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt || err == io.EOF {
				return nil
			}
			return errors.Wrap(err, "reading line")
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if line == exitCommand || line == exitCommand+";" {
			return nil
		}

		op, perr := parseCommand(line)
		if perr != nil {
			cmd.Printf("Error: %v\n", perr)
			continue
		}
		responses, qerr := cmd.Queryer.Query(ctx, map[string]interface{}{
			"operations": []interface{}{op},
		})
		if qerr != nil {
			cmd.Printf("Error: %v\n", qerr)
			continue
		}
		for _, resp := range responses {
			cmd.writeResponse(resp)
		}
	}
}

// parseCommand turns one console line into an operation document. JSON
// arguments are decoded as a stream so embedded spaces survive.
func parseCommand(line string) (map[string]interface{}, error) {
	fields := strings.SplitN(line, " ", 3)
	if len(fields) < 2 {
		return nil, errors.Errorf("usage: <operationType> <dataSource> [json ...]")
	}
	opType := fields[0]
	dsName := fields[1]
	if _, ok := dsbroker.ParseOperationType(opType); !ok {
		return nil, errors.Errorf("unknown operation type '%s'", opType)
	}

	var docs []interface{}
	if len(fields) == 3 {
		dec := json.NewDecoder(strings.NewReader(fields[2]))
		for dec.More() {
			var doc interface{}
			if err := dec.Decode(&doc); err != nil {
				return nil, errors.Wrap(err, "parsing json argument")
			}
			docs = append(docs, doc)
		}
	}

	op := map[string]interface{}{
		"operationConfig": map[string]interface{}{
			"dataSource":    dsName,
			"operationType": opType,
		},
	}
	switch opType {
	case string(dsbroker.OpAdd):
		if len(docs) != 1 {
			return nil, errors.Errorf("add takes exactly one values document")
		}
		op["values"] = docs[0]
	case string(dsbroker.OpUpdate):
		if len(docs) != 2 {
			return nil, errors.Errorf("update takes criteria and values documents")
		}
		op["criteria"] = docs[0]
		op["values"] = docs[1]
	case string(dsbroker.OpRemove):
		if len(docs) != 1 {
			return nil, errors.Errorf("remove takes exactly one criteria document")
		}
		op["criteria"] = docs[0]
	default:
		if len(docs) > 1 {
			return nil, errors.Errorf("%s takes at most one criteria document", opType)
		}
		if len(docs) == 1 {
			op["criteria"] = docs[0]
		}
	}
	return op, nil
}

func (cmd *CLICommand) writeResponse(r WireResponse) {
	if r.Status != 0 {
		fmt.Fprintf(cmd.Stderr, "Error (status %d): %v\n", r.Status, r.Data)
		return
	}

	records := r.Records()
	if len(records) == 0 {
		cmd.Printf("OK, %d row(s) affected\n", r.AffectedRows)
		return
	}

	t := table.NewWriter()
	t.SetOutputMirror(cmd.Stdout)

	// Don't uppercase the header values.
	t.Style().Format.Header = text.FormatDefault

	cols := columnsOf(records)
	t.AppendHeader(headerRow(cols))
	for _, rec := range records {
		row := make(table.Row, len(cols))
		for i, col := range cols {
			// go-pretty doesn't expect nil values in the data.
			if v, ok := rec[col]; ok && v != nil {
				row[i] = v
			} else {
				row[i] = nullValue
			}
		}
		t.AppendRow(row)
	}
	t.Render()
	cmd.Printf("Rows %d-%d of %d\n", r.StartRow, r.EndRow, r.TotalRows)
}

// columnsOf returns the sorted union of record keys, so ragged records
// still render as one table.
func columnsOf(records []map[string]interface{}) []string {
	seen := make(map[string]bool)
	var cols []string
	for _, rec := range records {
		for k := range rec {
			if !seen[k] {
				seen[k] = true
				cols = append(cols, k)
			}
		}
	}
	sort.Strings(cols)
	return cols
}

func headerRow(cols []string) table.Row {
	row := make(table.Row, len(cols))
	for i, c := range cols {
		row[i] = c
	}
	return row
}
