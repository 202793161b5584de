package client

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/liushuochen/gotable"
	"github.com/liushuochen/gotable/cell"
	table2 "github.com/liushuochen/gotable/table"

	"github.com/allen1211/baskets/internal/netw"
	"github.com/allen1211/baskets/pkg/basket"
	"github.com/allen1211/baskets/pkg/protocol"
)

type Operation string

const (
	NoOp     Operation = ""
	OpPut    Operation = "put"
	OpGet    Operation = "get"
	OpDelete Operation = "del"
	OpStat   Operation = "stat"
	OpMode   Operation = "mode"
	OpStatus Operation = "status"
	OpDump   Operation = "dump"

	OpHelp Operation = "help"
	OpQuit Operation = "quit"
)

type OpDesc struct {
	argc  int
	usage string
	desc  string
}

var opMap = map[Operation]OpDesc{
	NoOp:     {0, "", ""},
	OpPut:    {2, "put [key] [file] [class]", "store a local file as a new basket"},
	OpGet:    {1, "get [key]", "list the hosts and paths holding a basket"},
	OpDelete: {1, "del [key]", "delete a basket everywhere"},
	OpStat:   {1, "stat [host:port]", "STATUS of a gateway or peer"},
	OpMode:   {1, "mode [admin] [status] [auto on|off]", "show or change the status of a peer"},
	OpStatus: {1, "status [admin]", "status report of a peer"},
	OpDump:   {1, "dump [admin] [limit]", "replication queue of a peer"},
	OpHelp:   {0, "help", "show this guide"},
	OpQuit:   {0, "quit", "exit"},
}

var guideOrder = []Operation{OpHelp, OpQuit, OpPut, OpGet, OpDelete, OpStat, OpMode, OpStatus, OpDump}

// ConsoleClient is an interactive shell over a Client plus the admin rpcx
// service of peers.
type ConsoleClient struct {
	api     API
	conv    *basket.Converter
	timeout time.Duration

	stdin  *bufio.Scanner
	stdout *bufio.Writer
	lineCh chan string
}

func MakeConsoleClient(c *Client, in io.Reader, out io.Writer) *ConsoleClient {
	if in == nil {
		in = os.Stdin
	}
	if out == nil {
		out = os.Stdout
	}
	return &ConsoleClient{
		api:     c,
		conv:    c.Converter(),
		timeout: c.conf.Timeout.Duration,
		stdin:   bufio.NewScanner(in),
		stdout:  bufio.NewWriter(out),
		lineCh:  make(chan string, 100),
	}
}

// Start serves input lines until quit or end of input.
func (cc *ConsoleClient) Start() {
	printUserGuide(cc.stdout)
	_, _ = cc.stdout.WriteString("\n" + cc.slash())
	_ = cc.stdout.Flush()

	go cc.inputG()
	cc.outputG()
}

func (cc *ConsoleClient) inputG() {
	defer close(cc.lineCh)
	for cc.stdin.Scan() {
		cc.lineCh <- cc.stdin.Text()
	}
}

func (cc *ConsoleClient) outputG() {
	for line := range cc.lineCh {
		op, args, err := cc.parseInput(line)
		if err != nil {
			cc.output(err.Error())
			continue
		}
		if op == OpQuit {
			_ = cc.stdout.Flush()
			return
		}
		cc.process(op, args)
	}
}

func (cc *ConsoleClient) process(op Operation, args []string) {
	opDesc := opMap[op]
	if len(args) < opDesc.argc {
		cc.output(
			fmt.Sprintf("not enough arguments for operation %s, require: %d, given: %d", op, opDesc.argc, len(args)),
			opDesc.usage,
		)
		return
	}

	switch op {
	case NoOp:
		cc.output()
	case OpHelp:
		printUserGuide(cc.stdout)
		cc.output()

	case OpPut:
		k, ok := cc.key(args[0])
		if !ok {
			return
		}
		class := "default"
		if len(args) > 2 {
			class = args[2]
		}
		cc.put(k, args[1], class)

	case OpGet:
		k, ok := cc.key(args[0])
		if !ok {
			return
		}
		paths, err := cc.api.Get(k)
		if err != nil {
			cc.output(err.Error())
			return
		}
		cc.printPaths(paths)
		cc.output()

	case OpDelete:
		k, ok := cc.key(args[0])
		if !ok {
			return
		}
		if err := cc.api.Delete(k); err != nil {
			cc.output(err.Error())
			return
		}
		cc.output("OK")

	case OpStat:
		resp, err := cc.api.Send(args[0], protocol.NewStatus(nil))
		if err == nil {
			err = resp.Err()
		}
		if err != nil {
			cc.output(err.Error())
			return
		}
		items := map[string]string{}
		for k, v := range resp.StatusMap {
			items[k] = fmt.Sprint(v)
		}
		cc.printItems(items)
		cc.output()

	case OpMode:
		margs := &netw.ModeArgs{}
		if len(args) > 1 {
			margs.Mode = args[1]
		}
		if len(args) > 3 && args[2] == "auto" {
			margs.Auto = args[3]
		}
		reply := &netw.ModeReply{}
		if err := cc.admin(args[0], netw.ApiMode, margs, reply); err != nil {
			cc.output(err.Error())
			return
		}
		if reply.Err != "" {
			cc.output(reply.Err)
			return
		}
		cc.output(fmt.Sprintf("%s -> %s (auto %s)", reply.Previous, reply.Current, reply.Auto))

	case OpStatus:
		reply := &netw.StatusReply{}
		if err := cc.admin(args[0], netw.ApiStatus, &netw.StatusArgs{}, reply); err != nil {
			cc.output(err.Error())
			return
		}
		items := map[string]string{"host": reply.Host, "status": reply.Status}
		for k, v := range reply.Items {
			items[k] = v
		}
		cc.printItems(items)
		cc.output()

	case OpDump:
		dargs := &netw.DumpArgs{}
		if len(args) > 1 {
			limit, err := strconv.Atoi(args[1])
			if err != nil {
				cc.output(fmt.Sprintf("argument [limit] parse error: %v", err))
				return
			}
			dargs.Limit = limit
		}
		reply := &netw.DumpReply{}
		if err := cc.admin(args[0], netw.ApiDump, dargs, reply); err != nil {
			cc.output(err.Error())
			return
		}
		cc.printDump(reply.Entries)
		cc.output()
	}
}

func (cc *ConsoleClient) key(s string) (basket.Key, bool) {
	k, err := basket.ParseKey(s)
	if err != nil {
		cc.output(fmt.Sprintf("argument [key] parse error: %v", err))
		return basket.Key{}, false
	}
	return k, true
}

func (cc *ConsoleClient) put(k basket.Key, file, class string) {
	fi, err := os.Stat(file)
	if err != nil {
		cc.output(err.Error())
		return
	}
	if fi.IsDir() {
		cc.output(fmt.Sprintf("%s is a directory", file))
		return
	}
	var stored string
	err = cc.api.Create(k, protocol.Hints{Length: fi.Size(), Class: class}, func(host, path string) error {
		stored = host + ":" + path
		return copyFile(file, filepath.Join(path, filepath.Base(file)))
	})
	if err != nil {
		cc.output(err.Error())
		return
	}
	cc.output("OK", stored)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}

func (cc *ConsoleClient) admin(addr, api string, args, reply interface{}) error {
	end, err := netw.MakeRPCEnd(netw.AdminService, addr, cc.timeout)
	if err != nil {
		return err
	}
	defer end.Close()
	return end.Call(api, args, reply)
}

func (cc *ConsoleClient) output(lines ...string) {
	for _, line := range lines {
		_, _ = cc.stdout.WriteString(line)
		_, _ = cc.stdout.WriteString("\n")
	}
	if len(lines) == 0 {
		_, _ = cc.stdout.WriteString("\n")
	}
	_, _ = cc.stdout.WriteString(cc.slash())
	_ = cc.stdout.Flush()
}

func (cc *ConsoleClient) parseInput(line string) (op Operation, args []string, err error) {
	ss := strings.Fields(line)
	if len(ss) == 0 {
		return NoOp, nil, nil
	}
	op = Operation(strings.ToLower(ss[0]))
	if _, ok := opMap[op]; !ok {
		return NoOp, nil, fmt.Errorf("unsupported operation: %s", ss[0])
	}
	return op, ss[1:], nil
}

func (cc *ConsoleClient) slash() string {
	return "> "
}

func newTable(cols ...string) *table2.Table {
	table, err := gotable.Create(cols...)
	if err != nil {
		panic(err)
	}
	for _, col := range cols {
		table.Align(col, cell.AlignLeft)
	}
	return table
}

func printUserGuide(stdout *bufio.Writer) {
	table := newTable("cmd", "usage", "describe")
	table.CloseBorder()
	for _, op := range guideOrder {
		desc := opMap[op]
		if err := table.AddRow([]string{string(op), desc.usage, desc.desc}); err != nil {
			panic(err)
		}
	}
	_, _ = stdout.WriteString("----------BASKETS USER GUIDE----------\n")
	_, _ = stdout.WriteString(table.String())
	_ = stdout.Flush()
}

func (cc *ConsoleClient) printPaths(paths map[string]string) {
	hosts := make([]string, 0, len(paths))
	for h := range paths {
		hosts = append(hosts, h)
	}
	sort.Strings(hosts)
	table := newTable("Host", "Path")
	for _, h := range hosts {
		if err := table.AddRow([]string{h, paths[h]}); err != nil {
			panic(err)
		}
	}
	_, _ = cc.stdout.WriteString(table.String())
}

func (cc *ConsoleClient) printItems(items map[string]string) {
	keys := make([]string, 0, len(items))
	for k := range items {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	table := newTable("Item", "Value")
	for _, k := range keys {
		if err := table.AddRow([]string{k, items[k]}); err != nil {
			panic(err)
		}
	}
	_, _ = cc.stdout.WriteString(table.String())
}

func (cc *ConsoleClient) printDump(entries []netw.DumpEntry) {
	table := newTable("Basket", "Entry", "State", "TTL", "Hosts")
	for _, e := range entries {
		name := e.Name
		if re, err := parseEntryKey(e.Name); err == nil {
			name = cc.conv.Format(re)
		}
		row := []string{name, e.Name, e.State, strconv.Itoa(e.TTL), strings.Join(e.Hosts, " ")}
		if err := table.AddRow(row); err != nil {
			panic(err)
		}
	}
	_, _ = cc.stdout.WriteString(table.String())
}

// parseEntryKey takes the basket key off a replication entry name such as
// "1.2.3.replicate@host".
func parseEntryKey(name string) (basket.Key, error) {
	if i := strings.IndexByte(name, '@'); i >= 0 {
		name = name[:i]
	}
	if i := strings.LastIndexByte(name, '.'); i >= 0 {
		name = name[:i]
	}
	return basket.ParseKey(name)
}
