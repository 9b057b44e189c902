// Package commands routes operator chat commands to handlers through a
// small bounded worker pool.
package commands

import (
	"context"
	"runtime"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"time"

	kit "settlebot/internal/transport"
	logx "settlebot/pkg/logx"
)

type Access int

const (
	AccessEveryone Access = iota
	AccessOwnerOnly
)

type HandlerFunc func(ctx context.Context, req *Request) error

type Command struct {
	Name        string
	Aliases     []string
	Description string
	Usage       string
	Access      Access
	Timeout     time.Duration
	Handle      HandlerFunc
}

type Request struct {
	Message kit.Message
	Chat    kit.ChatTarget
	FromID  int64
	Command string
	Args    []string
	// Rest is the raw text after the command word, quotes preserved.
	Rest  string
	ReqID string
	Log   logx.Logger

	sink kit.Sink
}

// Reply sends text back to the chat the command came from.
func (r *Request) Reply(ctx context.Context, text string) error {
	if r.sink == nil {
		return nil
	}
	return r.sink.Send(ctx, r.Chat, text)
}

type Manager struct {
	mu     sync.RWMutex
	cmds   map[string]*Command
	alias  map[string]*Command
	order  []string
	owners []int64

	log  logx.Logger
	sink kit.Sink
	jobs chan func()
}

func NewManager(log logx.Logger, sink kit.Sink, owners []int64) *Manager {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Manager{
		cmds:   map[string]*Command{},
		alias:  map[string]*Command{},
		owners: append([]int64(nil), owners...),
		log:    log,
		sink:   sink,
		jobs:   make(chan func(), 64),
	}
}

// SetOwners updates the owner list. Safe during hot reload.
func (m *Manager) SetOwners(owners []int64) {
	cp := append([]int64(nil), owners...)
	m.mu.Lock()
	m.owners = cp
	m.mu.Unlock()
}

func (m *Manager) ownersSnapshot() []int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]int64(nil), m.owners...)
}

// Register adds commands; /help is always present.
func (m *Manager) Register(cmds ...Command) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.cmds["help"]; !ok {
		help := Command{
			Name:        "help",
			Description: "show commands",
			Usage:       "/help [cmd]",
			Handle: func(ctx context.Context, req *Request) error {
				return req.Reply(ctx, m.helpText(req.Args))
			},
		}
		m.addLocked(help)
	}
	for _, c := range cmds {
		m.addLocked(c)
	}
}

func (m *Manager) addLocked(c Command) {
	name := strings.ToLower(strings.TrimSpace(c.Name))
	if name == "" || c.Handle == nil {
		return
	}
	cc := c
	cc.Name = name
	if _, exists := m.cmds[name]; !exists {
		m.order = append(m.order, name)
	}
	m.cmds[name] = &cc
	for _, a := range c.Aliases {
		a = strings.ToLower(strings.TrimSpace(a))
		if a == "" || strings.Contains(a, " ") {
			continue
		}
		m.alias[a] = &cc
	}
}

func (m *Manager) lookup(word string) (*Command, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if c, ok := m.cmds[word]; ok {
		return c, true
	}
	c, ok := m.alias[word]
	return c, ok
}

// Menu returns the commands for the chat client's menu, sorted by name.
func (m *Manager) Menu() []kit.BotCommand {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]kit.BotCommand, 0, len(m.cmds))
	for _, name := range m.order {
		c := m.cmds[name]
		desc := c.Description
		if desc == "" {
			desc = name
		}
		out = append(out, kit.BotCommand{Command: name, Description: desc})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Command < out[j].Command })
	return out
}

// DispatchLoop reads inbound messages until ctx is done or in closes.
func (m *Manager) DispatchLoop(ctx context.Context, in <-chan kit.Message) error {
	workers := runtime.NumCPU()
	if workers < 2 {
		workers = 2
	}
	if workers > 4 {
		workers = 4
	}
	m.log.Info("command dispatcher started", logx.Int("workers", workers))

	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		idx := i
		go func() {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					m.log.Error("panic in command worker", logx.Int("worker", idx), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
				}
			}()
			for {
				select {
				case <-ctx.Done():
					return
				case job := <-m.jobs:
					if job != nil {
						job()
					}
				}
			}
		}()
	}
	defer func() {
		wg.Wait()
		m.log.Info("command dispatcher stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-in:
			if !ok {
				return nil
			}
			m.route(ctx, msg)
		}
	}
}

func (m *Manager) route(ctx context.Context, msg kit.Message) {
	text := strings.TrimSpace(msg.Text)
	if !strings.HasPrefix(text, "/") {
		return
	}
	word, rest := splitCommand(text)
	if word == "" {
		return
	}
	cmd, ok := m.lookup(word)
	if !ok {
		_ = m.sink.Send(ctx, msg.Target(), "unknown command. try /help")
		return
	}
	if cmd.Access == AccessOwnerOnly && !isOwner(msg.FromID, m.ownersSnapshot()) {
		_ = m.sink.Send(ctx, msg.Target(), "unauthorized")
		return
	}

	rid := newReqID()
	req := &Request{
		Message: msg,
		Chat:    msg.Target(),
		FromID:  msg.FromID,
		Command: cmd.Name,
		Args:    tokenize(rest),
		Rest:    rest,
		ReqID:   rid,
		Log: m.log.With(
			logx.String("rid", rid),
			logx.Int64("chat_id", msg.ChatID),
			logx.Int64("from_id", msg.FromID),
			logx.String("cmd", cmd.Name),
		),
		sink: m.sink,
	}
	final := Chain(cmd.Handle, MWReplyError(), MWPanicRecover(), MWRequestLog(), MWTimeout(cmd.Timeout))

	select {
	case m.jobs <- func() { _ = final(ctx, req) }:
	default:
		_ = m.sink.Send(ctx, req.Chat, "busy, try again")
	}
}

func isOwner(id int64, owners []int64) bool {
	for _, o := range owners {
		if o == id {
			return true
		}
	}
	return false
}

func (m *Manager) helpText(args []string) string {
	if len(args) > 0 {
		word := strings.ToLower(strings.TrimPrefix(args[0], "/"))
		c, ok := m.lookup(word)
		if !ok {
			return "command not found. try /help"
		}
		lines := []string{"/" + c.Name + " - " + c.Description}
		if c.Usage != "" {
			lines = append(lines, "Usage: "+c.Usage)
		}
		if len(c.Aliases) > 0 {
			lines = append(lines, "Aliases: /"+strings.Join(c.Aliases, ", /"))
		}
		return strings.Join(lines, "\n")
	}
	lines := []string{"Commands (use /help <cmd>):"}
	for _, bc := range m.Menu() {
		lines = append(lines, "/"+bc.Command+" - "+bc.Description)
	}
	return strings.Join(lines, "\n")
}
