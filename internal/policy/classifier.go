package policy

import (
	"path/filepath"
	"strings"

	"github.com/KafClaw/clawcore/internal/tools"
	"mvdan.cc/sh/v3/syntax"
)

// ManifestSource looks up the manifest of a registered tool.
type ManifestSource interface {
	Manifest(name string) (tools.Manifest, bool)
}

var blockedCommands = map[string]bool{
	"rm": true, "sudo": true, "su": true, "doas": true, "dd": true,
	"mkfs": true, "shutdown": true, "reboot": true, "halt": true,
	"poweroff": true, "fdisk": true, "shred": true, "wipefs": true,
	"mkswap": true,
}

var lowCommands = map[string]bool{
	"ls": true, "cat": true, "grep": true, "egrep": true, "fgrep": true,
	"rg": true, "echo": true, "printf": true, "pwd": true, "head": true,
	"tail": true, "wc": true, "sort": true, "uniq": true, "cut": true,
	"diff": true, "file": true, "stat": true, "du": true, "df": true,
	"which": true, "whoami": true, "date": true, "true": true, "false": true,
	"basename": true, "dirname": true, "realpath": true, "tree": true,
	"jq": true, "uname": true, "hostname": true, "id": true,
}

var mediumCommands = map[string]bool{
	"mkdir": true, "cp": true, "mv": true, "touch": true, "ln": true,
	"sed": true, "awk": true, "tee": true, "tar": true, "zip": true,
	"unzip": true, "gzip": true, "gunzip": true, "find": true,
	"npm": true, "npx": true, "yarn": true, "pnpm": true, "pip": true,
	"pip3": true, "go": true, "cargo": true, "make": true, "apt": true,
	"apt-get": true, "brew": true, "gem": true, "bundle": true,
	"poetry": true, "uv": true,
}

var highCommands = map[string]bool{
	"curl": true, "wget": true, "chmod": true, "chown": true, "chgrp": true,
	"ssh": true, "scp": true, "sftp": true, "rsync": true, "nc": true,
	"ncat": true, "telnet": true, "ftp": true, "kill": true, "pkill": true,
	"killall": true, "crontab": true, "systemctl": true, "docker": true,
	"kubectl": true, "eval": true, "python": true, "python3": true,
	"node": true, "perl": true, "ruby": true,
}

var shellInterpreters = map[string]bool{
	"sh": true, "bash": true, "zsh": true, "dash": true, "ksh": true,
}

var gitReadSubcommands = map[string]bool{
	"status": true, "log": true, "diff": true, "show": true, "rev-parse": true,
	"ls-files": true, "blame": true, "describe": true, "shortlog": true, "grep": true,
}

var gitNetworkSubcommands = map[string]bool{
	"push": true, "pull": true, "clone": true, "fetch": true, "remote": true, "submodule": true,
}

// Commands that only wrap another command.
var wrapperCommands = map[string]bool{
	"env": true, "command": true, "nohup": true, "time": true, "nice": true,
	"exec": true, "builtin": true, "stdbuf": true, "timeout": true,
}

const maxShellDepth = 2

// Classifier assigns risk tiers from tool manifests and, for shell-bound
// tools, from the commands in the command line.
type Classifier struct {
	manifests ManifestSource
}

// NewClassifier creates a classifier. A nil source treats every tool as unregistered.
func NewClassifier(manifests ManifestSource) *Classifier {
	return &Classifier{manifests: manifests}
}

// Classify returns the tier for call and a short reason naming what decided it.
// It does not assign the tier to the call.
func (c *Classifier) Classify(call *tools.Call) (tools.RiskTier, string) {
	var m tools.Manifest
	registered := false
	if c.manifests != nil {
		m, registered = c.manifests.Manifest(call.Name)
	}

	if tools.IsShellTool(call.Name, m) {
		return ClassifyCommand(tools.GetString(call.Arguments, "command", ""))
	}
	switch {
	case !registered:
		return tools.RiskHigh, "unregistered tool: " + call.Name
	case m.ReadOnly:
		return tools.RiskLow, "read-only tool: " + call.Name
	case m.NetworkAllowed:
		return tools.RiskHigh, "network-capable tool: " + call.Name
	default:
		return tools.RiskMedium, "mutating tool: " + call.Name
	}
}

// ClassifyCommand returns the highest tier across every command in a shell
// command line.
func ClassifyCommand(command string) (tools.RiskTier, string) {
	return classifyCommand(command, 0)
}

func classifyCommand(command string, depth int) (tools.RiskTier, string) {
	if strings.TrimSpace(command) == "" {
		return tools.RiskHigh, "empty command"
	}
	if p, found := DetectInjection(command); found {
		return tools.RiskBlocked, "injection detected: " + p
	}

	calls, err := parseCommands(command)
	if err != nil {
		return classifyWords(strings.Fields(command), depth)
	}
	if len(calls) == 0 {
		return tools.RiskHigh, "no command found"
	}

	tier, reason := tools.RiskUnassigned, ""
	for _, words := range calls {
		t, r := classifyWords(words, depth)
		if t > tier {
			tier, reason = t, r
		}
	}
	return tier, reason
}

// parseCommands returns the words of every simple command in the line.
func parseCommands(command string) ([][]string, error) {
	parser := syntax.NewParser(syntax.KeepComments(false), syntax.Variant(syntax.LangBash))
	file, err := parser.Parse(strings.NewReader(command), "")
	if err != nil {
		return nil, err
	}
	var calls [][]string
	syntax.Walk(file, func(node syntax.Node) bool {
		call, ok := node.(*syntax.CallExpr)
		if !ok || len(call.Args) == 0 {
			return true
		}
		words := make([]string, 0, len(call.Args))
		for _, w := range call.Args {
			words = append(words, wordToString(w))
		}
		calls = append(calls, words)
		return true
	})
	return calls, nil
}

// wordToString prints a word back as shell text, with simple quoting removed.
func wordToString(word *syntax.Word) string {
	if lit := word.Lit(); lit != "" {
		return lit
	}
	var sb strings.Builder
	printer := syntax.NewPrinter()
	printer.Print(&sb, word)
	return unquote(sb.String())
}

func unquote(s string) string {
	if len(s) >= 2 && (s[0] == '\'' || s[0] == '"') && s[len(s)-1] == s[0] {
		return s[1 : len(s)-1]
	}
	return s
}

func classifyWords(words []string, depth int) (tools.RiskTier, string) {
	words = unwrapCommand(words)
	if len(words) == 0 {
		return tools.RiskHigh, "no command found"
	}
	name := filepath.Base(words[0])
	args := words[1:]

	switch {
	case blockedCommands[name] || strings.HasPrefix(name, "mkfs."):
		return tools.RiskBlocked, "blocked command: " + name
	case name == "git":
		return classifyGit(args)
	case shellInterpreters[name]:
		return classifyInterpreter(name, args, depth)
	case lowCommands[name]:
		return tools.RiskLow, "read-only command: " + name
	case mediumCommands[name]:
		return tools.RiskMedium, "mutating command: " + name
	case highCommands[name]:
		return tools.RiskHigh, "network or privileged command: " + name
	}
	return tools.RiskHigh, "unrecognized command: " + name
}

// unwrapCommand strips wrappers such as "env FOO=1 nohup" so the real command leads.
func unwrapCommand(words []string) []string {
	for len(words) > 0 && wrapperCommands[filepath.Base(words[0])] {
		wrapper := filepath.Base(words[0])
		words = words[1:]
	options:
		for len(words) > 0 {
			w := words[0]
			switch {
			case strings.HasPrefix(w, "-"):
				words = words[1:]
				if wrapper == "nice" && w == "-n" && len(words) > 0 {
					words = words[1:]
				}
			case wrapper == "env" && strings.Contains(w, "="):
				words = words[1:]
			case wrapper == "timeout" && isDuration(w):
				words = words[1:]
			default:
				break options
			}
		}
	}
	return words
}

func isDuration(s string) bool {
	s = strings.TrimRight(s, "smhd")
	if s == "" {
		return false
	}
	for _, r := range s {
		if (r < '0' || r > '9') && r != '.' {
			return false
		}
	}
	return true
}

func classifyGit(args []string) (tools.RiskTier, string) {
	sub := ""
	for i := 0; i < len(args); i++ {
		a := args[i]
		if a == "-C" || a == "-c" {
			i++
			continue
		}
		if strings.HasPrefix(a, "-") {
			continue
		}
		sub = a
		break
	}
	switch {
	case sub == "":
		return tools.RiskLow, "read-only command: git"
	case gitReadSubcommands[sub]:
		return tools.RiskLow, "read-only command: git " + sub
	case gitNetworkSubcommands[sub]:
		return tools.RiskHigh, "network command: git " + sub
	}
	return tools.RiskMedium, "mutating command: git " + sub
}

// classifyInterpreter rates "bash -c '<inner>'" by its inner script, never below High.
func classifyInterpreter(name string, args []string, depth int) (tools.RiskTier, string) {
	reason := "shell interpreter: " + name
	for i, a := range args {
		if a != "-c" || i+1 >= len(args) {
			continue
		}
		if depth+1 >= maxShellDepth {
			return tools.RiskHigh, reason
		}
		if t, r := classifyCommand(args[i+1], depth+1); t > tools.RiskHigh {
			return t, r
		}
		break
	}
	return tools.RiskHigh, reason
}
