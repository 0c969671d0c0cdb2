// Copyright 2021 Intel Corporation. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// This file implements interactive prompt and command execution.

package lrusort

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Cmd represents a command with a description and a function to execute.
type Cmd struct {
	description string
	Run         func([]string) CommandStatus
}

// Prompt represents an interactive prompt with associated functionality.
type Prompt struct {
	r           *bufio.Reader
	w           *bufio.Writer
	f           *flag.FlagSet
	lrusort     *LruSort
	engine      EngineConfig
	cmds        map[string]Cmd
	ps1         string
	echo        bool
	quit        bool
	mutex       sync.Mutex
	outputMutex sync.Mutex
}

// CommandStatus represents the status of a command execution.
type CommandStatus int

const (
	csOk CommandStatus = iota
	csUnknownCommand
	csPipeCreateError
	csPipeProcessStartError
	csError
)

// NewPrompt creates a new interactive prompt with the given prompt string and I/O readers/writers.
func NewPrompt(ps1 string, reader *bufio.Reader, writer *bufio.Writer) *Prompt {
	p := Prompt{
		r:   reader,
		w:   writer,
		ps1: ps1,
	}
	p.cmds = map[string]Cmd{
		"q":           {"quit interactive prompt.", p.cmdQuit},
		"get":         {"print parameter values.", p.cmdGet},
		"set":         {"set parameter value.", p.cmdSet},
		"params":      {"list parameter names.", p.cmdParams},
		"stats":       {"print scheme statistics.", p.cmdStats},
		"status":      {"print LRU sorting status and installed schemes.", p.cmdStatus},
		"config-dump": {"dump current configuration.", p.cmdConfigDump},
		"commit":      {"commit parameters to running LRU sorting.", p.cmdCommit},
		"enable":      {"turn LRU sorting on.", p.cmdEnable},
		"disable":     {"turn LRU sorting off.", p.cmdDisable},
		"wait":        {"wait until enabling or disabling has finished.", p.cmdWait},
		"time":        {"print timestamps or sleep.", p.cmdTime},
		"help":        {"print help.", p.cmdHelp},
		"nop":         {"no operation.", p.cmdNop},
	}
	return &p
}

func (p *Prompt) output(format string, a ...interface{}) {
	p.outputMutex.Lock()
	defer p.outputMutex.Unlock()
	if p.w == nil {
		return
	}
	_, _ = p.w.WriteString(fmt.Sprintf(format, a...))
	p.w.Flush()
}

// RunCmdSlice executes a command specified by a slice of strings.
func (p *Prompt) RunCmdSlice(cmdSlice []string) CommandStatus {
	if len(cmdSlice) == 0 {
		return csOk
	}
	if cmdSlice[0] == "" {
		cmdSlice[0] = "nop"
	}
	p.f = flag.NewFlagSet(cmdSlice[0], flag.ContinueOnError)
	if p.w != nil {
		p.f.SetOutput(p.w)
	}
	cmd, ok := p.cmds[cmdSlice[0]]
	if !ok {
		if len(cmdSlice[0]) > 0 {
			p.output("unknown command %q\n", cmdSlice[0])
		}
		return csUnknownCommand
	}
	return cmd.Run(cmdSlice[1:])
}

// RunCmdString executes a command specified by a string.
func (p *Prompt) RunCmdString(cmdString string) CommandStatus {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	var err error
	// If command has "|", run the left-hand-side of the
	// pipe in a shell and pipe the output of the
	// right-hand-side cmd<Function> call to it.
	origOutputWriter := p.w
	pipeCmd := ""
	pipeIndex := strings.Index(cmdString, "|")
	if pipeIndex > -1 {
		pipeCmd = cmdString[pipeIndex+1:]
		cmdString = cmdString[:pipeIndex]
	}
	cmdSlice := strings.Fields(cmdString)
	if len(cmdSlice) == 0 {
		cmdSlice = []string{"nop"}
	}

	var pipeProcess *exec.Cmd = nil
	var pipeInput io.WriteCloser = nil
	if pipeCmd != "" {
		pipeProcess = exec.Command("sh", "-c", pipeCmd)
		pipeInput, err = pipeProcess.StdinPipe()
		if err != nil {
			p.output("failed to create pipe for command %q", pipeCmd)
			return csPipeCreateError
		}
		pipeProcess.Stdout = origOutputWriter
		pipeProcess.Stderr = origOutputWriter
		err := pipeProcess.Start()
		if err != nil {
			p.w = origOutputWriter
			p.output("failed to start: sh -c %q: %s", pipeCmd, err)
			pipeInput.Close()
			return csPipeProcessStartError
		}
		p.w = bufio.NewWriter(pipeInput)
	}
	runRv := p.RunCmdSlice(cmdSlice)
	// Wait for pipe process to exit and restore redirect.
	if pipeCmd != "" {
		p.w.Flush()
		pipeInput.Close()
		_ = pipeProcess.Wait()
		p.w = origOutputWriter
		p.w.Flush()
	}
	return runRv
}

// Interact starts the interactive prompt loop.
func (p *Prompt) Interact() {
	p.quit = false
	for !p.quit {
		p.output(p.ps1)
		cmdString, err := p.r.ReadString(byte('\n'))
		if err != nil && cmdString == "" {
			p.output("quit: %s\n", err)
			break
		}
		if p.echo {
			p.output("%s", cmdString)
		}
		p.RunCmdString(cmdString)
	}
	p.output("quit.\n")
}

// SetInput sets the reader of commands for Interact.
func (p *Prompt) SetInput(reader *bufio.Reader) {
	p.r = reader
}

// SetEcho sets the echo mode for the prompt.
func (p *Prompt) SetEcho(newEcho bool) {
	p.echo = newEcho
}

// SetLruSort sets the LRU sorting instance controlled by the prompt
// and the engine configuration it was created with.
func (p *Prompt) SetLruSort(ls *LruSort, engine EngineConfig) {
	p.lrusort = ls
	p.engine = engine
}

func sortedStringKeys(m map[string]Cmd) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (p *Prompt) needLruSort() bool {
	if p.lrusort == nil {
		p.output("LRU sorting not initialized\n")
		return false
	}
	return true
}

func (p *Prompt) cmdNop(args []string) CommandStatus {
	return csOk
}

func (p *Prompt) cmdTime(args []string) CommandStatus {
	optNow := p.f.Bool("now", false, "print current time")
	optSleep := p.f.Float64("sleep", 0.0, "-sleep TIME sleeps given time in seconds")
	if err := p.f.Parse(args); err != nil {
		return csOk
	}
	if *optNow {
		p.output("%.6f\n", float64(time.Now().UnixNano())/1e9)
	}
	if *optSleep > 0 {
		time.Sleep(time.Duration(*optSleep * float64(time.Second)))
	}
	return csOk
}

func (p *Prompt) cmdHelp(args []string) CommandStatus {
	p.output("Available commands:\n")
	for _, name := range sortedStringKeys(p.cmds) {
		p.output("        %-12s %s\n", name, p.cmds[name].description)
	}
	p.output("Syntax:\n")
	p.output("        <command> -h show help on command options.\n")
	p.output("        [command] | <shell-command>\n")
	p.output("                     pipe command output to shell-command.\n")
	return csOk
}

func (p *Prompt) cmdParams(args []string) CommandStatus {
	readOnly := p.f.Bool("ro", false, "list read-only parameters")
	if err := p.f.Parse(args); err != nil {
		return csOk
	}
	names := ParamNames()
	if *readOnly {
		names = ReadOnlyParamNames()
	}
	p.output("%s\n", strings.Join(names, "\n"))
	return csOk
}

func (p *Prompt) cmdGet(args []string) CommandStatus {
	if err := p.f.Parse(args); err != nil {
		return csOk
	}
	if !p.needLruSort() {
		return csError
	}
	names := p.f.Args()
	if len(names) == 0 {
		names = append(ParamNames(), ReadOnlyParamNames()...)
	}
	status := csOk
	for _, name := range names {
		value, err := p.lrusort.Get(name)
		if err != nil {
			p.output("%s\n", err)
			status = csError
			continue
		}
		if len(names) == 1 {
			p.output("%s\n", value)
		} else {
			p.output("%s=%s\n", name, value)
		}
	}
	return status
}

func (p *Prompt) cmdSet(args []string) CommandStatus {
	if err := p.f.Parse(args); err != nil {
		return csOk
	}
	if !p.needLruSort() {
		return csError
	}
	remainder := p.f.Args()
	if len(remainder) != 2 {
		p.output("usage: set NAME VALUE\n")
		return csError
	}
	if err := p.lrusort.Set(remainder[0], remainder[1]); err != nil {
		p.output("set failed: %s\n", err)
		return csError
	}
	return csOk
}

func (p *Prompt) cmdCommit(args []string) CommandStatus {
	if err := p.f.Parse(args); err != nil {
		return csOk
	}
	if !p.needLruSort() {
		return csError
	}
	p.lrusort.Params().SetCommitInputs()
	if !p.lrusort.IsRunning() {
		p.output("LRU sorting is not running, parameters will be applied when it is enabled\n")
	}
	return csOk
}

func (p *Prompt) cmdEnable(args []string) CommandStatus {
	return p.setEnabled(args, true)
}

func (p *Prompt) cmdDisable(args []string) CommandStatus {
	return p.setEnabled(args, false)
}

func (p *Prompt) setEnabled(args []string, enabled bool) CommandStatus {
	wait := p.f.Bool("wait", false, "wait until the state has been applied")
	if err := p.f.Parse(args); err != nil {
		return csOk
	}
	if !p.needLruSort() {
		return csError
	}
	p.lrusort.Params().SetEnabled(enabled)
	if *wait {
		return p.waitSettled(5 * time.Second)
	}
	return csOk
}

func (p *Prompt) cmdWait(args []string) CommandStatus {
	timeout := p.f.Duration("timeout", 5*time.Second, "maximum time to wait")
	if err := p.f.Parse(args); err != nil {
		return csOk
	}
	if !p.needLruSort() {
		return csError
	}
	return p.waitSettled(*timeout)
}

func (p *Prompt) waitSettled(timeout time.Duration) CommandStatus {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := p.lrusort.WaitSettled(ctx); err != nil {
		p.output("wait failed: %s\n", err)
		return csError
	}
	p.output("enabled: %s\n", formatBool(p.lrusort.IsEnabled()))
	return csOk
}

func (p *Prompt) cmdStats(args []string) CommandStatus {
	format := p.f.String("f", "txt", "table format: txt or csv")
	if err := p.f.Parse(args); err != nil {
		return csOk
	}
	if !p.needLruSort() {
		return csError
	}
	table, err := p.lrusort.Stats().Summarize(*format)
	if err != nil {
		p.output("%s\n", err)
		return csError
	}
	p.output("%s", table)
	return csOk
}

func (p *Prompt) cmdStatus(args []string) CommandStatus {
	if err := p.f.Parse(args); err != nil {
		return csOk
	}
	if !p.needLruSort() {
		return csError
	}
	ls := p.lrusort
	p.output("enabled: %s (requested %s)\n", formatBool(ls.IsEnabled()), formatBool(ls.Params().Enabled()))
	p.output("running: %s\n", formatBool(ls.IsRunning()))
	p.output("kdamond_pid: %d\n", ls.KdamondPid())
	for i, s := range ls.Schemes() {
		p.output("scheme %d: %s sz=[%d,%d] nr_accesses=[%d,%d] age=[%d,%d] quota=%dms/%dms weights=%d/%d/%d wmarks=%s/%d/%d/%d/%d\n",
			i, s.Action,
			s.Pattern.MinSzRegion, s.Pattern.MaxSzRegion,
			s.Pattern.MinNrAccesses, s.Pattern.MaxNrAccesses,
			s.Pattern.MinAgeRegion, s.Pattern.MaxAgeRegion,
			s.Quota.Ms, s.Quota.ResetIntervalMs,
			s.Quota.WeightSz, s.Quota.WeightNrAccesses, s.Quota.WeightAge,
			s.Wmarks.Metric, s.Wmarks.IntervalUs, s.Wmarks.High, s.Wmarks.Mid, s.Wmarks.Low)
	}
	return csOk
}

func (p *Prompt) cmdConfigDump(args []string) CommandStatus {
	if err := p.f.Parse(args); err != nil {
		return csOk
	}
	if !p.needLruSort() {
		return csError
	}
	config := Config{
		Engine: p.engine,
		Params: p.lrusort.Params().Snapshot(),
	}
	out, err := yaml.Marshal(&config)
	if err != nil {
		p.output("config dump failed: %s\n", err)
		return csError
	}
	p.output("%s", out)
	return csOk
}

func (p *Prompt) cmdQuit(args []string) CommandStatus {
	if err := p.f.Parse(args); err != nil {
		return csOk
	}
	p.quit = true
	return csOk
}
