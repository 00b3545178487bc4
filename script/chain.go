package script

import (
	"strconv"
	"time"
)

// Well-known command names understood by the driven application.
const (
	CmdWaitForSmart    = "waitForSmart"
	CmdWaitForDumb     = "waitForDumb"
	CmdOpenProject     = "openProject"
	CmdOpenFile        = "openFile"
	CmdGoto            = "goto"
	CmdFindUsages      = "findUsages"
	CmdInspectCode     = "inspectCode"
	CmdFlushIndexes    = "flushIndexes"
	CmdStoreIndices    = "storeIndices"
	CmdDelay           = "delay"
	CmdTakeScreenshot  = "takeScreenshot"
	CmdStartProfile    = "startProfile"
	CmdStopProfile     = "stopProfile"
	CmdExitApp         = "exitApp"
	CmdExitAppWithTime = "exitAppWithTime"
)

// Chain accumulates commands in order.
type Chain struct {
	cmds []Command
}

func NewChain() *Chain {
	return &Chain{}
}

// Add appends a command.
func (c *Chain) Add(name string, args ...string) *Chain {
	c.cmds = append(c.cmds, New(name, args...))
	return c
}

// Append appends already-built commands.
func (c *Chain) Append(cmds ...Command) *Chain {
	c.cmds = append(c.cmds, cmds...)
	return c
}

// Commands returns a copy of the accumulated commands.
func (c *Chain) Commands() []Command {
	out := make([]Command, len(c.cmds))
	copy(out, c.cmds)
	return out
}

func (c *Chain) Len() int {
	return len(c.cmds)
}

func (c *Chain) WaitForSmartMode() *Chain {
	return c.Add(CmdWaitForSmart)
}

func (c *Chain) WaitForDumbMode(maxWait time.Duration) *Chain {
	return c.Add(CmdWaitForDumb, strconv.Itoa(int(maxWait.Seconds())))
}

func (c *Chain) OpenProject(path string, detectLeak bool) *Chain {
	return c.Add(CmdOpenProject, path, "true", strconv.FormatBool(detectLeak))
}

func (c *Chain) OpenFile(relativePath string) *Chain {
	return c.Add(CmdOpenFile, relativePath)
}

func (c *Chain) Goto(line, column int) *Chain {
	return c.Add(CmdGoto, strconv.Itoa(line), strconv.Itoa(column))
}

func (c *Chain) FindUsages() *Chain {
	return c.Add(CmdFindUsages)
}

func (c *Chain) InspectCode() *Chain {
	return c.Add(CmdInspectCode)
}

func (c *Chain) Delay(d time.Duration) *Chain {
	return c.Add(CmdDelay, strconv.FormatInt(d.Milliseconds(), 10))
}

func (c *Chain) TakeScreenshot(name string) *Chain {
	return c.Add(CmdTakeScreenshot, name)
}

func (c *Chain) StartProfile(name string) *Chain {
	return c.Add(CmdStartProfile, name)
}

func (c *Chain) StopProfile() *Chain {
	return c.Add(CmdStopProfile)
}

func (c *Chain) ExitApp(forceExit bool) *Chain {
	return c.Add(CmdExitApp, strconv.FormatBool(forceExit))
}
