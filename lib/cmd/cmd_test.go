// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package cmd

import (
	"bytes"
	"flag"
	"fmt"
	"io"
	"strings"
	"testing"

	check "gopkg.in/check.v1"
)

// Gocheck boilerplate
func Test(t *testing.T) {
	check.TestingT(t)
}

var _ = check.Suite(&CmdSuite{})

type CmdSuite struct{}

var testCmd = Multi(map[string]Handler{
	"echo": HandlerFunc(func(prog string, args []string, stdin io.Reader, stdout io.Writer, stderr io.Writer) int {
		fmt.Fprintln(stdout, strings.Join(args, " "))
		return 0
	}),
	"--version": Version,
})

func (s *CmdSuite) TestHello(c *check.C) {
	stdout := bytes.NewBuffer(nil)
	stderr := bytes.NewBuffer(nil)
	exited := testCmd.RunCommand("prog", []string{"echo", "hello", "world"}, bytes.NewReader(nil), stdout, stderr)
	c.Check(exited, check.Equals, 0)
	c.Check(stdout.String(), check.Equals, "hello world\n")
	c.Check(stderr.String(), check.Equals, "")
}

func (s *CmdSuite) TestHelloViaProg(c *check.C) {
	stdout := bytes.NewBuffer(nil)
	stderr := bytes.NewBuffer(nil)
	exited := testCmd.RunCommand("/usr/local/bin/resourcebroker-echo", []string{"hello", "world"}, bytes.NewReader(nil), stdout, stderr)
	c.Check(exited, check.Equals, 0)
	c.Check(stdout.String(), check.Equals, "hello world\n")
	c.Check(stderr.String(), check.Equals, "")
}

func (s *CmdSuite) TestUsage(c *check.C) {
	stdout := bytes.NewBuffer(nil)
	stderr := bytes.NewBuffer(nil)
	exited := testCmd.RunCommand("prog", []string{"nosuchcommand", "hi"}, bytes.NewReader(nil), stdout, stderr)
	c.Check(exited, check.Equals, 2)
	c.Check(stdout.String(), check.Equals, "")
	c.Check(stderr.String(), check.Matches, `(?ms)^prog: unrecognized command "nosuchcommand"\n.*echo.*\n`)
	c.Check(stderr.String(), check.Not(check.Matches), `(?ms).*--version.*`)
}

func (s *CmdSuite) TestVersion(c *check.C) {
	stdout := bytes.NewBuffer(nil)
	exited := testCmd.RunCommand("prog", []string{"--version"}, bytes.NewReader(nil), stdout, io.Discard)
	c.Check(exited, check.Equals, 0)
	c.Check(stdout.String(), check.Matches, `prog dev \(go.*\)\n`)
}

func (s *CmdSuite) TestParseFlags(c *check.C) {
	var stderr bytes.Buffer
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.Bool("n", false, "")
	ok, code := ParseFlags(flags, "prog", []string{"-n", "extra"}, &stderr)
	c.Check(ok, check.Equals, false)
	c.Check(code, check.Equals, 2)
	c.Check(stderr.String(), check.Matches, `unrecognized command line arguments: \[extra\].*\n`)

	stderr.Reset()
	ok, code = ParseFlags(flag.NewFlagSet("", flag.ContinueOnError), "prog", []string{"-help"}, &stderr)
	c.Check(ok, check.Equals, false)
	c.Check(code, check.Equals, 0)
	c.Check(stderr.String(), check.Matches, `(?ms)Usage of prog:\n.*`)

	stderr.Reset()
	ok, code = ParseFlags(flag.NewFlagSet("", flag.ContinueOnError), "prog", []string{"-bogus"}, &stderr)
	c.Check(ok, check.Equals, false)
	c.Check(code, check.Equals, 2)
	c.Check(stderr.String(), check.Matches, `error parsing command line arguments: .*-bogus.*\n`)

	ok, code = ParseFlags(flags, "prog", []string{"-n"}, &stderr)
	c.Check(ok, check.Equals, true)
	c.Check(code, check.Equals, 0)
}
