// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package dblock

import (
	"bytes"
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"git.arvados.org/resourcebroker.git/sdk/go/ctxlog"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/sirupsen/logrus"
	check "gopkg.in/check.v1"
)

func Test(t *testing.T) {
	check.TestingT(t)
}

var _ = check.Suite(&suite{})

type suite struct {
	db    *sqlx.DB
	getdb func(context.Context) (*sqlx.DB, error)
}

var testLocker = &DBLocker{key: 999}

func (s *suite) SetUpSuite(c *check.C) {
	conn := os.Getenv("RESOURCEBROKER_TEST_PG")
	if conn == "" {
		return
	}
	db, err := sqlx.Open("postgres", conn)
	c.Assert(err, check.IsNil)
	s.db = db
	s.getdb = func(context.Context) (*sqlx.DB, error) { return s.db, nil }
}

func (s *suite) TearDownSuite(c *check.C) {
	if s.db != nil {
		s.db.Close()
	}
}

func (s *suite) TestSingle(c *check.C) {
	var leader Leader = &Single{}
	ctx, cancel := context.WithCancel(context.Background())
	c.Check(leader.Lock(ctx), check.Equals, true)
	c.Check(leader.Check(), check.Equals, true)
	cancel()
	c.Check(leader.Check(), check.Equals, false)
	c.Check(leader.Lock(ctx), check.Equals, false)
	leader.Unlock()
	c.Check(leader.Check(), check.Equals, false)
}

func (s *suite) TestLock(c *check.C) {
	if s.db == nil {
		c.Skip("RESOURCEBROKER_TEST_PG not set")
	}
	retryDelay = 10 * time.Millisecond

	var logbuf bytes.Buffer
	logger := ctxlog.New(&logbuf, "text", "debug")
	logger.Level = logrus.DebugLevel
	ctx := ctxlog.Context(context.Background(), logger)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	leader := testLocker.Using(s.getdb)
	c.Assert(leader.Lock(ctx), check.Equals, true)
	c.Check(leader.Check(), check.Equals, true)

	lock2 := make(chan bool)
	var wg sync.WaitGroup
	defer wg.Wait()
	wg.Add(1)
	go func() {
		defer wg.Done()
		testlocker2 := &DBLocker{key: 999}
		testlocker2.Lock(ctx, s.getdb)
		close(lock2)
		testlocker2.Check()
		testlocker2.Unlock()
	}()

	// Second lock should wait for first to Unlock
	select {
	case <-time.After(time.Second / 10):
		c.Check(logbuf.String(), check.Matches, `(?ms).*level=info.*DBClient=.* LockKey=999.*`)
	case <-lock2:
		c.Fatal("second lock succeeded before first was unlocked")
	}

	leader.Unlock()
	select {
	case <-time.After(time.Second):
		c.Fatal("second lock did not succeed after first was unlocked")
	case <-lock2:
	}
}
