package probe

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turtacn/Tandem/internal/clock"
	"github.com/turtacn/Tandem/internal/proctable"
	"github.com/turtacn/Tandem/internal/proctable/proctabletest"
)

func newProber(entries ...proctabletest.Entry) (*Prober, *clock.Fake, *proctabletest.Scripted) {
	c := clock.NewFake()
	table := proctabletest.NewScripted(c, entries...)
	return New(table, WithClock(c), WithInterval(time.Second)), c, table
}

func proc(pid int, cmdline string) proctable.Process {
	return proctable.Process{PID: pid, Cmdline: cmdline}
}

func TestProbe_AnyReturnsOnFirstMatchingTick(t *testing.T) {
	p, c, table := newProber(proctabletest.Entry{Process: proc(42, "Companion.exe"), From: 5 * time.Second})

	res := p.Probe(context.Background(), proctable.MustCompile("Companion.exe"), 30*time.Second, ModeAny)

	require.True(t, res.Ready())
	assert.Equal(t, 5*time.Second, c.Elapsed())
	assert.Equal(t, 6, res.Polls)
	assert.Equal(t, 6, table.Lists(), "no poll after the matching one")
	require.Len(t, res.Matches, 1)
	assert.Equal(t, 42, res.Matches[0].PID)
}

func TestProbe_AnyImmediateMatchDoesNotSleep(t *testing.T) {
	p, c, _ := newProber(proctabletest.Entry{Process: proc(7, "Game.exe")})

	res := p.Probe(context.Background(), proctable.MustCompile("Game.exe"), 10*time.Second, ModeAny)

	assert.True(t, res.Ready())
	assert.Empty(t, c.Sleeps())
}

func TestProbe_AllWithNoMatchesReturnsWithoutSleeping(t *testing.T) {
	p, c, table := newProber(proctabletest.Entry{Process: proc(1, "init")})

	res := p.Probe(context.Background(), proctable.MustCompile("Companion.exe"), 10*time.Second, ModeAll)

	assert.True(t, res.Ready())
	assert.Equal(t, 1, res.Polls)
	assert.Equal(t, 1, table.Lists())
	assert.Empty(t, c.Sleeps())
}

func TestProbe_AllWaitsForDisappearance(t *testing.T) {
	p, c, _ := newProber(proctabletest.Entry{Process: proc(9, "Companion.exe"), Until: 3 * time.Second})

	res := p.Probe(context.Background(), proctable.MustCompile("Companion.exe"), 10*time.Second, ModeAll)

	assert.True(t, res.Ready())
	assert.Equal(t, 3*time.Second, c.Elapsed())
}

func TestProbe_TimesOutAtExactlyTheTimeout(t *testing.T) {
	p, c, _ := newProber()

	res := p.Probe(context.Background(), proctable.MustCompile("never"), 45*time.Second, ModeAny)

	assert.Equal(t, TimedOut, res.Outcome)
	assert.Equal(t, 45*time.Second, c.Elapsed())
	assert.Equal(t, 46, res.Polls)
}

func TestProbe_LastSleepIsClampedToTheDeadline(t *testing.T) {
	c := clock.NewFake()
	p := New(proctabletest.NewScripted(c), WithClock(c), WithInterval(2*time.Second))

	res := p.Probe(context.Background(), proctable.MustCompile("never"), 5*time.Second, ModeAny)

	assert.Equal(t, TimedOut, res.Outcome)
	assert.Equal(t, []time.Duration{2 * time.Second, 2 * time.Second, time.Second}, c.Sleeps())
}

func TestProbe_TableErrorIsNeverReady(t *testing.T) {
	p, _, table := newProber()
	table.FailWith(errors.New("proc unreadable"))

	res := p.Probe(context.Background(), proctable.MustCompile("x"), 3*time.Second, ModeAll)

	assert.Equal(t, TimedOut, res.Outcome)
}

func TestProbe_Cancelled(t *testing.T) {
	p, _, _ := newProber()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := p.Probe(ctx, proctable.MustCompile("never"), 0, ModeAny)

	assert.Equal(t, Cancelled, res.Outcome)
	assert.Equal(t, 1, res.Polls)
}

func TestWaitExit(t *testing.T) {
	p, c, _ := newProber(proctabletest.Entry{Process: proc(100, "Game.exe"), Until: 600 * time.Second})

	res := p.WaitExit(context.Background(), 100)

	assert.True(t, res.Ready())
	assert.Equal(t, 600*time.Second, c.Elapsed())
}

func TestModeAndOutcomeStrings(t *testing.T) {
	assert.Equal(t, "any-present", ModeAny.String())
	assert.Equal(t, "all-gone", ModeAll.String())
	assert.Equal(t, "timed_out", TimedOut.String())
}
