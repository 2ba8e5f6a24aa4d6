package panel

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"aishell/internal/bus"
)

func TestComputeTypingGrowsPrompt(t *testing.T) {
	l := Compute(State{
		TerminalHeight: 30,
		TypingActive:   true,
		Content:        ContentSizes{PromptLines: 4},
	})
	assert.Equal(t, 6, l.Prompt.Min, "prompt lines + 2")
	assert.Equal(t, 16, l.Output.Min, "70 percent of remainder, rounded down")
	assert.Equal(t, 8, l.Module.Min)
	assert.Equal(t, 30, l.Height())
}

func TestComputeTypingPromptCappedAtHalf(t *testing.T) {
	l := Compute(State{
		TerminalHeight: 20,
		TypingActive:   true,
		Content:        ContentSizes{PromptLines: 100},
	})
	assert.Equal(t, 10, l.Prompt.Min)
	assert.Equal(t, 10, l.Prompt.Max)
	assert.Equal(t, 20, l.Height())
}

func TestComputeIdleContentFits(t *testing.T) {
	l := Compute(State{
		TerminalHeight: 40,
		Content:        ContentSizes{Output: 20, Module: 10},
	})
	assert.Equal(t, 3, l.Prompt.Min)
	assert.Equal(t, 10, l.Module.Min)
	assert.Equal(t, 27, l.Output.Min, "spare rows go to output")
	assert.Equal(t, 40, l.Height())
}

func TestComputeIdleOverflowUsesWeights(t *testing.T) {
	l := Compute(State{
		TerminalHeight: 20,
		Content:        ContentSizes{Output: 300, Module: 300},
	})
	assert.Equal(t, 10, l.Output.Min)
	assert.Equal(t, 6, l.Module.Min)
	assert.Equal(t, 4, l.Prompt.Min, "leftover lands on prompt")
}

func TestComputeTinyTerminalCompressesOutputFirst(t *testing.T) {
	l := Compute(State{TerminalHeight: 4})
	assert.Equal(t, Dim{Min: 1}, l.Output)
	assert.Equal(t, Dim{Min: 2}, l.Module)
	assert.Equal(t, 1, l.Prompt.Min)
	assert.Equal(t, 4, l.Height())

	l = Compute(State{TerminalHeight: 2})
	assert.Equal(t, 0, l.Output.Min)
	assert.Equal(t, 1, l.Module.Min)
	assert.Equal(t, 1, l.Prompt.Min)
}

func TestComputeZeroHeight(t *testing.T) {
	assert.Equal(t, Layout{}, Compute(State{TerminalHeight: 0}))
}

func TestComputeFillsTerminalExactly(t *testing.T) {
	states := []State{
		{TypingActive: true, Content: ContentSizes{PromptLines: 1}},
		{TypingActive: true, Content: ContentSizes{PromptLines: 50}},
		{Content: ContentSizes{Output: 5, Module: 5}},
		{Content: ContentSizes{Output: 500, Module: 500}},
		{},
	}
	for h := 1; h <= 60; h++ {
		for _, s := range states {
			s.TerminalHeight = h
			l := Compute(s)
			require.Equal(t, h, l.Height(),
				"height %d typing=%v content=%+v", h, s.TypingActive, s.Content)
		}
	}
}

func TestOrchestratorPublishesOnlyOnChange(t *testing.T) {
	events := bus.New(bus.Options{})
	defer events.Close()

	got := make(chan bus.Event, 8)
	events.Subscribe(bus.TopicLayoutUpdate, func(e bus.Event) { got <- e })

	o := NewOrchestrator(events, nil)
	s := State{TerminalHeight: 30, Content: ContentSizes{Output: 10, Module: 5}}

	first := o.Update(s)
	select {
	case e := <-got:
		assert.Equal(t, bus.PriorityHigh, e.Priority)
		assert.Equal(t, first, e.Payload)
	case <-time.After(2 * time.Second):
		t.Fatal("no layout event published")
	}

	o.Update(s)
	select {
	case <-got:
		t.Fatal("unchanged layout must not republish")
	case <-time.After(50 * time.Millisecond):
	}

	s.TypingActive = true
	o.Update(s)
	select {
	case <-got:
	case <-time.After(2 * time.Second):
		t.Fatal("changed layout not published")
	}

	cur, ok := o.Current()
	require.True(t, ok)
	assert.Equal(t, 30, cur.Height())
}
