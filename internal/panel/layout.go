// Package panel computes terminal panel geometry. It owns no terminal
// I/O: it turns typing state and content sizes into a Layout and
// announces changes on the event bus so the UI layer can redraw.
package panel

// Panel floors. Compression below these happens only when the terminal
// itself is smaller than their sum.
const (
	floorOutput = 3
	floorModule = 2
	floorPrompt = 1

	idlePromptHeight = 3
)

// Dim is one panel's vertical extent. Max of zero means unconstrained.
type Dim struct {
	Min int `json:"min"`
	Max int `json:"max,omitempty"`
}

// Layout holds the three panel dimensions. The Min fields always sum to
// the terminal height the layout was computed for.
type Layout struct {
	Output Dim `json:"output"`
	Module Dim `json:"module"`
	Prompt Dim `json:"prompt"`
}

// Height reports the total vertical extent of the layout.
func (l Layout) Height() int {
	return l.Output.Min + l.Module.Min + l.Prompt.Min
}

// ContentSizes are the natural sizes of what each panel wants to show.
type ContentSizes struct {
	Output      int
	Module      int
	PromptLines int
}

// State is everything layout computation depends on.
type State struct {
	TerminalHeight int
	TypingActive   bool
	Content        ContentSizes
}

// Compute derives a Layout from the state.
//
// While typing, the prompt grows with its line count up to half the
// terminal and the remainder splits 70/30 between output and module.
// When idle and everything fits, panels take their content size and the
// prompt keeps a fixed three rows; spare rows go to output. Otherwise
// the height is distributed 50/30/20, rounding down on output and
// module with the leftover landing on the prompt.
func Compute(s State) Layout {
	h := s.TerminalHeight
	if h <= 0 {
		return Layout{}
	}
	if h < floorOutput+floorModule+floorPrompt {
		return compressed(h)
	}

	var output, module, prompt int
	switch {
	case s.TypingActive:
		prompt = s.Content.PromptLines + 2
		if prompt > h/2 {
			prompt = h / 2
		}
		if prompt < floorPrompt {
			prompt = floorPrompt
		}
		remainder := h - prompt
		output = remainder * 7 / 10
		module = remainder - output

	case s.Content.Output+s.Content.Module+idlePromptHeight <= h:
		output = s.Content.Output
		module = s.Content.Module
		prompt = idlePromptHeight
		// Spare rows keep the invariant that the layout fills the
		// terminal exactly.
		output += h - (output + module + prompt)

	default:
		output = h * 5 / 10
		module = h * 3 / 10
		prompt = h - output - module
	}

	return applyFloors(h, output, module, prompt, s)
}

// applyFloors pushes each panel up to its floor, taking rows back in
// the order output, then module, then prompt.
func applyFloors(h, output, module, prompt int, s State) Layout {
	raise := func(v, floor int) (int, int) {
		if v >= floor {
			return v, 0
		}
		return floor, floor - v
	}
	var need int
	output, _ = raise(output, floorOutput)
	module, _ = raise(module, floorModule)
	prompt, _ = raise(prompt, floorPrompt)

	need = output + module + prompt - h
	take := func(v, floor, need int) (int, int) {
		if need <= 0 || v <= floor {
			return v, need
		}
		avail := v - floor
		if avail > need {
			avail = need
		}
		return v - avail, need - avail
	}
	output, need = take(output, floorOutput, need)
	module, need = take(module, floorModule, need)
	prompt, _ = take(prompt, floorPrompt, need)

	l := Layout{
		Output: Dim{Min: output},
		Module: Dim{Min: module},
		Prompt: Dim{Min: prompt},
	}
	if s.TypingActive {
		l.Prompt.Max = h / 2
	} else {
		l.Prompt.Max = idlePromptHeight
	}
	return l
}

// compressed handles terminals smaller than the combined floors: panels
// give up rows in the order output, module, prompt, down to one row
// each and then to zero in the same order.
func compressed(h int) Layout {
	output, module, prompt := floorOutput, floorModule, floorPrompt
	deficit := output + module + prompt - h

	shrink := func(v, limit, deficit int) (int, int) {
		for v > limit && deficit > 0 {
			v--
			deficit--
		}
		return v, deficit
	}
	output, deficit = shrink(output, 1, deficit)
	module, deficit = shrink(module, 1, deficit)
	prompt, deficit = shrink(prompt, 1, deficit)
	output, deficit = shrink(output, 0, deficit)
	module, deficit = shrink(module, 0, deficit)
	prompt, _ = shrink(prompt, 0, deficit)

	return Layout{
		Output: Dim{Min: output},
		Module: Dim{Min: module},
		Prompt: Dim{Min: prompt, Max: idlePromptHeight},
	}
}
