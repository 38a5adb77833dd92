package synth

import (
	"fmt"
	"strings"
)

// AnswerFormat describes the layout produced by Format.
const AnswerFormat = `Final Answer:
<answer sentences, quoted verbatim from the documents>

Supporting Evidence:
- "<exact quote>" (<document name>)

Reasoning:
<how conflicting statements were resolved and why each quote was chosen>`

// Format renders the answer in the Final Answer / Supporting Evidence /
// Reasoning layout.
func (a *Answer) Format() string {
	var b strings.Builder
	b.WriteString("Final Answer:\n")
	b.WriteString(a.Text)
	b.WriteString("\n\nSupporting Evidence:\n")
	if len(a.Evidence) == 0 {
		b.WriteString("- none\n")
	}
	for _, e := range a.Evidence {
		fmt.Fprintf(&b, "- %q (%s)\n", e.Quote, e.DocumentName)
	}
	b.WriteString("\nReasoning:\n")
	b.WriteString(a.Reasoning)
	b.WriteString("\n")
	return b.String()
}
