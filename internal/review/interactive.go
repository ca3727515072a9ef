package review

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/chzyer/readline"
)

// Prompter reads one line of input; *readline.Instance satisfies it
type Prompter interface {
	Readline() (string, error)
}

// NewPrompter opens an interactive line reader on the terminal
func NewPrompter() (*readline.Instance, error) {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:            "[a]ccept [s]kip [1-9] keep member [q]uit > ",
		InterruptPrompt:   "^C",
		EOFPrompt:         "quit",
		HistorySearchFold: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create readline: %w", err)
	}
	return rl, nil
}

// Stats counts what an interactive review changed
type Stats struct {
	Accepted int
	Skipped  int
	Rekept   int
	Unseen   int
}

// Interactive walks the groups and asks for a decision on each. An empty
// line keeps the current decision. q, Ctrl-C or Ctrl-D stop the review and
// leave the remaining groups as they are.
func Interactive(f *File, p Prompter, w io.Writer) (Stats, error) {
	var stats Stats
	for i := range f.Groups {
		g := &f.Groups[i]
		RenderGroup(w, i, *g)

	prompt:
		for {
			line, err := p.Readline()
			if err != nil {
				if errors.Is(err, io.EOF) || errors.Is(err, readline.ErrInterrupt) {
					stats.Unseen = len(f.Groups) - i
					return stats, nil
				}
				return stats, err
			}

			switch answer := strings.ToLower(strings.TrimSpace(line)); answer {
			case "":
				break prompt
			case "a", "y", "yes":
				g.Accept = true
				stats.Accepted++
				break prompt
			case "s", "n", "no":
				g.Accept = false
				stats.Skipped++
				break prompt
			case "q", "quit":
				stats.Unseen = len(f.Groups) - i
				return stats, nil
			default:
				n, err := strconv.Atoi(answer)
				if err != nil || n < 1 || n > len(g.Members) {
					fmt.Fprintf(w, "unrecognized answer %q\n", line)
					continue
				}
				g.Keep = g.Members[n-1].Path
				g.Reason = "chosen in review"
				g.Accept = true
				stats.Rekept++
				break prompt
			}
		}
		fmt.Fprintln(w)
	}
	return stats, nil
}
