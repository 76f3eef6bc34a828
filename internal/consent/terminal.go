package consent

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
)

// TerminalPresenter asks on a text stream; used in headless mode.
type TerminalPresenter struct {
	In  io.Reader
	Out io.Writer
}

func (p *TerminalPresenter) Present(ctx context.Context, d Disclosure) (bool, error) {
	fmt.Fprintf(p.Out, "%s\n\n%s\n\nType \"yes\" to start capturing: ", d.Title, d.Body)

	type answer struct {
		line string
		err  error
	}
	answers := make(chan answer, 1)
	go func() {
		line, err := bufio.NewReader(p.In).ReadString('\n')
		answers <- answer{line: line, err: err}
	}()

	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case a := <-answers:
		if a.err != nil && a.err != io.EOF {
			return false, a.err
		}
		reply := strings.ToLower(strings.TrimSpace(a.line))
		return reply == "yes" || reply == "y", nil
	}
}
