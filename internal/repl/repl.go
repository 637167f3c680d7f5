// Package repl is the terminal rendering layer over a chat session: it reads
// lines, turns them into session operations and prints replies as they stream.
package repl

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/pkg/errors"

	"github.com/suPer8Hu/studychat/internal/chat"
)

const helpText = `commands:
  <text>                   ask in the active chat
  /new                     start a new chat
  /list                    list chats
  /switch <id>             switch to a chat and show it
  /delete [id]             delete a chat (default: the active one)
  /flash <text>            make flashcards from text
  /ask <pdf> <question>    ask a question about a PDF
  /quit                    leave`

type styles struct {
	user      lipgloss.Style
	assistant lipgloss.Style
	dim       lipgloss.Style
	err       lipgloss.Style
	card      lipgloss.Style
}

func newStyles(out io.Writer) styles {
	re := lipgloss.NewRenderer(out)
	return styles{
		user:      re.NewStyle().Bold(true).Foreground(lipgloss.Color("12")),
		assistant: re.NewStyle().Bold(true).Foreground(lipgloss.Color("10")),
		dim:       re.NewStyle().Faint(true),
		err:       re.NewStyle().Foreground(lipgloss.Color("9")),
		card:      re.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1),
	}
}

type REPL struct {
	Store *chat.Store
	In    io.Reader
	Out   io.Writer

	readFile func(string) ([]byte, error)
	st       styles
}

func New(store *chat.Store, in io.Reader, out io.Writer) *REPL {
	return &REPL{Store: store, In: in, Out: out, readFile: os.ReadFile, st: newStyles(out)}
}

// Run reads commands until EOF, /quit or ctx is done.
func (r *REPL) Run(ctx context.Context) error {
	sc := bufio.NewScanner(r.In)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	r.prompt()
	for sc.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if quit := r.Exec(ctx, sc.Text()); quit {
			return nil
		}
		r.prompt()
	}
	return sc.Err()
}

func (r *REPL) prompt() {
	fmt.Fprint(r.Out, r.st.user.Render("you> "))
}

func (r *REPL) printErr(err error) {
	fmt.Fprintln(r.Out, r.st.err.Render("error: "+err.Error()))
}

// activeThread returns the active thread, starting one when none exists.
func (r *REPL) activeThread() int64 {
	if id, ok := r.Store.ActiveThreadID(); ok {
		return id
	}
	return r.Store.CreateThread().ID
}

// Exec runs one input line. It reports true when the session should end.
func (r *REPL) Exec(ctx context.Context, line string) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return false
	}
	if !strings.HasPrefix(line, "/") {
		r.chat(ctx, line)
		return false
	}

	cmd, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)
	switch cmd {
	case "/quit", "/exit":
		return true
	case "/help":
		fmt.Fprintln(r.Out, helpText)
	case "/new":
		t := r.Store.CreateThread()
		fmt.Fprintln(r.Out, r.st.dim.Render(fmt.Sprintf("started chat %d", t.ID)))
	case "/list":
		PrintThreads(r.Out, r.Store.Snapshot())
	case "/switch":
		id, err := strconv.ParseInt(arg, 10, 64)
		if err != nil {
			r.printErr(errors.New("usage: /switch <id>"))
			return false
		}
		if err := r.Store.Activate(id); err != nil {
			r.printErr(err)
			return false
		}
		t, _ := r.Store.Thread(id)
		r.printThread(t)
	case "/delete":
		id, ok := r.Store.ActiveThreadID()
		if arg != "" {
			n, err := strconv.ParseInt(arg, 10, 64)
			if err != nil {
				r.printErr(errors.New("usage: /delete [id]"))
				return false
			}
			id, ok = n, true
		}
		if !ok {
			r.printErr(chat.ErrThreadNotFound)
			return false
		}
		r.Store.DeleteThread(id)
		fmt.Fprintln(r.Out, r.st.dim.Render(fmt.Sprintf("deleted chat %d", id)))
	case "/flash":
		r.flashcards(ctx, arg)
	case "/ask":
		path, question, _ := strings.Cut(arg, " ")
		r.askDocument(ctx, path, strings.TrimSpace(question))
	default:
		r.printErr(errors.Errorf("unknown command %s, try /help", cmd))
	}
	return false
}

func (r *REPL) chat(ctx context.Context, text string) {
	turn, err := r.Store.Begin(r.activeThread(), text, chat.KindChat)
	if err != nil {
		r.printErr(err)
		return
	}
	fmt.Fprint(r.Out, r.st.assistant.Render("ai> "))
	_, err = turn.Run(ctx, func(p chat.Progress) {
		fmt.Fprint(r.Out, p.Delta)
	})
	fmt.Fprintln(r.Out)
	if err != nil {
		r.printErr(err)
	}
}

func (r *REPL) flashcards(ctx context.Context, text string) {
	fmt.Fprintln(r.Out, r.st.dim.Render("generating flashcards..."))
	res, err := r.Store.Submit(ctx, r.activeThread(), text, chat.KindFlashcards)
	if err != nil && res.Index == 0 {
		r.printErr(err)
		return
	}
	r.printCards(chat.RenderFlashcards(res.Content))
	if err != nil {
		r.printErr(err)
	}
}

func (r *REPL) askDocument(ctx context.Context, path, question string) {
	if path == "" || question == "" {
		r.printErr(errors.New("usage: /ask <pdf-path> <question>"))
		return
	}
	data, err := r.readFile(path)
	if err != nil {
		r.printErr(err)
		return
	}
	fmt.Fprintln(r.Out, r.st.dim.Render("reading "+filepath.Base(path)+"..."))
	res, err := r.Store.SubmitDocumentQuestion(ctx, r.activeThread(), filepath.Base(path), data, question)
	if err != nil && res.Index == 0 {
		r.printErr(err)
		return
	}
	fmt.Fprintln(r.Out, r.st.assistant.Render("ai> ")+res.Content)
}

func (r *REPL) printCards(view chat.FlashcardView) {
	if len(view.Cards) == 0 {
		fmt.Fprintln(r.Out, view.Raw)
		fmt.Fprintln(r.Out, r.st.dim.Render("(could not read flashcards: "+view.Error+")"))
		return
	}
	for i, c := range view.Cards {
		fmt.Fprintln(r.Out, r.st.card.Render(fmt.Sprintf("%d. Q: %s\n   A: %s", i+1, c.Question, c.Answer)))
	}
}

func (r *REPL) printThread(t chat.Thread) {
	fmt.Fprintln(r.Out, r.st.dim.Render(fmt.Sprintf("chat %d: %s", t.ID, t.Title())))
	for _, m := range t.History {
		if m.Role == chat.RoleUser {
			fmt.Fprintln(r.Out, r.st.user.Render("you> ")+m.Content)
			continue
		}
		if m.Kind == chat.KindFlashcards {
			r.printCards(chat.RenderFlashcards(m.Content))
			continue
		}
		fmt.Fprintln(r.Out, r.st.assistant.Render("ai> ")+m.Content)
	}
}

// PrintThreads lists threads newest first, marking the active one.
func PrintThreads(out io.Writer, snap chat.Snapshot) {
	if len(snap.Threads) == 0 {
		fmt.Fprintln(out, "no chats")
		return
	}
	for _, t := range snap.Threads {
		marker := " "
		if snap.ActiveID != nil && *snap.ActiveID == t.ID {
			marker = "*"
		}
		fmt.Fprintf(out, "%s %d  %s (%d messages)\n", marker, t.ID, t.Title(), len(t.History))
	}
}
