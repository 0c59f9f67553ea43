package main

import (
	"bufio"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/pflag"

	"github.com/breznaiandras2006-collab/exammentor/internal/config"
	"github.com/breznaiandras2006-collab/exammentor/internal/domain"
	"github.com/breznaiandras2006-collab/exammentor/internal/errors"
	"github.com/breznaiandras2006-collab/exammentor/internal/export"
	"github.com/breznaiandras2006-collab/exammentor/internal/knol"
	"github.com/breznaiandras2006-collab/exammentor/internal/leitner"
	"github.com/breznaiandras2006-collab/exammentor/internal/logger"
	"github.com/breznaiandras2006-collab/exammentor/internal/mcp"
	"github.com/breznaiandras2006-collab/exammentor/internal/parser"
	"github.com/breznaiandras2006-collab/exammentor/internal/session"
	"github.com/breznaiandras2006-collab/exammentor/internal/storage"
	"github.com/breznaiandras2006-collab/exammentor/internal/sync"
	"github.com/breznaiandras2006-collab/exammentor/internal/web"
)

const timeLayout = "2006-01-02 15:04"

// command is one CLI subcommand.
type command struct {
	usage   string
	summary string
	flags   func(*pflag.FlagSet)
	run     func(ctx context.Context, a *app, flags *pflag.FlagSet) error
}

var commands = map[string]command{
	"serve": {
		usage:   "serve [flags]",
		summary: "Serve the study web UI",
		run:     serveCmd,
	},
	"mcp": {
		usage:   "mcp [flags]",
		summary: "Serve the study tools over MCP stdio",
		run:     mcpCmd,
	},
	"sync": {
		usage:   "sync [flags]",
		summary: "Pull git sources and import new cards from every source",
		run:     syncCmd,
	},
	"add-source": {
		usage:   "add-source <path|url> [flags]",
		summary: "Register a local note directory or a git repository",
		run:     addSourceCmd,
	},
	"add-card": {
		usage:   "add-card <term> <definition> [flags]",
		summary: "Write a card by hand",
		flags: func(f *pflag.FlagSet) {
			f.Int64("source", 0, "Source ID to store the card under")
		},
		run: addCardCmd,
	},
	"extract": {
		usage:   "extract <file> [flags]",
		summary: "Print the cards found in a note file, or store them with --save",
		flags: func(f *pflag.FlagSet) {
			f.Bool("save", false, "Store new cards in box 1")
			f.Int64("source", 0, "Source ID to store the cards under")
		},
		run: extractCmd,
	},
	"due": {
		usage:   "due [flags]",
		summary: "List cards due for review",
		flags: func(f *pflag.FlagSet) {
			f.Int64("source", 0, "Restrict to one source")
			f.Int("limit", 0, "Maximum cards to list (0 = all)")
		},
		run: dueCmd,
	},
	"review": {
		usage:   "review [flags]",
		summary: "Study due cards interactively",
		flags: func(f *pflag.FlagSet) {
			f.String("mode", string(session.ModeReview), "review (self-graded) or quiz (multiple choice)")
			f.Int64("source", 0, "Restrict to one source")
			f.Int("limit", 0, "Maximum cards in the session (0 = all due)")
			f.Bool("practice", false, "Study a random sample when nothing is due")
			f.String("notes", "", "Study the cards of a note file without storing progress")
		},
		run: reviewCmd,
	},
	"stats": {
		usage:   "stats [flags]",
		summary: "Show box counts, recent accuracy and weak cards",
		flags: func(f *pflag.FlagSet) {
			f.Int64("source", 0, "Restrict to one source")
			f.Bool("json", false, "Print JSON")
		},
		run: statsCmd,
	},
	"export": {
		usage:   "export [flags]",
		summary: "Export the deck as CSV or YAML",
		flags: func(f *pflag.FlagSet) {
			f.String("format", string(export.CSV), "csv or yaml")
			f.String("out", "", "Output file (default stdout)")
			f.Int64("source", 0, "Restrict to one source")
		},
		run: exportCmd,
	},
	"import": {
		usage:   "import <file> [flags]",
		summary: "Import a deck written by 'export --format yaml'",
		flags: func(f *pflag.FlagSet) {
			f.String("format", string(export.YAML), "Deck format (only yaml can be read back)")
		},
		run: importCmd,
	},
}

// app carries what the subcommands share.
type app struct {
	cfg config.Config
	log *logger.Logger
	in  *bufio.Scanner
	out io.Writer
	now func() time.Time

	db     *storage.DB
	sched  *leitner.Scheduler
	runner *session.Runner
	syncer *sync.Syncer
}

// run executes one subcommand.
func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	if len(args) == 0 || isHelp(args[0]) {
		printUsage(stdout)
		return nil
	}
	if isVersion(args[0]) {
		fmt.Fprintf(stdout, "exammentor %s\n", Version)
		return nil
	}

	name := args[0]
	cmd, ok := commands[name]
	if !ok {
		return fmt.Errorf("unknown command %q (run 'exammentor help' for usage)", name)
	}

	flags := pflag.NewFlagSet("exammentor "+name, pflag.ContinueOnError)
	flags.SetOutput(stderr)
	config.RegisterFlags(flags)
	if cmd.flags != nil {
		cmd.flags(flags)
	}
	flags.Usage = func() {
		fmt.Fprintf(stderr, "Usage: exammentor %s\n\n%s.\n\nFlags:\n", cmd.usage, cmd.summary)
		flags.PrintDefaults()
	}
	if err := flags.Parse(args[1:]); err != nil {
		if stderrors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	cfg, err := config.Load(flags)
	if err != nil {
		return err
	}
	log, err := logger.New(cfg.Log)
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	defer log.Sync()

	a := &app{
		cfg: cfg,
		log: log,
		in:  bufio.NewScanner(stdin),
		out: stdout,
		now: time.Now,
	}
	defer a.close()

	return cmd.run(ctx, a, flags)
}

func isHelp(arg string) bool {
	return arg == "help" || arg == "--help" || arg == "-h"
}

func isVersion(arg string) bool {
	return arg == "version" || arg == "--version" || arg == "-v"
}

func printUsage(w io.Writer) {
	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)

	fmt.Fprintln(w, "ExamMentor: spaced-repetition study from your notes")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: exammentor <command> [flags]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	for _, name := range names {
		fmt.Fprintf(tw, "  %s\t%s\n", commands[name].usage, commands[name].summary)
	}
	tw.Flush()
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Run 'exammentor <command> --help' for the flags of a command.")
}

// open connects to the database and builds the study services.
func (a *app) open() error {
	if a.db != nil {
		return nil
	}
	policy, err := a.cfg.Study.Policy()
	if err != nil {
		return err
	}
	opts, err := a.cfg.Study.SessionOptions()
	if err != nil {
		return err
	}
	db, err := storage.Open(a.cfg.DB)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	db.SetMaxConns(a.cfg.DBMaxConns)

	a.db = db
	a.sched = leitner.NewScheduler(db, policy, a.log)
	a.runner = session.NewRunner(a.sched, db, opts, a.log)
	a.syncer = sync.New(db, sync.Options{
		ReposDir: a.cfg.Repos,
		Workers:  a.cfg.Study.SyncWorkers,
	}, a.log)
	return nil
}

func (a *app) close() {
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.log.Warn("close database", "error", err)
		}
	}
}

func serveCmd(ctx context.Context, a *app, _ *pflag.FlagSet) error {
	if err := a.open(); err != nil {
		return err
	}
	srv := web.NewServer(a.cfg.Listen, web.Deps{
		Cards:   a.db,
		Sources: a.db,
		Runner:  a.runner,
		Syncer:  a.syncer,
		Log:     a.log,
	})
	return web.Run(ctx, srv, a.log)
}

func mcpCmd(_ context.Context, a *app, _ *pflag.FlagSet) error {
	if err := a.open(); err != nil {
		return err
	}
	return mcp.Run(mcp.Deps{
		Cards:  a.db,
		Sched:  a.sched,
		Runner: a.runner,
		Log:    a.log,
	}, Version)
}

func syncCmd(ctx context.Context, a *app, _ *pflag.FlagSet) error {
	if err := a.open(); err != nil {
		return err
	}
	report, err := a.syncer.RunSync(ctx)
	if err != nil {
		return err
	}
	if len(report.Sources) == 0 {
		fmt.Fprintln(a.out, "No sources configured. Add one with 'exammentor add-source <path|url>'.")
		return nil
	}

	failed := 0
	for _, s := range report.Sources {
		fmt.Fprintf(a.out, "%s (%s): %d files, %d new, %d known, %d stale\n",
			s.Path, s.Type, s.Files, s.Inserted, s.Existing, len(s.Stale))
		for _, e := range s.Errors {
			fmt.Fprintf(a.out, "  error: %s\n", e)
		}
		if len(s.Errors) > 0 {
			failed++
		}
	}
	fmt.Fprintf(a.out, "%d new cards.\n", report.Inserted())
	if failed > 0 {
		return fmt.Errorf("%d of %d sources had errors", failed, len(report.Sources))
	}
	return nil
}

func addSourceCmd(ctx context.Context, a *app, flags *pflag.FlagSet) error {
	if flags.NArg() != 1 {
		return errors.NewInvalidRequest("add-source takes exactly one path or URL")
	}
	if err := a.open(); err != nil {
		return err
	}
	src, err := a.syncer.AddSource(ctx, flags.Arg(0))
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "Added %s source %d: %s\n", src.Type, src.ID, src.Path)
	return nil
}

func addCardCmd(ctx context.Context, a *app, flags *pflag.FlagSet) error {
	if flags.NArg() != 2 {
		return errors.NewInvalidRequest("add-card takes a term and a definition")
	}
	if err := a.open(); err != nil {
		return err
	}
	sourceID, _ := flags.GetInt64("source")
	card, err := sync.AddCard(ctx, a.db, sourceID, flags.Arg(0), flags.Arg(1), a.now())
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "Added card %s: %s\n", card.ID, card.Term)
	return nil
}

func extractCmd(ctx context.Context, a *app, flags *pflag.FlagSet) error {
	if flags.NArg() != 1 {
		return errors.NewInvalidRequest("extract takes exactly one file")
	}
	path := flags.Arg(0)
	save, _ := flags.GetBool("save")

	if !save {
		cards, err := parser.ParseFile(path)
		if err != nil {
			return fmt.Errorf("parse %s: %w", path, err)
		}
		cards = knol.Dedup(cards)
		tw := tabwriter.NewWriter(a.out, 0, 0, 2, ' ', 0)
		for _, c := range cards {
			fmt.Fprintf(tw, "%d\t%s\t%s\n", c.Line, c.Term, c.Definition)
		}
		tw.Flush()
		fmt.Fprintf(a.out, "%d cards.\n", len(cards))
		return nil
	}

	if err := a.open(); err != nil {
		return err
	}
	sourceID, _ := flags.GetInt64("source")
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	res, err := sync.ImportNotes(ctx, a.db, sourceID, filepath.Base(path), f, a.now())
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "%d parsed, %d new, %d already known.\n", res.Parsed, res.Inserted, res.Existing)
	return nil
}

func dueCmd(ctx context.Context, a *app, flags *pflag.FlagSet) error {
	if err := a.open(); err != nil {
		return err
	}
	sourceID, _ := flags.GetInt64("source")
	limit, _ := flags.GetInt("limit")

	due, err := a.sched.DueCards(ctx, a.now(), domain.CardFilter{SourceID: sourceID})
	if err != nil {
		return err
	}
	if len(due) == 0 {
		fmt.Fprintln(a.out, "Nothing is due.")
		return nil
	}

	shown := due
	if limit > 0 && len(shown) > limit {
		shown = shown[:limit]
	}
	tw := tabwriter.NewWriter(a.out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tBOX\tDUE\tTERM")
	for _, c := range shown {
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\n", c.ID, c.Box, c.DueAt.UTC().Format(timeLayout), c.Term)
	}
	tw.Flush()
	fmt.Fprintf(a.out, "%d due.\n", len(due))
	return nil
}

func reviewCmd(ctx context.Context, a *app, flags *pflag.FlagSet) error {
	modeFlag, _ := flags.GetString("mode")
	mode, err := session.ParseMode(modeFlag)
	if err != nil {
		return err
	}
	sourceID, _ := flags.GetInt64("source")
	limit, _ := flags.GetInt("limit")
	practice, _ := flags.GetBool("practice")
	notes, _ := flags.GetString("notes")

	var runner *session.Runner
	if notes != "" {
		runner, err = a.scratchRunner(ctx, notes)
		if err != nil {
			return err
		}
		sourceID = 0
	} else {
		if err := a.open(); err != nil {
			return err
		}
		runner = a.runner
	}

	sum, err := runner.StartSession(ctx, session.StartRequest{
		Mode:     mode,
		SourceID: sourceID,
		AsOf:     a.now(),
		Limit:    limit,
		Practice: practice,
	})
	if err != nil {
		return err
	}
	defer runner.EndSession(sum.ID)

	if sum.Total == 0 {
		fmt.Fprintln(a.out, "Nothing is due. Use --practice to study anyway.")
		return nil
	}
	if sum.Practice {
		fmt.Fprintln(a.out, "Nothing is due; practicing a random sample.")
	}

	for {
		p, err := runner.Next(ctx, sum.ID)
		if err != nil {
			return err
		}
		if p == nil {
			break
		}

		fmt.Fprintf(a.out, "\n[%d/%d] box %d\n%s\n", p.Position, p.Total, p.Box, p.Term)
		answer, ok := a.ask(p)
		if !ok {
			break
		}
		res, err := runner.SubmitAnswer(ctx, sum.ID, answer)
		if err != nil {
			return err
		}
		if res.Correct() {
			fmt.Fprintf(a.out, "Correct. Box %d -> %d, next review %s.\n", res.BoxBefore, res.BoxAfter, res.DueAt.UTC().Format("2006-01-02"))
		} else {
			fmt.Fprintf(a.out, "Incorrect. Answer: %s\nBox %d -> %d, next review %s.\n", res.Expected, res.BoxBefore, res.BoxAfter, res.DueAt.UTC().Format("2006-01-02"))
		}
	}

	final, err := runner.Session(sum.ID)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "\nSession finished: %d correct, %d incorrect, %d of %d answered.\n",
		final.Correct, final.Incorrect, final.Answered, final.Total)
	return nil
}

// scratchRunner loads a note file into an in-memory store, so a session over
// it leaves the database untouched.
func (a *app) scratchRunner(ctx context.Context, path string) (*session.Runner, error) {
	policy, err := a.cfg.Study.Policy()
	if err != nil {
		return nil, err
	}
	opts, err := a.cfg.Study.SessionOptions()
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	store := storage.NewMemory()
	res, err := sync.ImportNotes(ctx, store, 0, filepath.Base(path), f, a.now())
	if err != nil {
		return nil, err
	}
	a.log.Debug("notes loaded for practice", "path", path, "cards", res.Inserted)
	sched := leitner.NewScheduler(store, policy, a.log)
	return session.NewRunner(sched, store, opts, a.log), nil
}

// ask prompts for an answer to p. It reports false when the user quits or
// input ends.
func (a *app) ask(p *session.Prompt) (session.Answer, bool) {
	answer := session.Answer{CardID: p.CardID, EventID: domain.NewID(a.now())}

	if len(p.Choices) > 0 {
		for i, c := range p.Choices {
			fmt.Fprintf(a.out, "  %d) %s\n", i+1, c)
		}
		for {
			line, ok := a.prompt(fmt.Sprintf("Choice [1-%d, q to quit]: ", len(p.Choices)))
			if !ok {
				return answer, false
			}
			n, err := strconv.Atoi(line)
			if err == nil && n >= 1 && n <= len(p.Choices) {
				answer.Choice = p.Choices[n-1]
				return answer, true
			}
		}
	}

	if _, ok := a.prompt("Press Enter to reveal (q to quit): "); !ok {
		return answer, false
	}
	fmt.Fprintf(a.out, "  %s\n", p.Definition)
	for {
		line, ok := a.prompt("Did you know it? [y/n, q to quit]: ")
		if !ok {
			return answer, false
		}
		switch strings.ToLower(line) {
		case "y", "yes":
			answer.Correct = boolPtr(true)
			return answer, true
		case "n", "no":
			answer.Correct = boolPtr(false)
			return answer, true
		}
	}
}

// prompt reads one trimmed line. It reports false on "q" or end of input.
func (a *app) prompt(text string) (string, bool) {
	fmt.Fprint(a.out, text)
	if !a.in.Scan() {
		fmt.Fprintln(a.out)
		return "", false
	}
	line := strings.TrimSpace(a.in.Text())
	if strings.EqualFold(line, "q") {
		return "", false
	}
	return line, true
}

func statsCmd(ctx context.Context, a *app, flags *pflag.FlagSet) error {
	if err := a.open(); err != nil {
		return err
	}
	sourceID, _ := flags.GetInt64("source")
	asJSON, _ := flags.GetBool("json")

	st, err := a.runner.Stats(ctx, session.StatsRequest{SourceID: sourceID, AsOf: a.now()})
	if err != nil {
		return err
	}
	if asJSON {
		return outputJSON(a.out, st)
	}

	fmt.Fprintf(a.out, "Cards: %d, due: %d\n", st.Total, st.Due)
	boxes := make([]string, 0, len(st.Boxes))
	for _, b := range st.Boxes {
		boxes = append(boxes, fmt.Sprintf("%d:%d", b.Box, b.Count))
	}
	fmt.Fprintf(a.out, "Boxes: %s\n", strings.Join(boxes, " "))
	fmt.Fprintf(a.out, "Accuracy (last %d reviews): %d%% (%d correct, %d wrong)\n",
		st.Accuracy.N, st.Accuracy.Percent, st.Accuracy.Correct, st.Accuracy.Wrong)
	if len(st.Weak) == 0 {
		return nil
	}
	fmt.Fprintln(a.out, "Weak cards:")
	tw := tabwriter.NewWriter(a.out, 0, 0, 2, ' ', 0)
	for _, w := range st.Weak {
		last := string(w.LastOutcome)
		if last == "" {
			last = "-"
		}
		fmt.Fprintf(tw, "  %s\tbox %d\t%s\n", w.Term, w.Box, last)
	}
	return tw.Flush()
}

func exportCmd(ctx context.Context, a *app, flags *pflag.FlagSet) (err error) {
	formatFlag, _ := flags.GetString("format")
	format, err := export.ParseFormat(formatFlag)
	if err != nil {
		return errors.NewInvalidRequest(err.Error())
	}
	if err := a.open(); err != nil {
		return err
	}
	sourceID, _ := flags.GetInt64("source")
	outPath, _ := flags.GetString("out")

	cards, err := a.db.ListCards(ctx, domain.CardFilter{SourceID: sourceID})
	if err != nil {
		return err
	}

	if outPath == "" {
		return export.Write(a.out, format, cards)
	}
	f, err := os.Create(outPath)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()
	if err := export.Write(f, format, cards); err != nil {
		return err
	}
	fmt.Fprintf(a.out, "Exported %d cards to %s.\n", len(cards), outPath)
	return nil
}

func importCmd(ctx context.Context, a *app, flags *pflag.FlagSet) error {
	if flags.NArg() != 1 {
		return errors.NewInvalidRequest("import takes exactly one file")
	}
	formatFlag, _ := flags.GetString("format")
	format, err := export.ParseFormat(formatFlag)
	if err != nil {
		return errors.NewInvalidRequest(err.Error())
	}
	if format != export.YAML {
		return errors.NewInvalidRequest(fmt.Sprintf("%s decks cannot be imported, use yaml", format))
	}

	f, err := os.Open(flags.Arg(0))
	if err != nil {
		return err
	}
	defer f.Close()
	deck, err := export.ReadYAML(f)
	if err != nil {
		return errors.NewInvalidRequest(err.Error())
	}

	if err := a.open(); err != nil {
		return err
	}
	res, err := sync.ImportDeck(ctx, a.db, deck, a.now())
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "%d cards read, %d new, %d already known.\n", res.Parsed, res.Inserted, res.Existing)
	return nil
}

func outputJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func boolPtr(b bool) *bool { return &b }
