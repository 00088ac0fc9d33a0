// Command voicegrade-parse extracts grades from a transcript file offline.
//
// Usage:
//
//	voicegrade-parse -roster class.txt -transcript dictation.txt [-xlsx out.xlsx]
//	echo "张三 95 李四 得 88" | voicegrade-parse -roster class.txt
//
// The parsed pairs are printed as a table; -xlsx also writes the grade sheet.
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"

	"github.com/MrWong99/voicegrade/internal/app"
	"github.com/MrWong99/voicegrade/internal/config"
	"github.com/MrWong99/voicegrade/internal/export"
	"github.com/MrWong99/voicegrade/internal/registry"
	"github.com/MrWong99/voicegrade/internal/roster"
	"github.com/MrWong99/voicegrade/internal/transcript"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

type options struct {
	roster     string
	transcript string
	xlsx       string
	title      string
	homework   string
	fuzzy      bool
	threshold  float64
	noColor    bool
}

func parseFlags(args []string, stderr io.Writer) (options, error) {
	var o options
	fs := flag.NewFlagSet("voicegrade-parse", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&o.roster, "roster", "", "roster file, one student per line as '[id] name'")
	fs.StringVar(&o.transcript, "transcript", "-", "transcript file, or - for stdin")
	fs.StringVar(&o.xlsx, "xlsx", "", "also write the grade sheet to this xlsx file")
	fs.StringVar(&o.title, "title", export.DefaultTitle, "sheet title")
	fs.StringVar(&o.homework, "homework", "", "homework title for the metadata row")
	fs.BoolVar(&o.fuzzy, "fuzzy", true, "match misheard names by edit distance")
	fs.Float64Var(&o.threshold, "threshold", config.DefaultFuzzyThreshold, "minimum similarity for a fuzzy match")
	fs.BoolVar(&o.noColor, "no-color", false, "disable coloured output")
	if err := fs.Parse(args); err != nil {
		return o, err
	}
	if o.threshold <= 0 || o.threshold > 1 {
		return o, fmt.Errorf("-threshold %.2f is out of range (0, 1]", o.threshold)
	}
	return o, nil
}

func run(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	o, err := parseFlags(args, stderr)
	if errors.Is(err, flag.ErrHelp) {
		return 0
	}
	if err != nil {
		fmt.Fprintf(stderr, "voicegrade-parse: %v\n", err)
		return 2
	}
	if o.noColor {
		color.NoColor = true
	}

	r := roster.New(nil)
	if o.roster != "" {
		data, err := os.ReadFile(o.roster)
		if err != nil {
			fmt.Fprintf(stderr, "voicegrade-parse: read roster: %v\n", err)
			return 1
		}
		r = roster.Parse(string(data))
	}

	text, err := readTranscript(o.transcript, stdin)
	if err != nil {
		fmt.Fprintf(stderr, "voicegrade-parse: read transcript: %v\n", err)
		return 1
	}

	fuzzy := o.fuzzy
	ext := app.NewExtractor(config.MatchingConfig{Fuzzy: &fuzzy, FuzzyThreshold: o.threshold})
	pairs := ext.Extract(text, r)
	if len(pairs) == 0 {
		color.New(color.FgYellow).Fprintln(stderr, "未识别到成绩")
		return 1
	}

	renderPairs(stdout, pairs)

	entries, res := registry.Merge(nil, pairs)
	fmt.Fprintf(stdout, "%d 条成绩，%d 条未在名单中\n", res.Added, countRaw(pairs))

	if o.xlsx != "" {
		if err := writeXLSX(o.xlsx, entries, export.Meta{Title: o.title, Homework: o.homework, Date: time.Now()}); err != nil {
			fmt.Fprintf(stderr, "voicegrade-parse: %v\n", err)
			return 1
		}
		color.New(color.FgGreen).Fprintf(stdout, "已导出 %s\n", o.xlsx)
	}
	return 0
}

func readTranscript(path string, stdin io.Reader) (string, error) {
	if path == "-" {
		data, err := io.ReadAll(stdin)
		return string(data), err
	}
	data, err := os.ReadFile(path)
	return string(data), err
}

func renderPairs(w io.Writer, pairs []transcript.ParsedPair) {
	matchColor := map[transcript.MatchType]*color.Color{
		transcript.MatchExact: color.New(color.FgGreen),
		transcript.MatchFuzzy: color.New(color.FgYellow),
		transcript.MatchRaw:   color.New(color.FgRed),
	}

	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"学号", "姓名", "成绩", "匹配", "置信度", "原文"})
	table.SetAutoWrapText(false)
	for _, p := range pairs {
		match := string(p.MatchType)
		if c, ok := matchColor[p.MatchType]; ok {
			match = c.Sprint(match)
		}
		table.Append([]string{
			p.StudentID,
			p.Name,
			strconv.Itoa(p.Score),
			match,
			strconv.FormatFloat(p.Confidence, 'f', 2, 64),
			strings.TrimSpace(p.Source),
		})
	}
	table.Render()
}

func countRaw(pairs []transcript.ParsedPair) int {
	n := 0
	for _, p := range pairs {
		if p.MatchType == transcript.MatchRaw {
			n++
		}
	}
	return n
}

func writeXLSX(path string, entries []registry.Entry, meta export.Meta) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	if err := export.WriteXLSX(f, entries, meta); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	return f.Close()
}
