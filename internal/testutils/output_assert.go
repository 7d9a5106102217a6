package testutils

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/fatih/color"
	"github.com/hexops/gotextdiff"
	"github.com/hexops/gotextdiff/myers"
	"github.com/mcuadros/go-defaults"
	"github.com/yudai/gojsondiff"
	"github.com/yudai/gojsondiff/formatter"
)

// TestingT is the part of testing.T the asserters use.
type TestingT interface {
	Errorf(format string, args ...interface{})
}

// Presence in expected JSON matches any value, as long as the key exists.
const Presence = "<<PRESENCE>>"

type OutputAssertOptions struct {
	TrimSpace                bool `default:"true"`
	IgnoreTrailingWhitespace bool `default:"true"`
	IgnoreEmptyLines         bool `default:"false"`
	// MaskTimes replaces RFC3339 timestamps and clock times with <TIME>.
	MaskTimes    bool `default:"true"`
	EnableColors bool `default:"false"`
}

type OutputOption func(*OutputAssertOptions)

func WithIgnoreEmptyLines(ignore bool) OutputOption {
	return func(o *OutputAssertOptions) { o.IgnoreEmptyLines = ignore }
}

func WithMaskTimes(mask bool) OutputOption {
	return func(o *OutputAssertOptions) { o.MaskTimes = mask }
}

func WithEnableColors(enable bool) OutputOption {
	return func(o *OutputAssertOptions) { o.EnableColors = enable }
}

func outputOptions(opts []OutputOption) OutputAssertOptions {
	o := OutputAssertOptions{}
	defaults.SetDefaults(&o)
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

var timePattern = regexp.MustCompile(`\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}(\.\d+)?(Z|[+-]\d{2}:\d{2})|\b\d{2}:\d{2}:\d{2}(\.\d+)?\b`)

// AssertText compares CLI output line by line and reports a unified diff.
func AssertText(t TestingT, actual, expected string, opts ...OutputOption) bool {
	o := outputOptions(opts)
	a, e := normalizeText(actual, o), normalizeText(expected, o)
	if a == e {
		return true
	}

	edits := myers.ComputeEdits("", e, a)
	unified := fmt.Sprint(gotextdiff.ToUnified("expected", "actual", e, edits))
	if o.EnableColors {
		unified = colorize(unified)
	}
	t.Errorf("Text assertion failed - unified diff:\n%s", unified)
	return false
}

func normalizeText(text string, o OutputAssertOptions) string {
	if o.TrimSpace {
		text = strings.TrimSpace(text)
	}
	if o.MaskTimes {
		text = timePattern.ReplaceAllString(text, "<TIME>")
	}
	var lines []string
	for _, line := range strings.Split(text, "\n") {
		if o.IgnoreEmptyLines && strings.TrimSpace(line) == "" {
			continue
		}
		if o.IgnoreTrailingWhitespace {
			line = strings.TrimRight(line, " \t")
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}

func colorize(diff string) string {
	red := color.New(color.FgRed)
	red.EnableColor()
	green := color.New(color.FgGreen)
	green.EnableColor()
	cyan := color.New(color.FgCyan)
	cyan.EnableColor()

	lines := strings.Split(diff, "\n")
	for i, line := range lines {
		switch {
		case strings.HasPrefix(line, "---"), strings.HasPrefix(line, "+++"):
		case strings.HasPrefix(line, "@@"):
			lines[i] = cyan.Sprint(line)
		case strings.HasPrefix(line, "-"):
			lines[i] = red.Sprint(strings.ReplaceAll(line, " ", "·"))
		case strings.HasPrefix(line, "+"):
			lines[i] = green.Sprint(strings.ReplaceAll(line, " ", "·"))
		}
	}
	return strings.Join(lines, "\n")
}

// AssertJSON compares JSON documents structurally. Keys present only in
// actual are ignored, and Presence values in expected match anything.
func AssertJSON(t TestingT, actual, expected string) bool {
	var a, e interface{}
	if err := json.Unmarshal([]byte(actual), &a); err != nil {
		t.Errorf("actual is not JSON: %v\n%s", err, actual)
		return false
	}
	if err := json.Unmarshal([]byte(expected), &e); err != nil {
		t.Errorf("expected is not JSON: %v", err)
		return false
	}

	// gojsondiff compares objects only
	a = map[string]interface{}{"root": a}
	e = map[string]interface{}{"root": e}
	fillExpected(e, a)

	eb, _ := json.Marshal(e)
	ab, _ := json.Marshal(a)
	diff, err := gojsondiff.New().Compare(eb, ab)
	if err != nil {
		t.Errorf("JSON comparison failed: %v", err)
		return false
	}
	if !diff.Modified() {
		return true
	}
	f := formatter.NewAsciiFormatter(e, formatter.AsciiFormatterConfig{ShowArrayIndex: true})
	text, _ := f.Format(diff)
	t.Errorf("JSON assertion failed:\n%s", text)
	return false
}

// fillExpected resolves Presence placeholders and copies keys expected does
// not mention, so only what the test names is compared.
func fillExpected(expected, actual interface{}) {
	switch exp := expected.(type) {
	case map[string]interface{}:
		act, ok := actual.(map[string]interface{})
		if !ok {
			return
		}
		for k, v := range act {
			ev, named := exp[k]
			switch {
			case !named:
				exp[k] = v
			case ev == Presence:
				exp[k] = v
			default:
				fillExpected(ev, v)
			}
		}
	case []interface{}:
		act, ok := actual.([]interface{})
		if !ok {
			return
		}
		for i := range exp {
			if i >= len(act) {
				break
			}
			if exp[i] == Presence {
				exp[i] = act[i]
				continue
			}
			fillExpected(exp[i], act[i])
		}
	}
}
